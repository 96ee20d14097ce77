package quic

import (
	"context"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/quic-go/quic-go"

	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

// conn QUIC 连接
type conn struct {
	qc quic.Connection

	localPeer  types.PeerID
	remotePeer types.PeerID
	remoteKey  crypto.PublicKey
	laddr      ma.Multiaddr
	raddr      ma.Multiaddr
}

var _ interfaces.CapableConn = (*conn)(nil)

func newConn(qc quic.Connection, local types.PeerID) (*conn, error) {
	pub, remote, err := remoteKey(qc.ConnectionState().TLS)
	if err != nil {
		return nil, err
	}
	laddr, err := fromUDPAddr(qc.LocalAddr())
	if err != nil {
		return nil, err
	}
	raddr, err := fromUDPAddr(qc.RemoteAddr())
	if err != nil {
		return nil, err
	}
	return &conn{
		qc:         qc,
		localPeer:  local,
		remotePeer: remote,
		remoteKey:  pub,
		laddr:      laddr,
		raddr:      raddr,
	}, nil
}

func (c *conn) OpenStream(ctx context.Context) (interfaces.MuxedStream, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{s}, nil
}

func (c *conn) AcceptStream() (interfaces.MuxedStream, error) {
	s, err := c.qc.AcceptStream(context.Background())
	if err != nil {
		return nil, err
	}
	return &stream{s}, nil
}

func (c *conn) IsClosed() bool {
	select {
	case <-c.qc.Context().Done():
		return true
	default:
		return false
	}
}

func (c *conn) Close() error {
	return c.qc.CloseWithError(0, "")
}

func (c *conn) LocalPeer() types.PeerID           { return c.localPeer }
func (c *conn) RemotePeer() types.PeerID          { return c.remotePeer }
func (c *conn) RemotePublicKey() crypto.PublicKey { return c.remoteKey }
func (c *conn) LocalMultiaddr() ma.Multiaddr      { return c.laddr }
func (c *conn) RemoteMultiaddr() ma.Multiaddr     { return c.raddr }
func (c *conn) Transport() string                 { return Name }

// stream QUIC 双向流
//
// quic 的 Close 只关闭写方向，这里的 Close 同时放弃读方向。
type stream struct {
	s quic.Stream
}

func (s *stream) Read(p []byte) (int, error)  { return s.s.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.s.Write(p) }

func (s *stream) CloseWrite() error {
	return s.s.Close()
}

func (s *stream) Close() error {
	s.s.CancelRead(0)
	return s.s.Close()
}

func (s *stream) Reset() error {
	s.s.CancelWrite(0)
	s.s.CancelRead(0)
	return nil
}

func (s *stream) SetDeadline(t time.Time) error      { return s.s.SetDeadline(t) }
func (s *stream) SetReadDeadline(t time.Time) error  { return s.s.SetReadDeadline(t) }
func (s *stream) SetWriteDeadline(t time.Time) error { return s.s.SetWriteDeadline(t) }
