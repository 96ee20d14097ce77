// Package upgrader 将原始字节流升级为已认证、已多路复用的连接
//
//	raw conn ─► multistream(/noise) ─► Noise XX ─► multistream(/yamux/1.0.0) ─► yamux
//
// TCP、WebSocket 以及中继电路都走这条路径；QUIC 自带 TLS 与多路复用，不经过升级器。
package upgrader

import (
	"context"
	"fmt"
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	mss "github.com/multiformats/go-multistream"

	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/core/muxer"
	"github.com/void-p2p/go-void/internal/core/security/noise"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("upgrader")

// DefaultNegotiateTimeout 默认协商超时
const DefaultNegotiateTimeout = 60 * time.Second

// Upgrader 连接升级器
type Upgrader struct {
	security []interfaces.SecureTransport
	muxers   []interfaces.StreamMuxer
	timeout  time.Duration
}

// New 创建升级器；timeout <= 0 使用 DefaultNegotiateTimeout
func New(security []interfaces.SecureTransport, muxers []interfaces.StreamMuxer, timeout time.Duration) (*Upgrader, error) {
	if len(security) == 0 {
		return nil, ErrNoSecurityTransport
	}
	if len(muxers) == 0 {
		return nil, ErrNoStreamMuxer
	}
	if timeout <= 0 {
		timeout = DefaultNegotiateTimeout
	}
	return &Upgrader{security: security, muxers: muxers, timeout: timeout}, nil
}

// Endpoint 升级后连接的地址信息
type Endpoint struct {
	Local     ma.Multiaddr
	Remote    ma.Multiaddr
	Transport string
}

// Upgrade 升级连接；失败时关闭 conn
func (u *Upgrader) Upgrade(ctx context.Context, conn net.Conn, dir types.Direction, remotePeer types.PeerID, ep Endpoint) (interfaces.CapableConn, error) {
	if dir == types.DirOutbound && remotePeer.IsEmpty() {
		conn.Close()
		return nil, ErrNoPeerID
	}
	isServer := dir == types.DirInbound

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	sec, err := u.negotiateSecurity(ctx, conn, isServer)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("security negotiation: %w", err)
	}

	var sc interfaces.SecureConn
	if isServer {
		sc, err = sec.SecureInbound(ctx, conn, remotePeer)
	} else {
		sc, err = sec.SecureOutbound(ctx, conn, remotePeer)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("security handshake: %w", err)
	}

	mux, err := u.negotiateMuxer(ctx, sc, isServer)
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("muxer negotiation: %w", err)
	}

	mc, err := mux.NewConn(sc, isServer)
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("muxer setup: %w", err)
	}

	log.Debug("连接升级成功",
		"peer", sc.RemotePeer().ShortString(),
		"transport", ep.Transport,
		"dir", dir)

	return &capableConn{
		MuxedConn: mc,
		sc:        sc,
		ep:        ep,
	}, nil
}

func (u *Upgrader) negotiateSecurity(ctx context.Context, conn net.Conn, isServer bool) (interfaces.SecureTransport, error) {
	ids := make([]string, len(u.security))
	for i, s := range u.security {
		ids[i] = s.ID()
	}
	selected, err := negotiate(ctx, conn, ids, isServer)
	if err != nil {
		return nil, err
	}
	for _, s := range u.security {
		if s.ID() == selected {
			return s, nil
		}
	}
	return nil, fmt.Errorf("negotiated unknown security %s", selected)
}

func (u *Upgrader) negotiateMuxer(ctx context.Context, conn net.Conn, isServer bool) (interfaces.StreamMuxer, error) {
	ids := make([]string, len(u.muxers))
	for i, m := range u.muxers {
		ids[i] = m.ID()
	}
	selected, err := negotiate(ctx, conn, ids, isServer)
	if err != nil {
		return nil, err
	}
	for _, m := range u.muxers {
		if m.ID() == selected {
			return m, nil
		}
	}
	return nil, fmt.Errorf("negotiated unknown muxer %s", selected)
}

// negotiate 在 conn 上执行一次 multistream-select
func negotiate(ctx context.Context, conn net.Conn, protos []string, isServer bool) (string, error) {
	deadline := time.Now().Add(DefaultNegotiateTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if !isServer {
		return mss.SelectOneOf(protos, conn)
	}

	m := mss.NewMultistreamMuxer[string]()
	for _, p := range protos {
		m.AddHandler(p, nil)
	}
	selected, _, err := m.Negotiate(conn)
	return selected, err
}

// NewDefault 使用 Noise + yamux 创建升级器
func NewDefault(id *identity.Identity, timeout time.Duration) *Upgrader {
	u, _ := New(
		[]interfaces.SecureTransport{noise.New(id)},
		[]interfaces.StreamMuxer{muxer.New(nil)},
		timeout,
	)
	return u
}
