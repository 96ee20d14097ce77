// Package quic 实现 QUIC v1 传输
//
// 监听与拨号共享同一个 UDP socket（quic.Transport），打洞时出站连接
// 与对端观察到的监听端口一致。握手使用 TLS 1.3 自签名证书，
// 节点身份通过证书扩展中的签名绑定，ALPN 为 "libp2p"。
package quic

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/quic-go/quic-go"

	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("transport/quic")

// Name 传输名称
const Name = "quic"

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = errors.New("transport closed")

	// ErrAlreadyListening 共享 socket 已在监听
	ErrAlreadyListening = errors.New("quic transport already listening")
)

var quicSuffix = ma.StringCast("/quic-v1")

// Options QUIC 选项
type Options struct {
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
	MaxStreams      int
	DialTimeout     time.Duration
}

// Transport QUIC 传输
type Transport struct {
	mu sync.Mutex

	id   *identity.Identity
	cert tls.Certificate
	conf *quic.Config
	opts Options

	// 共享的 UDP socket
	udpConn *net.UDPConn
	qt      *quic.Transport

	listener *listener
	closed   bool
}

var _ interfaces.Transport = (*Transport)(nil)

// New 创建 QUIC 传输
func New(id *identity.Identity, opts Options) (*Transport, error) {
	cert, err := newCertificate(id)
	if err != nil {
		return nil, err
	}
	conf := &quic.Config{
		MaxIdleTimeout:  opts.MaxIdleTimeout,
		KeepAlivePeriod: opts.KeepAlivePeriod,
	}
	if opts.MaxStreams > 0 {
		conf.MaxIncomingStreams = int64(opts.MaxStreams)
	}
	// 不使用单向流
	conf.MaxIncomingUniStreams = -1
	return &Transport{id: id, cert: cert, conf: conf, opts: opts}, nil
}

// Name 实现 interfaces.Transport
func (t *Transport) Name() string { return Name }

// Protocols 实现 interfaces.Transport
func (t *Transport) Protocols() []int { return []int{ma.P_QUIC_V1} }

// CanDial 接受 /ip4|ip6/<ip>/udp/<port>/quic-v1
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	addr, _ = types.SplitP2PAddr(addr)
	if addr == nil {
		return false
	}
	protos := addr.Protocols()
	if len(protos) != 3 {
		return false
	}
	switch protos[0].Code {
	case ma.P_IP4, ma.P_IP6:
	default:
		return false
	}
	return protos[1].Code == ma.P_UDP && protos[2].Code == ma.P_QUIC_V1
}

// Dial 通过共享 socket 拨号
//
// 尚未监听时创建随机端口的 socket。
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr, p types.PeerID) (interfaces.CapableConn, error) {
	raddr, _ = types.SplitP2PAddr(raddr)
	if !t.CanDial(raddr) {
		return nil, fmt.Errorf("invalid quic address: %s", raddr)
	}
	if p.IsEmpty() {
		return nil, fmt.Errorf("dial %s: peer ID required", raddr)
	}
	udpAddr, err := toUDPAddr(raddr)
	if err != nil {
		return nil, err
	}

	qt, err := t.transport(nil)
	if err != nil {
		return nil, err
	}

	if t.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.DialTimeout)
		defer cancel()
	}

	qc, err := qt.Dial(ctx, udpAddr, tlsConfig(t.cert, p), t.conf)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c, err := newConn(qc, t.id.ID())
	if err != nil {
		qc.CloseWithError(0, "")
		return nil, err
	}
	return c, nil
}

// Listen 在共享 socket 上监听
func (t *Transport) Listen(laddr ma.Multiaddr) (interfaces.Listener, error) {
	if !t.CanDial(laddr) {
		return nil, fmt.Errorf("invalid quic address: %s", laddr)
	}
	udpAddr, err := toUDPAddr(laddr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.listener != nil {
		return nil, ErrAlreadyListening
	}
	if t.qt != nil && udpAddr.Port != 0 && t.udpConn.LocalAddr().(*net.UDPAddr).Port != udpAddr.Port {
		// 拨号时创建的随机端口 socket 无法复用到指定端口
		return nil, fmt.Errorf("quic socket already bound to %s", t.udpConn.LocalAddr())
	}

	qt, err := t.transportLocked(udpAddr)
	if err != nil {
		return nil, err
	}
	ql, err := qt.Listen(tlsConfig(t.cert, ""), t.conf)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	local, err := fromUDPAddr(t.udpConn.LocalAddr())
	if err != nil {
		ql.Close()
		return nil, err
	}

	l := newListener(ql, local, t)
	t.listener = l
	log.Info("QUIC 监听已启动", "addr", local)
	return l, nil
}

// Punch 向对端地址发送随机 UDP 包，在本地 NAT 上打开映射
func (t *Transport) Punch(raddr ma.Multiaddr) error {
	raddr, _ = types.SplitP2PAddr(raddr)
	udpAddr, err := toUDPAddr(raddr)
	if err != nil {
		return err
	}
	qt, err := t.transport(nil)
	if err != nil {
		return err
	}
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	_, err = qt.WriteTo(buf, udpAddr)
	return err
}

// Close 关闭共享 socket 及其上的所有连接
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.listener != nil {
		t.listener.ql.Close()
		t.listener = nil
	}
	if t.qt != nil {
		t.qt.Close()
		t.qt = nil
	}
	if t.udpConn != nil {
		t.udpConn.Close()
		t.udpConn = nil
	}
	return nil
}

func (t *Transport) transport(bind *net.UDPAddr) (*quic.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	return t.transportLocked(bind)
}

func (t *Transport) transportLocked(bind *net.UDPAddr) (*quic.Transport, error) {
	if t.qt != nil {
		return t.qt, nil
	}
	if bind == nil {
		bind = &net.UDPAddr{}
	}
	conn, err := net.ListenUDP("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	t.udpConn = conn
	t.qt = &quic.Transport{Conn: conn}
	return t.qt, nil
}

func (t *Transport) removeListener(l *listener) {
	t.mu.Lock()
	if t.listener == l {
		t.listener = nil
	}
	t.mu.Unlock()
}

// toUDPAddr /ip4/x/udp/p/quic-v1 → *net.UDPAddr
func toUDPAddr(addr ma.Multiaddr) (*net.UDPAddr, error) {
	na, err := manet.ToNetAddr(addr.Decapsulate(quicSuffix))
	if err != nil {
		return nil, err
	}
	udp, ok := na.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("not a udp address: %s", addr)
	}
	return udp, nil
}

// fromUDPAddr *net.UDPAddr → /ip4/x/udp/p/quic-v1
func fromUDPAddr(addr net.Addr) (ma.Multiaddr, error) {
	m, err := manet.FromNetAddr(addr)
	if err != nil {
		return nil, err
	}
	return m.Encapsulate(quicSuffix), nil
}
