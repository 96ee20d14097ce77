// Package tcp 实现 TCP 传输
//
// 原始 TCP 连接经升级器完成 Noise 握手与 yamux 多路复用后交给 Swarm。
// 仅支持 /ip4|ip6/<ip>/tcp/<port>；/ws 地址由 websocket 传输处理。
package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/void-p2p/go-void/internal/core/upgrader"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("transport/tcp")

// Name 传输名称
const Name = "tcp"

// ErrTransportClosed 传输已关闭
var ErrTransportClosed = fmt.Errorf("传输层已关闭")

// Options TCP 选项
type Options struct {
	KeepAlivePeriod time.Duration
	NoDelay         bool
	DialTimeout     time.Duration
}

// Transport TCP 传输
type Transport struct {
	up   *upgrader.Upgrader
	opts Options

	mu        sync.Mutex
	listeners []interfaces.Listener

	closed atomic.Bool
}

var _ interfaces.Transport = (*Transport)(nil)

// New 创建 TCP 传输
func New(up *upgrader.Upgrader, opts Options) *Transport {
	return &Transport{up: up, opts: opts}
}

// Name 实现 interfaces.Transport
func (t *Transport) Name() string { return Name }

// Protocols 实现 interfaces.Transport
func (t *Transport) Protocols() []int { return []int{ma.P_TCP} }

// CanDial 仅接受 ip + tcp 两段（可带 /p2p 后缀）
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	addr, _ = types.SplitP2PAddr(addr)
	if addr == nil {
		return false
	}
	protos := addr.Protocols()
	if len(protos) != 2 {
		return false
	}
	switch protos[0].Code {
	case ma.P_IP4, ma.P_IP6:
	default:
		return false
	}
	return protos[1].Code == ma.P_TCP
}

// Dial 拨号并升级
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr, p types.PeerID) (interfaces.CapableConn, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	raddr, _ = types.SplitP2PAddr(raddr)
	if !t.CanDial(raddr) {
		return nil, fmt.Errorf("无效的 TCP 地址: %s", raddr)
	}

	if t.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.DialTimeout)
		defer cancel()
	}

	d := manet.Dialer{Dialer: net.Dialer{KeepAlive: t.opts.KeepAlivePeriod}}
	c, err := d.DialContext(ctx, raddr)
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}
	t.tune(c)

	return t.up.Upgrade(ctx, c, types.DirOutbound, p, upgrader.Endpoint{
		Local:     c.LocalMultiaddr(),
		Remote:    c.RemoteMultiaddr(),
		Transport: Name,
	})
}

// Listen 监听地址
func (t *Transport) Listen(laddr ma.Multiaddr) (interfaces.Listener, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if !t.CanDial(laddr) {
		return nil, fmt.Errorf("无效的 TCP 地址: %s", laddr)
	}

	network, host, err := manet.DialArgs(laddr)
	if err != nil {
		return nil, err
	}
	lc := net.ListenConfig{KeepAlive: t.opts.KeepAlivePeriod}
	nl, err := lc.Listen(context.Background(), network, host)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}
	ml, err := manet.WrapNetListener(nl)
	if err != nil {
		nl.Close()
		return nil, err
	}

	l := t.up.UpgradeListener(&tunedListener{Listener: ml, t: t}, Name)
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()

	log.Info("TCP 监听已启动", "addr", ml.Multiaddr())
	return l, nil
}

// Close 关闭所有监听器
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	ls := t.listeners
	t.listeners = nil
	t.mu.Unlock()
	for _, l := range ls {
		l.Close()
	}
	return nil
}

func (t *Transport) tune(c manet.Conn) {
	tc, ok := c.(interface{ SetNoDelay(bool) error })
	if !ok {
		return
	}
	_ = tc.SetNoDelay(t.opts.NoDelay)
}

// tunedListener 对入站连接应用同样的套接字选项
type tunedListener struct {
	manet.Listener
	t *Transport
}

func (l *tunedListener) Accept() (manet.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.t.tune(c)
	return c, nil
}
