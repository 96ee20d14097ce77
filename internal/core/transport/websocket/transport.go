// Package websocket 实现 /ws 传输
//
// WebSocket 二进制消息承载与 TCP 相同的 Noise + yamux 升级流程，
// 用于只放行 HTTP 端口的网络。
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/void-p2p/go-void/internal/core/upgrader"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("transport/ws")

// Name 传输名称
const Name = "ws"

// ErrTransportClosed 传输已关闭
var ErrTransportClosed = errors.New("transport closed")

var wsSuffix = ma.StringCast("/ws")

// Options WebSocket 选项
type Options struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
}

// Transport WebSocket 传输
type Transport struct {
	up   *upgrader.Upgrader
	opts Options

	mu        sync.Mutex
	listeners []*rawListener
	closed    bool
}

var _ interfaces.Transport = (*Transport)(nil)

// New 创建 WebSocket 传输
func New(up *upgrader.Upgrader, opts Options) *Transport {
	return &Transport{up: up, opts: opts}
}

// Name 实现 interfaces.Transport
func (t *Transport) Name() string { return Name }

// Protocols 实现 interfaces.Transport
func (t *Transport) Protocols() []int { return []int{ma.P_WS} }

// CanDial 接受 /ip4|ip6|dns|dns4|dns6/<host>/tcp/<port>/ws
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
	case ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6:
	default:
		return false
	}
	return protos[1].Code == ma.P_TCP && protos[2].Code == ma.P_WS
}

// Dial 建立 WebSocket 连接并升级
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr, p types.PeerID) (interfaces.CapableConn, error) {
	raddr, _ = types.SplitP2PAddr(raddr)
	if !t.CanDial(raddr) {
		return nil, fmt.Errorf("invalid websocket address: %s", raddr)
	}
	host, err := hostPort(raddr.Decapsulate(wsSuffix))
	if err != nil {
		return nil, err
	}

	if t.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.DialTimeout)
		defer cancel()
	}

	d := ws.Dialer{
		ReadBufferSize:   t.opts.ReadBufferSize,
		WriteBufferSize:  t.opts.WriteBufferSize,
		HandshakeTimeout: t.opts.HandshakeTimeout,
	}
	wc, _, err := d.DialContext(ctx, "ws://"+host+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}

	laddr, err := manet.FromNetAddr(wc.LocalAddr())
	if err != nil {
		wc.Close()
		return nil, err
	}
	c := newConn(wc, laddr.Encapsulate(wsSuffix), raddr)
	return t.up.Upgrade(ctx, c, types.DirOutbound, p, upgrader.Endpoint{
		Local:     c.LocalMultiaddr(),
		Remote:    c.RemoteMultiaddr(),
		Transport: Name,
	})
}

// Listen 启动 HTTP 服务并接受 WebSocket 升级
func (t *Transport) Listen(laddr ma.Multiaddr) (interfaces.Listener, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrTransportClosed
	}
	if !t.CanDial(laddr) {
		return nil, fmt.Errorf("invalid websocket address: %s", laddr)
	}

	nl, err := manet.Listen(laddr.Decapsulate(wsSuffix))
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}
	rl := newRawListener(nl, t.opts)

	t.mu.Lock()
	t.listeners = append(t.listeners, rl)
	t.mu.Unlock()

	log.Info("WebSocket 监听已启动", "addr", rl.Multiaddr())
	return t.up.UpgradeListener(rl, Name), nil
}

// Close 关闭所有监听器
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ls := t.listeners
	t.listeners = nil
	t.mu.Unlock()
	for _, l := range ls {
		l.Close()
	}
	return nil
}

// hostPort 取 multiaddr 的 host:port
func hostPort(addr ma.Multiaddr) (string, error) {
	port, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", err
	}
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6} {
		if v, err := addr.ValueForProtocol(code); err == nil {
			return net.JoinHostPort(v, port), nil
		}
	}
	return "", fmt.Errorf("no host in %s", addr)
}

// rawListener HTTP 服务产生的已升级 WebSocket 连接
type rawListener struct {
	nl    manet.Listener
	srv   *http.Server
	local ma.Multiaddr

	upgrade ws.Upgrader
	conns   chan manet.Conn

	closeOnce sync.Once
	done      chan struct{}
}

var _ upgrader.RawListener = (*rawListener)(nil)

func newRawListener(nl manet.Listener, opts Options) *rawListener {
	l := &rawListener{
		nl:    nl,
		local: nl.Multiaddr().Encapsulate(wsSuffix),
		upgrade: ws.Upgrader{
			ReadBufferSize:   opts.ReadBufferSize,
			WriteBufferSize:  opts.WriteBufferSize,
			HandshakeTimeout: opts.HandshakeTimeout,
			// 节点之间没有同源概念
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(chan manet.Conn),
		done:  make(chan struct{}),
	}
	l.srv = &http.Server{Handler: l, ReadHeaderTimeout: opts.HandshakeTimeout}
	go func() {
		if err := l.srv.Serve(manet.NetListener(nl)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Debug("WebSocket 服务退出", "err", err)
		}
		l.Close()
	}()
	return l
}

func (l *rawListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := l.upgrade.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("WebSocket 升级失败", "remote", r.RemoteAddr, "err", err)
		return
	}
	raddr, err := manet.FromNetAddr(wc.RemoteAddr())
	if err != nil {
		wc.Close()
		return
	}
	c := newConn(wc, l.local, raddr.Encapsulate(wsSuffix))
	select {
	case l.conns <- c:
	case <-l.done:
		c.Close()
	}
}

func (l *rawListener) Accept() (manet.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *rawListener) Multiaddr() ma.Multiaddr { return l.local }

func (l *rawListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.srv.Close()
	})
	return nil
}
