// Package host 实现节点门面
//
// Host 聚合 Swarm 与 Peerstore：
//   - 入站流经 multistream-select 分发到已注册的协议处理函数
//   - 出站流依次尝试协议列表
//   - 各子系统的事件统一进入一个有界事件通道，由上层的 Bridge 循环消费
//   - 维护外部地址、观测地址与候选地址
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	mss "github.com/multiformats/go-multistream"

	"github.com/void-p2p/go-void/internal/core/swarm"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("host")

var (
	// ErrHostClosed Host 已关闭
	ErrHostClosed = errors.New("host closed")

	// ErrNoAddrs 没有可用地址且路由查询失败
	ErrNoAddrs = errors.New("no addresses for peer")
)

// 默认值
const (
	DefaultNegotiationTimeout = 60 * time.Second
	DefaultEventBuffer        = 256

	// emitWait 事件通道满时的最长等待
	emitWait = time.Second
)

// PeerRouting 按节点 ID 查找地址（DHT）
type PeerRouting interface {
	FindPeer(ctx context.Context, p types.PeerID) (types.AddrInfo, error)
}

// Config Host 配置
type Config struct {
	// NegotiationTimeout 入站流协议协商超时
	NegotiationTimeout time.Duration

	// EventBuffer 事件通道容量
	EventBuffer int
}

// Host 节点门面
type Host struct {
	sw  *swarm.Swarm
	cfg Config

	mux      *mss.MultistreamMuxer[string]
	handlers sync.Map // proto -> interfaces.StreamHandler

	addrs *addrBook

	routing atomic.Pointer[PeerRouting]

	events  chan types.Event
	dropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

var _ interfaces.Host = (*Host)(nil)

// New 基于 Swarm 创建 Host
func New(sw *swarm.Swarm, cfg Config) *Host {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	h := &Host{
		sw:     sw,
		cfg:    cfg,
		mux:    mss.NewMultistreamMuxer[string](),
		addrs:  newAddrBook(),
		events: make(chan types.Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
	sw.SetStreamHandler(h.handleInbound)
	sw.SetEmitter(h.Emit)
	return h
}

// ID 本地节点 ID
func (h *Host) ID() types.PeerID { return h.sw.LocalPeer() }

// Peerstore 地址簿
func (h *Host) Peerstore() interfaces.Peerstore { return h.sw.Peerstore() }

// Swarm 底层连接管理
func (h *Host) Swarm() *swarm.Swarm { return h.sw }

// Listen 在地址上监听
func (h *Host) Listen(addrs ...ma.Multiaddr) error {
	if h.isClosed() {
		return ErrHostClosed
	}
	if err := h.sw.Listen(addrs...); err != nil {
		return err
	}
	log.Info("监听成功", "addrs", h.ListenAddrs())
	return nil
}

// AddTransport 追加传输（中继电路）
func (h *Host) AddTransport(t interfaces.Transport) {
	h.sw.AddTransport(t)
}

// SetRouting 设置按 ID 查找地址的路由（DHT 启动后注入）
func (h *Host) SetRouting(r PeerRouting) {
	if r == nil {
		h.routing.Store(nil)
		return
	}
	h.routing.Store(&r)
}

// ============================================================================
//                              地址
// ============================================================================

// ListenAddrs 展开通配地址后的监听地址（含中继电路地址）
func (h *Host) ListenAddrs() []ma.Multiaddr {
	return dedupAddrs(expandListenAddrs(h.sw.ListenAddrs()))
}

// Addrs 可公告的地址：外部地址在前，监听地址在后
func (h *Host) Addrs() []ma.Multiaddr {
	out := h.addrs.externalAddrs()
	out = append(out, h.ListenAddrs()...)
	return dedupAddrs(out)
}

// ExternalAddrs AutoNAT 确认的公网地址
func (h *Host) ExternalAddrs() []ma.Multiaddr {
	return h.addrs.externalAddrs()
}

// AddExternalAddr 标记地址为已确认的公网地址
func (h *Host) AddExternalAddr(a ma.Multiaddr) {
	if h.addrs.addExternal(a) {
		log.Info("确认外部地址", "addr", a)
	}
}

// RemoveExternalAddr 取消外部地址
func (h *Host) RemoveExternalAddr(a ma.Multiaddr) {
	h.addrs.removeExternal(a)
}

// RecordObservedAddr 记录对端观测到的本地地址（identify）
func (h *Host) RecordObservedAddr(observer types.PeerID, a ma.Multiaddr) {
	h.addrs.recordObserved(observer, a)
}

// AddCandidateAddr 记录未经确认的外部地址（端口映射、STUN）
func (h *Host) AddCandidateAddr(a ma.Multiaddr) {
	h.addrs.addCandidate(a)
}

// RemoveCandidateAddr 删除候选地址
func (h *Host) RemoveCandidateAddr(a ma.Multiaddr) {
	h.addrs.removeCandidate(a)
}

// PublicCandidateAddrs 可能从公网直连到本节点的地址
//
// 用于 AutoNAT 回拨请求与打洞地址交换：外部地址、已激活的观测地址、
// 候选地址以及本身就是公网 IP 的监听地址；不含中继地址。
func (h *Host) PublicCandidateAddrs() []ma.Multiaddr {
	out := h.addrs.externalAddrs()
	out = append(out, h.addrs.observedAddrs()...)
	out = append(out, h.addrs.candidateAddrs()...)
	for _, a := range h.ListenAddrs() {
		if !types.IsRelayAddr(a) && manet.IsPublicAddr(a) {
			out = append(out, a)
		}
	}
	return dedupAddrs(out)
}

// ============================================================================
//                              连接
// ============================================================================

// Connect 确保与节点建立连接
//
// pi 中的地址以临时 TTL 写入地址簿；地址簿为空时尝试路由查询。
func (h *Host) Connect(ctx context.Context, pi types.AddrInfo) error {
	if h.isClosed() {
		return ErrHostClosed
	}
	if len(pi.Addrs) > 0 {
		h.Peerstore().AddAddrs(pi.ID, pi.Addrs, interfaces.TempAddrTTL)
	}
	if len(h.sw.ConnsToPeer(pi.ID)) > 0 {
		return nil
	}
	if err := h.ensureAddrs(ctx, pi.ID); err != nil {
		return err
	}
	_, err := h.sw.DialPeer(ctx, pi.ID)
	return err
}

// ensureAddrs 地址簿为空时通过路由查询补充地址
func (h *Host) ensureAddrs(ctx context.Context, p types.PeerID) error {
	if len(h.Peerstore().Addrs(p)) > 0 {
		return nil
	}
	r := h.routing.Load()
	if r == nil {
		return nil
	}
	info, err := (*r).FindPeer(ctx, p)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoAddrs, p.ShortString(), err)
	}
	h.Peerstore().AddAddrs(p, info.Addrs, interfaces.TempAddrTTL)
	return nil
}

// DialAddr 在指定地址上建立新连接
func (h *Host) DialAddr(ctx context.Context, p types.PeerID, addr ma.Multiaddr) (interfaces.Conn, error) {
	if h.isClosed() {
		return nil, ErrHostClosed
	}
	c, err := h.sw.DialAddr(ctx, p, addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConnsToPeer 与节点的现有连接
func (h *Host) ConnsToPeer(p types.PeerID) []interfaces.Conn {
	cs := h.sw.ConnsToPeer(p)
	out := make([]interfaces.Conn, len(cs))
	for i, c := range cs {
		out[i] = c
	}
	return out
}

// Peers 已连接的节点
func (h *Host) Peers() []types.PeerID { return h.sw.Peers() }

// Notify 注册连接变化回调
func (h *Host) Notify(n interfaces.Notifiee) {
	h.sw.Notify(swarm.Notifiee{
		Connected: func(c *swarm.Conn) {
			if n.Connected != nil {
				n.Connected(c)
			}
		},
		Disconnected: func(c *swarm.Conn) {
			if n.Disconnected != nil {
				n.Disconnected(c)
			}
		},
	})
}

// Protect 保护与节点的连接
func (h *Host) Protect(p types.PeerID, tag string) { h.sw.Protect(p, tag) }

// Unprotect 取消保护
func (h *Host) Unprotect(p types.PeerID, tag string) bool { return h.sw.Unprotect(p, tag) }

// ============================================================================
//                              流
// ============================================================================

// SetStreamHandler 注册入站流处理函数
func (h *Host) SetStreamHandler(proto string, handler interfaces.StreamHandler) {
	h.handlers.Store(proto, handler)
	h.mux.AddHandler(proto, nil)
}

// RemoveStreamHandler 移除入站流处理函数
func (h *Host) RemoveStreamHandler(proto string) {
	h.mux.RemoveHandler(proto)
	h.handlers.Delete(proto)
}

// Protocols 已注册的协议
func (h *Host) Protocols() []string {
	return h.mux.Protocols()
}

// NewStream 打开到节点的流并协商协议
func (h *Host) NewStream(ctx context.Context, p types.PeerID, protos ...string) (interfaces.Stream, error) {
	if h.isClosed() {
		return nil, ErrHostClosed
	}
	if len(protos) == 0 {
		return nil, errors.New("no protocol given")
	}

	c := h.bestConn(p)
	if c == nil {
		if err := h.ensureAddrs(ctx, p); err != nil {
			return nil, err
		}
		var err error
		if c, err = h.sw.DialPeer(ctx, p); err != nil {
			return nil, err
		}
	}

	s, err := c.NewStream(ctx)
	if err != nil {
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
	} else {
		s.SetDeadline(time.Now().Add(h.cfg.NegotiationTimeout))
	}
	selected, err := mss.SelectOneOf(protos, s)
	if err != nil {
		s.Reset()
		return nil, fmt.Errorf("协议协商失败 %v: %w", protos, err)
	}
	s.SetDeadline(time.Time{})
	s.SetProtocol(selected)
	return s, nil
}

// bestConn 已有连接中直连优先
func (h *Host) bestConn(p types.PeerID) *swarm.Conn {
	var relayed *swarm.Conn
	for _, c := range h.sw.ConnsToPeer(p) {
		if !c.Stat().Relayed {
			return c
		}
		if relayed == nil {
			relayed = c
		}
	}
	return relayed
}

// handleInbound 入站流协议协商与分发
func (h *Host) handleInbound(s *swarm.Stream) {
	s.SetDeadline(time.Now().Add(h.cfg.NegotiationTimeout))
	proto, _, err := h.mux.Negotiate(s)
	if err != nil {
		log.Debug("入站协议协商失败", "peer", s.Conn().RemotePeer().ShortString(), "err", err)
		s.Reset()
		return
	}
	s.SetDeadline(time.Time{})

	v, ok := h.handlers.Load(proto)
	if !ok {
		s.Reset()
		return
	}
	s.SetProtocol(proto)
	v.(interfaces.StreamHandler)(s)
}

// ============================================================================
//                              事件
// ============================================================================

// Events 事件通道；Host 关闭后不再投递，消费者同时监听 Done
func (h *Host) Events() <-chan types.Event { return h.events }

// Emit 投递事件
//
// 通道满时最多等待 emitWait，仍然满则丢弃事件。
func (h *Host) Emit(ev types.Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.events <- ev:
		return
	default:
	}

	t := time.NewTimer(emitWait)
	defer t.Stop()
	select {
	case h.events <- ev:
	case <-h.done:
	case <-t.C:
		n := h.dropped.Add(1)
		log.Warn("事件通道已满，丢弃事件", "type", ev.Type(), "dropped", n)
	}
}

// Deliver 投递不可丢弃的事件
//
// 与 Emit 不同，通道满时一直等待，直到送达、ctx 结束或 Host 关闭。
func (h *Host) Deliver(ctx context.Context, ev types.Event) error {
	select {
	case <-h.done:
		return ErrHostClosed
	default:
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrHostClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DroppedEvents 因通道满而丢弃的事件数
func (h *Host) DroppedEvents() uint64 { return h.dropped.Load() }

// ============================================================================
//                              关闭
// ============================================================================

func (h *Host) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done Host 关闭时关闭的通道
func (h *Host) Done() <-chan struct{} { return h.done }

// Close 关闭 Swarm；事件通道不关闭，消费者通过 Done 退出
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.sw.Close()
	})
	return err
}
