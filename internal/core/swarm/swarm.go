// Package swarm 管理连接、监听器与拨号
//
// Swarm 持有所有传输，按地址选择传输拨号，对同一节点的并发拨号去重，
// 并在连接无流超过空闲时间后关闭连接（受保护的节点除外）。
// 连接与监听变化通过 SwarmEvent 交给上层。
package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("swarm")

// Resolver DNS 地址解析
type Resolver interface {
	Resolve(ctx context.Context, addr ma.Multiaddr) ([]ma.Multiaddr, error)
}

// Notifiee 连接变化回调
type Notifiee struct {
	Connected    func(c *Conn)
	Disconnected func(c *Conn)
}

// Options Swarm 选项
type Options struct {
	DialTimeout time.Duration
	IdleTimeout time.Duration
	Resolver    Resolver
}

// Swarm 连接管理
type Swarm struct {
	local types.PeerID
	ps    interfaces.Peerstore

	dialTimeout time.Duration
	idleTimeout time.Duration
	resolver    Resolver

	mu         sync.RWMutex
	transports []interfaces.Transport
	listeners  []interfaces.Listener
	conns      map[types.PeerID][]*Conn
	protected  map[types.PeerID]map[string]struct{}
	notifiees  []Notifiee

	dialMu sync.Mutex
	dials  map[types.PeerID]*dialCall

	handler atomic.Pointer[func(*Stream)]
	emitter atomic.Pointer[func(types.Event)]

	nextConnID atomic.Uint64
	closed     atomic.Bool
	wg         sync.WaitGroup
}

// New 创建 Swarm
func New(local types.PeerID, ps interfaces.Peerstore, transports []interfaces.Transport, opts Options) *Swarm {
	return &Swarm{
		local:       local,
		ps:          ps,
		dialTimeout: opts.DialTimeout,
		idleTimeout: opts.IdleTimeout,
		resolver:    opts.Resolver,
		transports:  append([]interfaces.Transport(nil), transports...),
		conns:       make(map[types.PeerID][]*Conn),
		protected:   make(map[types.PeerID]map[string]struct{}),
		dials:       make(map[types.PeerID]*dialCall),
	}
}

// LocalPeer 本地节点 ID
func (s *Swarm) LocalPeer() types.PeerID { return s.local }

// Peerstore 地址簿
func (s *Swarm) Peerstore() interfaces.Peerstore { return s.ps }

// AddTransport 追加传输（中继电路传输在启动后加入）
func (s *Swarm) AddTransport(t interfaces.Transport) {
	s.mu.Lock()
	s.transports = append(s.transports, t)
	s.mu.Unlock()
}

// Transports 当前的全部传输
func (s *Swarm) Transports() []interfaces.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]interfaces.Transport(nil), s.transports...)
}

// SetStreamHandler 设置入站流处理函数
func (s *Swarm) SetStreamHandler(h func(*Stream)) {
	s.handler.Store(&h)
}

// SetEmitter 设置事件出口
func (s *Swarm) SetEmitter(emit func(types.Event)) {
	s.emitter.Store(&emit)
}

// Notify 注册连接回调
func (s *Swarm) Notify(n Notifiee) {
	s.mu.Lock()
	s.notifiees = append(s.notifiees, n)
	s.mu.Unlock()
}

func (s *Swarm) emit(ev types.Event) {
	if fn := s.emitter.Load(); fn != nil {
		(*fn)(ev)
	}
}

func (s *Swarm) handleStream(st *Stream) {
	if fn := s.handler.Load(); fn != nil {
		(*fn)(st)
		return
	}
	st.Reset()
}

// ============================================================================
//                              传输选择
// ============================================================================

// transportFor 按地址最后一个协议（去掉 /p2p 后）选择传输
func (s *Swarm) transportFor(addr ma.Multiaddr) interfaces.Transport {
	bare, _ := types.SplitP2PAddr(addr)
	if bare == nil {
		return nil
	}
	protos := bare.Protocols()
	if len(protos) == 0 {
		return nil
	}
	last := protos[len(protos)-1].Code

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transports {
		for _, code := range t.Protocols() {
			if code == last {
				return t
			}
		}
	}
	return nil
}

// ============================================================================
//                              监听
// ============================================================================

// Listen 在地址上监听；全部失败时返回错误
func (s *Swarm) Listen(addrs ...ma.Multiaddr) error {
	if s.closed.Load() {
		return ErrSwarmClosed
	}
	var errs error
	ok := 0
	for _, addr := range addrs {
		t := s.transportFor(addr)
		if t == nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, ErrNoTransport))
			continue
		}
		l, err := t.Listen(addr)
		if err != nil {
			log.Warn("监听失败", "addr", addr, "err", err)
			errs = multierr.Append(errs, err)
			continue
		}
		ok++
		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()

		if laddr := l.Multiaddr(); laddr != nil {
			s.emit(&types.SwarmEvent{BaseEvent: types.NewBaseEvent(), Kind: types.NewListenAddr, Addr: laddr})
		}

		s.wg.Add(1)
		go s.acceptLoop(l)
	}
	if ok == 0 && len(addrs) > 0 {
		return errs
	}
	return nil
}

func (s *Swarm) acceptLoop(l interfaces.Listener) {
	defer s.wg.Done()
	for {
		cc, err := l.Accept()
		if err != nil {
			if !s.closed.Load() && !errors.Is(err, net.ErrClosed) {
				log.Debug("监听器退出", "addr", l.Multiaddr(), "err", err)
			}
			s.removeListener(l)
			return
		}
		if _, err := s.addConn(cc, types.DirInbound); err != nil {
			cc.Close()
		}
	}
}

func (s *Swarm) removeListener(l interfaces.Listener) {
	s.mu.Lock()
	for i, x := range s.listeners {
		if x == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if !s.closed.Load() && l.Multiaddr() != nil {
		s.emit(&types.SwarmEvent{BaseEvent: types.NewBaseEvent(), Kind: types.ExpiredListenAddr, Addr: l.Multiaddr()})
	}
}

// multiaddrsListener 一个监听器对应多个地址（中继电路）
type multiaddrsListener interface {
	Multiaddrs() []ma.Multiaddr
}

// ListenAddrs 监听器报告的地址（可能包含通配地址）
func (s *Swarm) ListenAddrs() []ma.Multiaddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ma.Multiaddr
	for _, l := range s.listeners {
		if ml, ok := l.(multiaddrsListener); ok {
			out = append(out, ml.Multiaddrs()...)
			continue
		}
		if a := l.Multiaddr(); a != nil {
			out = append(out, a)
		}
	}
	return out
}

// ============================================================================
//                              连接表
// ============================================================================

func (s *Swarm) addConn(cc interfaces.CapableConn, dir types.Direction) (*Conn, error) {
	if s.closed.Load() {
		return nil, ErrSwarmClosed
	}
	c := newConn(s, cc, dir)
	p := c.RemotePeer()

	if pub := cc.RemotePublicKey(); pub != nil {
		_ = s.ps.AddPubKey(p, pub)
	}
	if dir == types.DirOutbound && !c.stat.Relayed {
		s.ps.AddAddrs(p, []ma.Multiaddr{cc.RemoteMultiaddr()}, interfaces.ConnectedAddrTTL)
	}

	s.mu.Lock()
	s.conns[p] = append(s.conns[p], c)
	notifiees := append([]Notifiee(nil), s.notifiees...)
	s.mu.Unlock()

	c.mu.Lock()
	c.armIdleLocked(s.idleTimeout)
	c.mu.Unlock()

	log.Debug("连接建立",
		"peer", p.ShortString(),
		"addr", cc.RemoteMultiaddr(),
		"dir", dir,
		"transport", cc.Transport())

	s.emit(&types.SwarmEvent{
		BaseEvent: types.NewBaseEvent(),
		Kind:      types.ConnectionEstablished,
		Peer:      p,
		Addr:      cc.RemoteMultiaddr(),
		Direction: dir,
		Relayed:   c.stat.Relayed,
	})
	for _, n := range notifiees {
		if n.Connected != nil {
			n.Connected(c)
		}
	}

	go c.acceptStreams()
	return c, nil
}

func (s *Swarm) removeConn(c *Conn) {
	p := c.RemotePeer()
	s.mu.Lock()
	cs := s.conns[p]
	for i, x := range cs {
		if x == c {
			cs = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	if len(cs) == 0 {
		delete(s.conns, p)
	} else {
		s.conns[p] = cs
	}
	last := len(cs) == 0
	notifiees := append([]Notifiee(nil), s.notifiees...)
	s.mu.Unlock()

	if last {
		s.ps.UpdateAddrs(p, interfaces.ConnectedAddrTTL, interfaces.RecentlyConnectedAddrTTL)
	}

	s.emit(&types.SwarmEvent{
		BaseEvent: types.NewBaseEvent(),
		Kind:      types.ConnectionClosed,
		Peer:      p,
		Addr:      c.RemoteMultiaddr(),
		Direction: c.stat.Direction,
		Relayed:   c.stat.Relayed,
	})
	for _, n := range notifiees {
		if n.Disconnected != nil {
			n.Disconnected(c)
		}
	}
}

// ConnsToPeer 与节点的未关闭连接
func (s *Swarm) ConnsToPeer(p types.PeerID) []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conn
	for _, c := range s.conns[p] {
		if !c.IsClosed() {
			out = append(out, c)
		}
	}
	return out
}

// Peers 当前已连接的节点
func (s *Swarm) Peers() []types.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.PeerID, 0, len(s.conns))
	for p := range s.conns {
		out = append(out, p)
	}
	return out
}

// Conns 全部连接
func (s *Swarm) Conns() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conn
	for _, cs := range s.conns {
		out = append(out, cs...)
	}
	return out
}

// ClosePeer 关闭与节点的全部连接
func (s *Swarm) ClosePeer(p types.PeerID) error {
	var errs error
	for _, c := range s.ConnsToPeer(p) {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}

// bestConn 直连优先
func (s *Swarm) bestConn(p types.PeerID) *Conn {
	var relayed *Conn
	for _, c := range s.ConnsToPeer(p) {
		if !c.stat.Relayed {
			return c
		}
		if relayed == nil {
			relayed = c
		}
	}
	return relayed
}

// ============================================================================
//                              连接保护
// ============================================================================

// Protect 保护与节点的连接不被空闲关闭
func (s *Swarm) Protect(p types.PeerID, tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := s.protected[p]
	if tags == nil {
		tags = make(map[string]struct{})
		s.protected[p] = tags
	}
	tags[tag] = struct{}{}
}

// Unprotect 取消保护；返回是否仍被其他标签保护
func (s *Swarm) Unprotect(p types.PeerID, tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := s.protected[p]
	delete(tags, tag)
	if len(tags) == 0 {
		delete(s.protected, p)
		return false
	}
	return true
}

// IsProtected 节点是否受保护
func (s *Swarm) IsProtected(p types.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.protected[p]) > 0
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 关闭监听器、连接与传输
func (s *Swarm) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	transports := s.transports
	s.mu.Unlock()

	var errs error
	for _, l := range listeners {
		errs = multierr.Append(errs, l.Close())
	}
	for _, c := range s.Conns() {
		c.Close()
	}
	for _, t := range transports {
		errs = multierr.Append(errs, t.Close())
	}
	s.wg.Wait()
	return errs
}
