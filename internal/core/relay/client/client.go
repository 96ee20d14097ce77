// Package client 实现中继电路 v2 客户端
//
// Client 在中继上预约槽位，预约成功后本节点获得
// <relay-addr>/p2p/<relay>/p2p-circuit 监听地址；到期前自动续约，
// 中继断开或续约失败时地址失效。同时提供电路传输，
// 用于经中继拨号与接收入站电路。
//
//	c := client.New(h, up, client.Config{StaticRelays: relays})
//	c.Start(ctx)
//	defer c.Stop()
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/void-p2p/go-void/internal/core/relay/pb"
	"github.com/void-p2p/go-void/internal/core/upgrader"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("relay/client")

// 协议
const (
	HopProtocol  = protocolids.RelayHop
	StopProtocol = protocolids.RelayStop
)

const (
	protectTag = "relay"

	// maintainInterval 检查预约与候选中继的周期
	maintainInterval = 5 * time.Second

	// reserveTimeout 单次预约超时
	reserveTimeout = 30 * time.Second

	stopTimeout = time.Minute
)

// Host 客户端需要的节点能力
type Host interface {
	interfaces.Host
	AddTransport(t interfaces.Transport)
	Listen(addrs ...ma.Multiaddr) error
}

// Config 客户端配置
type Config struct {
	// StaticRelays 优先预约的中继
	StaticRelays []types.AddrInfo

	// MaxReservations 同时持有的预约数；0 表示只提供电路传输
	MaxReservations int

	// RenewBefore 到期前多久续约
	RenewBefore time.Duration

	// RetryInterval 对同一中继预约失败后的重试间隔
	RetryInterval time.Duration
}

// Reservation 已持有的预约
type Reservation struct {
	Relay  types.PeerID
	Expire time.Time
	// Addrs 通过该中继的电路监听地址
	Addrs []ma.Multiaddr
	Limit *pb.Limit
}

// Client 中继客户端
type Client struct {
	host      Host
	cfg       Config
	transport *Transport

	mu           sync.Mutex
	reservations map[types.PeerID]*Reservation
	backoff      map[types.PeerID]time.Time
	reserving    map[types.PeerID]struct{}

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New 创建客户端
func New(h Host, up *upgrader.Upgrader, cfg Config) *Client {
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = 5 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	c := &Client{
		host:         h,
		cfg:          cfg,
		reservations: make(map[types.PeerID]*Reservation),
		backoff:      make(map[types.PeerID]time.Time),
		reserving:    make(map[types.PeerID]struct{}),
		trigger:      make(chan struct{}, 1),
	}
	c.transport = NewTransport(h, up, c.CircuitAddrs)
	return c
}

// Transport 电路传输
func (c *Client) Transport() *Transport { return c.transport }

// Start 注册电路传输与 STOP 处理函数，监听 /p2p-circuit 并开始维护预约
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.host.AddTransport(c.transport)
	c.host.SetStreamHandler(StopProtocol, c.handleStop)
	if err := c.host.Listen(circuitProto); err != nil {
		return fmt.Errorf("listen circuit: %w", err)
	}
	c.host.Notify(interfaces.Notifiee{
		Connected:    func(interfaces.Conn) { c.Trigger() },
		Disconnected: c.disconnected,
	})

	if c.cfg.MaxReservations > 0 {
		c.wg.Add(1)
		go c.loop()
		c.Trigger()
	}
	return nil
}

// Stop 停止维护预约并关闭电路监听
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.host.RemoveStreamHandler(StopProtocol)
	_ = c.transport.Close()

	c.mu.Lock()
	for p := range c.reservations {
		c.host.Unprotect(p, protectTag)
	}
	c.reservations = make(map[types.PeerID]*Reservation)
	c.mu.Unlock()
}

// Trigger 尽快检查一次预约
func (c *Client) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Reservations 当前预约
func (c *Client) Reservations() []Reservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reservation, 0, len(c.reservations))
	for _, r := range c.reservations {
		out = append(out, *r)
	}
	return out
}

// CircuitAddrs 全部预约提供的电路监听地址
func (c *Client) CircuitAddrs() []ma.Multiaddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ma.Multiaddr
	for _, r := range c.reservations {
		out = append(out, r.Addrs...)
	}
	return out
}

func (c *Client) hasReservation(relay types.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.reservations[relay]
	return ok
}

// ============================================================================
//                              预约维护
// ============================================================================

func (c *Client) loop() {
	defer c.wg.Done()
	t := time.NewTicker(maintainInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		case <-c.trigger:
		}
		c.maintain()
	}
}

// maintain 续约快到期的预约，并在数量不足时寻找新中继
func (c *Client) maintain() {
	now := time.Now()

	c.mu.Lock()
	var renew []types.PeerID
	for p, r := range c.reservations {
		if now.Add(c.cfg.RenewBefore).After(r.Expire) {
			renew = append(renew, p)
		}
	}
	need := c.cfg.MaxReservations - len(c.reservations) - len(c.reserving)
	c.mu.Unlock()

	for _, p := range renew {
		c.reserveAsync(types.AddrInfo{ID: p})
	}
	if need <= 0 {
		return
	}
	for _, cand := range c.candidates() {
		if need == 0 {
			break
		}
		if c.reserveAsync(cand) {
			need--
		}
	}
}

// candidates 静态中继优先，其次是已连接且声明支持 HOP 的节点
func (c *Client) candidates() []types.AddrInfo {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	usable := func(p types.PeerID) bool {
		if p == c.host.ID() {
			return false
		}
		if _, ok := c.reservations[p]; ok {
			return false
		}
		if _, ok := c.reserving[p]; ok {
			return false
		}
		return !now.Before(c.backoff[p])
	}

	var out []types.AddrInfo
	seen := make(map[types.PeerID]struct{})
	for _, ai := range c.cfg.StaticRelays {
		if usable(ai.ID) {
			out = append(out, ai)
			seen[ai.ID] = struct{}{}
		}
	}
	ps := c.host.Peerstore()
	for _, p := range c.host.Peers() {
		if _, ok := seen[p]; ok {
			continue
		}
		if usable(p) && ps.SupportsProtocol(p, HopProtocol) {
			out = append(out, types.AddrInfo{ID: p})
		}
	}
	return out
}

// reserveAsync 后台预约；同一中继同时只有一个请求
func (c *Client) reserveAsync(relay types.AddrInfo) bool {
	c.mu.Lock()
	if _, busy := c.reserving[relay.ID]; busy {
		c.mu.Unlock()
		return false
	}
	c.reserving[relay.ID] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.reserving, relay.ID)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(c.ctx, reserveTimeout)
		defer cancel()
		r, err := c.Reserve(ctx, relay)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.reserveFailed(relay.ID, err)
			return
		}
		c.reserved(r)
	}()
	return true
}

// Reserve 向中继发送 RESERVE 并返回预约
func (c *Client) Reserve(ctx context.Context, relay types.AddrInfo) (*Reservation, error) {
	if err := c.host.Connect(ctx, relay); err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}
	st, err := c.host.NewStream(ctx, relay.ID, HopProtocol)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	interfaces.MarkTransient(st)
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}

	if err := pb.WriteHop(st, &pb.HopMessage{Type: pb.HopReserve}); err != nil {
		st.Reset()
		return nil, err
	}
	resp, err := pb.ReadHop(st)
	if err != nil {
		st.Reset()
		return nil, fmt.Errorf("read reservation: %w", err)
	}
	if resp.Type != pb.HopStatus {
		return nil, &ErrStatus{Status: pb.StatusUnexpectedMessage}
	}
	if resp.Status != pb.StatusOK {
		return nil, &ErrStatus{Status: resp.Status}
	}
	if resp.Reservation == nil {
		return nil, fmt.Errorf("%w: missing reservation", pbio.ErrMalformed)
	}
	expire := time.Unix(int64(resp.Reservation.Expire), 0)
	if !expire.After(time.Now()) {
		return nil, fmt.Errorf("relay: reservation already expired at %s", expire)
	}

	addrs := circuitAddrs(relay.ID, resp.Reservation.Addrs, st.Conn().RemoteMultiaddr())
	return &Reservation{
		Relay:  relay.ID,
		Expire: expire,
		Addrs:  addrs,
		Limit:  resp.Limit,
	}, nil
}

// circuitAddrs 由中继公告的地址生成电路地址
//
// 只保留属于该中继的地址；有公网地址时只用公网地址，
// 中继没有公告地址时使用当前连接的远端地址。
func circuitAddrs(relay types.PeerID, advertised []ma.Multiaddr, fallback ma.Multiaddr) []ma.Multiaddr {
	var all, public []ma.Multiaddr
	for _, a := range advertised {
		bare, id := types.SplitP2PAddr(a)
		if (id != "" && id != relay) || bare == nil || types.IsRelayAddr(bare) {
			continue
		}
		all = append(all, bare)
		if manet.IsPublicAddr(bare) {
			public = append(public, bare)
		}
	}
	if len(public) > 0 {
		all = public
	}
	if len(all) == 0 && fallback != nil {
		all = []ma.Multiaddr{fallback}
	}

	out := make([]ma.Multiaddr, 0, len(all))
	for _, a := range all {
		full, err := types.P2PAddr(a, relay)
		if err != nil {
			continue
		}
		out = append(out, full.Encapsulate(circuitProto))
	}
	return out
}

func (c *Client) reserved(r *Reservation) {
	c.mu.Lock()
	old, renewed := c.reservations[r.Relay]
	c.reservations[r.Relay] = r
	delete(c.backoff, r.Relay)
	c.mu.Unlock()

	c.host.Protect(r.Relay, protectTag)
	if renewed {
		log.Debug("预约已续约", "relay", r.Relay.ShortString(), "expire", r.Expire)
		c.emitAddrChanges(old.Addrs, r.Addrs)
		return
	}

	log.Info("中继预约成功", "relay", r.Relay.ShortString(), "expire", r.Expire, "addrs", len(r.Addrs))
	c.host.Emit(&types.RelayEvent{
		BaseEvent: types.NewBaseEvent(),
		Kind:      types.ReservationAccepted,
		Relay:     r.Relay,
		Expire:    r.Expire,
	})
	c.emitAddrChanges(nil, r.Addrs)
}

func (c *Client) reserveFailed(relay types.PeerID, err error) {
	c.mu.Lock()
	c.backoff[relay] = time.Now().Add(c.cfg.RetryInterval)
	r, had := c.reservations[relay]
	expired := had && !time.Now().Before(r.Expire)
	if expired {
		delete(c.reservations, relay)
	}
	c.mu.Unlock()

	log.Debug("中继预约失败", "relay", relay.ShortString(), "err", err)
	c.host.Emit(&types.RelayEvent{
		BaseEvent: types.NewBaseEvent(),
		Kind:      types.ReservationFailed,
		Relay:     relay,
		Err:       err,
	})
	if expired {
		c.dropped(r)
	}
}

// disconnected 与中继的最后一条连接断开时预约失效
func (c *Client) disconnected(conn interfaces.Conn) {
	p := conn.RemotePeer()
	if len(c.host.ConnsToPeer(p)) > 0 {
		return
	}
	c.mu.Lock()
	r, ok := c.reservations[p]
	if ok {
		delete(c.reservations, p)
		c.backoff[p] = time.Now().Add(c.cfg.RetryInterval)
	}
	c.mu.Unlock()
	if ok {
		c.dropped(r)
		c.Trigger()
	}
}

func (c *Client) dropped(r *Reservation) {
	c.host.Unprotect(r.Relay, protectTag)
	log.Info("中继预约失效", "relay", r.Relay.ShortString())
	c.emitAddrChanges(r.Addrs, nil)
	c.host.Emit(&types.RelayEvent{
		BaseEvent: types.NewBaseEvent(),
		Kind:      types.ReservationExpired,
		Relay:     r.Relay,
		Expire:    r.Expire,
	})
}

// emitAddrChanges 以 SwarmEvent 报告电路监听地址的增减
func (c *Client) emitAddrChanges(old, cur []ma.Multiaddr) {
	has := func(list []ma.Multiaddr, a ma.Multiaddr) bool {
		for _, x := range list {
			if x.Equal(a) {
				return true
			}
		}
		return false
	}
	for _, a := range old {
		if !has(cur, a) {
			c.host.Emit(&types.SwarmEvent{BaseEvent: types.NewBaseEvent(), Kind: types.ExpiredListenAddr, Addr: a})
		}
	}
	for _, a := range cur {
		if !has(old, a) {
			c.host.Emit(&types.SwarmEvent{BaseEvent: types.NewBaseEvent(), Kind: types.NewListenAddr, Addr: a})
		}
	}
}

// ============================================================================
//                              入站电路
// ============================================================================

// handleStop 中继转来的连接请求
func (c *Client) handleStop(st interfaces.Stream) {
	relay := st.Conn().RemotePeer()
	_ = st.SetDeadline(time.Now().Add(stopTimeout))

	reply := func(status pb.Status) error {
		return pb.WriteStop(st, &pb.StopMessage{Type: pb.StopStatus, Status: status})
	}
	fail := func(status pb.Status) {
		_ = reply(status)
		st.Close()
	}

	msg, err := pb.ReadStop(st)
	if err != nil {
		log.Debug("读取 STOP 消息失败", "relay", relay.ShortString(), "err", err)
		fail(pb.StatusMalformedMessage)
		return
	}
	if msg.Type != pb.StopConnect || msg.Peer == nil {
		fail(pb.StatusUnexpectedMessage)
		return
	}
	if !c.hasReservation(relay) {
		log.Debug("拒绝无预约中继的电路", "relay", relay.ShortString())
		fail(pb.StatusPermissionDenied)
		return
	}
	if !c.transport.listening() {
		fail(pb.StatusConnectionFailed)
		return
	}
	if err := reply(pb.StatusOK); err != nil {
		st.Reset()
		return
	}
	_ = st.SetDeadline(time.Time{})

	src := msg.Peer.ID
	remote := circuitProto
	if full, err := types.P2PAddr(st.Conn().RemoteMultiaddr(), relay); err == nil {
		remote = full.Encapsulate(circuitProto)
	}
	if err := c.transport.deliver(newCircuitConn(st, circuitProto, remote)); err != nil {
		log.Debug("投递入站电路失败", "src", src.ShortString(), "err", err)
		st.Reset()
		return
	}

	log.Debug("入站电路", "relay", relay.ShortString(), "src", src.ShortString())
	c.host.Emit(&types.RelayEvent{
		BaseEvent: types.NewBaseEvent(),
		Kind:      types.InboundCircuit,
		Relay:     relay,
		Peer:      src,
	})
}
