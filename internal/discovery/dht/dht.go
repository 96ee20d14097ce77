// Package dht 实现 Kademlia 节点路由
//
// 只实现节点查找：键空间为节点 ID 的 SHA-256，距离为 XOR，
// K 桶大小 k（默认 20），迭代查询并发度 alpha（默认 3）。
// 协议 /ipfs/kad/1.0.0，消息为 varint 长度前缀的 protobuf，
// 一条流上可以连续发送多个请求。
//
// 路由表由以下来源填充：引导节点与 mDNS 发现（AddPeer）、
// 成功应答的查询对象、发来请求的节点。查询失败的节点被移出路由表。
// DHT 作为 host.PeerRouting 注入 Host，只在地址簿为空时被拨号路径使用。
package dht

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("discovery/dht")

// ProtocolID Kademlia 协议
const ProtocolID = protocolids.Kademlia

var (
	// ErrNoPeers 路由表为空
	ErrNoPeers = errors.New("dht: routing table is empty")

	// ErrPeerNotFound 查询结束仍未找到节点
	ErrPeerNotFound = errors.New("dht: peer not found")

	// ErrNoAddrs 节点没有已知地址
	ErrNoAddrs = errors.New("dht: no addresses for peer")

	// ErrUnsupported 不支持的消息类型
	ErrUnsupported = errors.New("dht: unsupported message type")
)

// Config DHT 配置
type Config struct {
	// BucketSize k 值
	BucketSize int

	// Alpha 查询并发度
	Alpha int

	// RefreshInterval 自查询刷新间隔，0 表示不刷新
	RefreshInterval time.Duration

	// QueryTimeout 单次迭代查询超时
	QueryTimeout time.Duration

	// RequestTimeout 单个 RPC 超时
	RequestTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		BucketSize:      20,
		Alpha:           3,
		RefreshInterval: 10 * time.Minute,
		QueryTimeout:    30 * time.Second,
		RequestTimeout:  10 * time.Second,
	}
}

// DHT Kademlia 节点
type DHT struct {
	host interfaces.Host
	cfg  Config
	rt   *RoutingTable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshNow chan struct{}
}

// New 创建 DHT
func New(h interfaces.Host, cfg Config) *DHT {
	def := DefaultConfig()
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = def.BucketSize
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &DHT{
		host:       h,
		cfg:        cfg,
		rt:         NewRoutingTable(h.ID(), cfg.BucketSize),
		refreshNow: make(chan struct{}, 1),
	}
}

// RoutingTable 路由表
func (d *DHT) RoutingTable() *RoutingTable { return d.rt }

// Start 注册协议处理函数并启动刷新循环
func (d *DHT) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.host.SetStreamHandler(ProtocolID, d.handle)
	d.wg.Add(1)
	go d.refreshLoop()
}

// Stop 停止刷新并移除处理函数
func (d *DHT) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.host.RemoveStreamHandler(ProtocolID)
}

// AddPeer 加入路由表候选（引导节点、mDNS 发现）
//
// 地址写入地址簿；节点先进入路由表，第一次查询失败时被移除。
func (d *DHT) AddPeer(ai types.AddrInfo, ttl time.Duration) {
	if ai.ID == d.host.ID() || ai.ID.IsEmpty() {
		return
	}
	if len(ai.Addrs) > 0 {
		d.host.Peerstore().AddAddrs(ai.ID, ai.Addrs, ttl)
	}
	d.addToTable(ai.ID)
}

// Bootstrap 立即触发一次自查询
func (d *DHT) Bootstrap() {
	select {
	case d.refreshNow <- struct{}{}:
	default:
	}
}

func (d *DHT) addToTable(p types.PeerID) {
	if !d.rt.Add(p) {
		return
	}
	log.Debug("路由表加入节点", "peer", p.ShortString(), "size", d.rt.Size())
	d.host.Emit(&types.DHTEvent{
		BaseEvent: types.NewBaseEvent(),
		Peer:      p,
		Addrs:     d.host.Peerstore().Addrs(p),
	})
}

func (d *DHT) removeFromTable(p types.PeerID, err error) {
	if d.rt.Remove(p) {
		log.Debug("路由表移除节点", "peer", p.ShortString(), "err", err)
	}
}

// FindPeer 按 ID 查找节点地址
func (d *DHT) FindPeer(ctx context.Context, p types.PeerID) (types.AddrInfo, error) {
	if len(d.host.ConnsToPeer(p)) > 0 {
		return d.host.Peerstore().PeerInfo(p), nil
	}
	var found *types.AddrInfo
	_, err := d.lookup(ctx, p, func(ai types.AddrInfo) bool {
		if ai.ID == p && len(ai.Addrs) > 0 {
			found = &ai
			return true
		}
		return false
	})
	if found != nil {
		return *found, nil
	}
	if err != nil {
		return types.AddrInfo{}, err
	}
	return types.AddrInfo{}, ErrPeerNotFound
}

// GetClosestPeers 迭代查询离 target 最近的 k 个节点
func (d *DHT) GetClosestPeers(ctx context.Context, target types.PeerID) ([]types.PeerID, error) {
	return d.lookup(ctx, target, nil)
}

func (d *DHT) refreshLoop() {
	defer d.wg.Done()

	var tick <-chan time.Time
	if d.cfg.RefreshInterval > 0 {
		t := time.NewTicker(d.cfg.RefreshInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-tick:
		case <-d.refreshNow:
		}
		d.refresh()
	}
}

// refresh 查询离自己最近的节点以填充路由表
func (d *DHT) refresh() {
	if d.rt.Size() == 0 {
		return
	}
	peers, err := d.lookup(d.ctx, d.host.ID(), nil)
	if d.ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Debug("路由表刷新失败", "err", err)
	} else {
		log.Debug("路由表刷新完成", "closest", len(peers), "size", d.rt.Size())
	}
	d.host.Emit(&types.DHTEvent{BaseEvent: types.NewBaseEvent(), Bootstrapped: true, Err: err})
}

// ============================================================================
//                              服务端
// ============================================================================

func (d *DHT) handle(s interfaces.Stream) {
	defer s.Close()
	interfaces.MarkTransient(s)

	from := s.Conn().RemotePeer()
	r := pbio.NewReader(s, maxMessageSize)
	w := pbio.NewWriter(s)
	for {
		_ = s.SetReadDeadline(time.Now().Add(time.Minute))
		b, err := r.ReadMsg()
		if err != nil {
			return
		}
		var req message
		if err := req.Unmarshal(b); err != nil {
			log.Debug("请求格式错误", "peer", from.ShortString(), "err", err)
			_ = s.Reset()
			return
		}
		resp, err := d.respond(from, &req)
		if err != nil {
			log.Debug("忽略请求", "peer", from.ShortString(), "type", req.Type, "err", err)
			_ = s.Reset()
			return
		}
		_ = s.SetWriteDeadline(time.Now().Add(d.cfg.RequestTimeout))
		if err := w.WriteMsg(resp.Marshal()); err != nil {
			return
		}
		// 能发请求的节点也能应答请求
		d.addToTable(from)
	}
}

func (d *DHT) respond(from types.PeerID, req *message) (*message, error) {
	switch req.Type {
	case TypePing:
		return &message{Type: TypePing}, nil
	case TypeFindNode:
		target, err := types.PeerIDFromBytes(req.Key)
		if err != nil {
			return nil, err
		}
		resp := &message{Type: TypeFindNode, Key: req.Key}
		ps := d.host.Peerstore()
		add := func(p types.PeerID) {
			addrs := ps.Addrs(p)
			if len(addrs) == 0 {
				return
			}
			ct := NotConnected
			if len(d.host.ConnsToPeer(p)) > 0 {
				ct = Connected
			}
			resp.CloserPeers = append(resp.CloserPeers, peerInfo{ID: p, Addrs: addrs, Connection: ct})
		}
		// 已连接的目标即使不在路由表中也直接给出
		if target != d.host.ID() && target != from && !d.rt.Contains(target) && len(d.host.ConnsToPeer(target)) > 0 {
			add(target)
		}
		for _, p := range d.rt.NearestPeers(KeyForPeer(target), d.cfg.BucketSize) {
			if p != from {
				add(p)
			}
		}
		return resp, nil
	default:
		return nil, ErrUnsupported
	}
}

// ============================================================================
//                              客户端
// ============================================================================

// findNode 向 p 发送一次 FIND_NODE
func (d *DHT) findNode(ctx context.Context, p, target types.PeerID) ([]types.AddrInfo, error) {
	// 不经路由查询补地址，避免查询中递归查询
	if len(d.host.ConnsToPeer(p)) == 0 && len(d.host.Peerstore().Addrs(p)) == 0 {
		return nil, ErrNoAddrs
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	s, err := d.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	interfaces.MarkTransient(s)
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	req := &message{Type: TypeFindNode, Key: target.Bytes()}
	if err := pbio.NewWriter(s).WriteMsg(req.Marshal()); err != nil {
		_ = s.Reset()
		return nil, err
	}
	b, err := pbio.NewReader(s, maxMessageSize).ReadMsg()
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	var resp message
	if err := resp.Unmarshal(b); err != nil {
		return nil, err
	}
	out := make([]types.AddrInfo, 0, len(resp.CloserPeers))
	for _, pi := range resp.CloserPeers {
		out = append(out, toAddrInfo(pi))
	}
	return out, nil
}
