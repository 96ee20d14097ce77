// Package mdns 局域网节点发现
//
// 每个节点以 <instance>.<service>.local. 发布一条 mDNS 服务记录，TXT 中携带
// 节点 ID 与监听地址（"id=<peer>"、"addrs=<a1>,<a2>"，单条不超过 255 字节，
// 地址过多时拆成多条 addrs=）。Service 按 Interval 周期查询，新发现的节点
// 写入地址簿并以 MDNSEvent 交给 Host；超过 TTL 未再出现的节点产生过期事件。
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("discovery/mdns")

const (
	idPrefix    = "id="
	addrsPrefix = "addrs="

	// maxTXTLen 单条 TXT 字符串上限
	maxTXTLen = 255
)

var (
	// ErrNoLANAddrs 没有可发布的局域网地址
	ErrNoLANAddrs = errors.New("mdns: no LAN addresses to announce")

	// ErrPortUnknown 监听地址中找不到端口
	ErrPortUnknown = errors.New("mdns: listen port unknown")
)

// Config mDNS 配置
type Config struct {
	// ServiceName 服务名，同名服务的节点互相发现
	ServiceName string

	Domain string

	// Interval 查询间隔
	Interval time.Duration

	// TTL 发现记录有效期
	TTL time.Duration

	// QueryTimeout 单次查询等待应答的时间
	QueryTimeout time.Duration

	// Interface 指定网卡，空值使用全部网卡
	Interface string

	DisableIPv6 bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ServiceName:  "_p2p._udp",
		Domain:       "local.",
		Interval:     10 * time.Second,
		TTL:          2 * time.Minute,
		QueryTimeout: 3 * time.Second,
		DisableIPv6:  true,
	}
}

type peerEntry struct {
	info     types.AddrInfo
	lastSeen time.Time
}

// Service mDNS 发布与查询
type Service struct {
	host interfaces.Host
	cfg  Config

	server *mdns.Server

	mu    sync.Mutex
	peers map[types.PeerID]*peerEntry
	subs  []func(types.AddrInfo)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建服务
func New(h interfaces.Host, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.Domain == "" {
		cfg.Domain = def.Domain
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.QueryTimeout <= 0 || cfg.QueryTimeout > cfg.Interval {
		cfg.QueryTimeout = min(def.QueryTimeout, cfg.Interval)
	}
	return &Service{
		host:  h,
		cfg:   cfg,
		peers: make(map[types.PeerID]*peerEntry),
	}
}

// OnDiscovered 注册新节点回调（例如写入 DHT 路由表）
func (s *Service) OnDiscovered(fn func(types.AddrInfo)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Start 发布服务记录并启动查询循环
//
// 发布失败不是致命错误：本节点仍可作为查询方发现他人。
func (s *Service) Start(ctx context.Context) {
	if err := s.startServer(); err != nil {
		log.Warn("mDNS 发布失败，仅作为查询方运行", "err", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	log.Info("mDNS 发现已启动", "service", s.cfg.ServiceName, "publishing", s.server != nil)
}

// Stop 停止查询并撤销发布
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.server != nil {
		_ = s.server.Shutdown()
		s.server = nil
	}
}

// Peers 当前未过期的局域网节点
func (s *Service) Peers() []types.AddrInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AddrInfo, 0, len(s.peers))
	for _, e := range s.peers {
		out = append(out, e.info)
	}
	return out
}

func (s *Service) startServer() error {
	addrs := announceAddrs(s.host.ListenAddrs())
	if len(addrs) == 0 {
		return ErrNoLANAddrs
	}
	port := inferPort(addrs)
	if port == 0 {
		return ErrPortUnknown
	}
	ips := addrIPs(addrs)

	strs := make([]string, len(addrs))
	for i, a := range addrs {
		strs[i] = a.String()
	}
	txt := buildTXTRecords(s.host.ID().String(), strs)

	// 实例名是单个 DNS 标签，不能超过 63 字节
	instance := s.host.ID().String()
	if len(instance) > 63 {
		instance = instance[len(instance)-63:]
	}
	zone, err := mdns.NewMDNSService(instance, s.cfg.ServiceName, s.cfg.Domain, "", port, ips, txt)
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}
	mc := &mdns.Config{Zone: zone}
	if iface := s.iface(); iface != nil {
		mc.Iface = iface
	}
	srv, err := mdns.NewServer(mc)
	if err != nil {
		return fmt.Errorf("mdns server: %w", err)
	}
	s.server = srv
	log.Debug("mDNS 服务已发布", "instance", instance, "port", port, "addrs", strs)
	return nil
}

func (s *Service) iface() *net.Interface {
	if s.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(s.cfg.Interface)
	if err != nil {
		log.Warn("找不到指定网卡", "iface", s.cfg.Interface, "err", err)
		return nil
	}
	return iface
}

// ============================================================================
//                              查询
// ============================================================================

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	s.query(ctx)

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.query(ctx)
			s.expire(now)
		}
	}
}

func (s *Service) query(ctx context.Context) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if ctx.Err() != nil {
				continue
			}
			if ai, ok := parseEntry(e); ok {
				s.found(ai)
			}
		}
	}()

	params := &mdns.QueryParam{
		Service:             s.cfg.ServiceName,
		Domain:              s.cfg.Domain,
		Timeout:             s.cfg.QueryTimeout,
		Interface:           s.iface(),
		Entries:             entries,
		WantUnicastResponse: true,
		DisableIPv6:         s.cfg.DisableIPv6,
	}
	if err := mdns.Query(params); err != nil {
		log.Debug("mDNS 查询失败", "err", err)
	}
	close(entries)
	<-done
}

// found 记录一次发现；首次出现的节点写入地址簿并产生事件
func (s *Service) found(ai types.AddrInfo) {
	if ai.ID == s.host.ID() {
		return
	}
	s.mu.Lock()
	e, known := s.peers[ai.ID]
	if !known {
		e = &peerEntry{}
		s.peers[ai.ID] = e
	}
	e.info = ai
	e.lastSeen = time.Now()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	s.host.Peerstore().AddAddrs(ai.ID, ai.Addrs, s.cfg.TTL)
	if known {
		return
	}
	log.Debug("mDNS 发现节点", "peer", ai.ID.ShortString(), "addrs", ai.Addrs)
	s.host.Emit(&types.MDNSEvent{BaseEvent: types.NewBaseEvent(), Peers: []types.AddrInfo{ai}})
	for _, fn := range subs {
		fn(ai)
	}
}

// expire 移除超过 TTL 未出现的节点
func (s *Service) expire(now time.Time) {
	cutoff := now.Add(-s.cfg.TTL)
	var gone []types.AddrInfo
	s.mu.Lock()
	for id, e := range s.peers {
		if e.lastSeen.Before(cutoff) {
			gone = append(gone, e.info)
			delete(s.peers, id)
		}
	}
	s.mu.Unlock()

	if len(gone) == 0 {
		return
	}
	log.Debug("mDNS 节点过期", "count", len(gone))
	s.host.Emit(&types.MDNSEvent{BaseEvent: types.NewBaseEvent(), Expired: true, Peers: gone})
}

// parseEntry 从服务条目中解析节点 ID 与地址
//
// TXT 中没有可用地址时退回到 A 记录与服务端口（TCP）。
func parseEntry(e *mdns.ServiceEntry) (types.AddrInfo, bool) {
	if e == nil {
		return types.AddrInfo{}, false
	}
	var ai types.AddrInfo
	seen := make(map[string]struct{})
	for _, f := range e.InfoFields {
		switch {
		case strings.HasPrefix(f, idPrefix):
			id, err := types.ParsePeerID(strings.TrimPrefix(f, idPrefix))
			if err != nil {
				log.Debug("TXT 中的节点 ID 无效", "txt", f, "err", err)
				return types.AddrInfo{}, false
			}
			ai.ID = id
		case strings.HasPrefix(f, addrsPrefix):
			for _, s := range strings.Split(strings.TrimPrefix(f, addrsPrefix), ",") {
				if s == "" {
					continue
				}
				if _, dup := seen[s]; dup {
					continue
				}
				a, err := ma.NewMultiaddr(s)
				if err != nil {
					continue
				}
				seen[s] = struct{}{}
				ai.Addrs = append(ai.Addrs, a)
			}
		}
	}
	if ai.ID.IsEmpty() {
		return types.AddrInfo{}, false
	}
	if len(ai.Addrs) == 0 && e.AddrV4 != nil && e.Port > 0 {
		if a, err := manet.FromNetAddr(&net.TCPAddr{IP: e.AddrV4, Port: e.Port}); err == nil {
			ai.Addrs = append(ai.Addrs, a)
		}
	}
	if len(ai.Addrs) == 0 {
		return types.AddrInfo{}, false
	}
	return ai, true
}

// ============================================================================
//                              地址
// ============================================================================

// announceAddrs 可在局域网内发布的地址：去掉回环、链路本地和中继地址
func announceAddrs(listen []ma.Multiaddr) []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, a := range listen {
		if types.IsRelayAddr(a) || manet.IsIPLoopback(a) || manet.IsIP6LinkLocal(a) || manet.IsIPUnspecified(a) {
			continue
		}
		if _, err := manet.ToIP(a); err != nil {
			continue
		}
		bare, _ := types.SplitP2PAddr(a)
		out = append(out, bare)
	}
	return out
}

// inferPort 服务记录里的端口：优先 TCP，其次 UDP
func inferPort(addrs []ma.Multiaddr) int {
	udp := 0
	for _, a := range addrs {
		if p, err := a.ValueForProtocol(ma.P_TCP); err == nil {
			if n, err := strconv.Atoi(p); err == nil {
				return n
			}
		}
		if p, err := a.ValueForProtocol(ma.P_UDP); err == nil && udp == 0 {
			udp, _ = strconv.Atoi(p)
		}
	}
	return udp
}

func addrIPs(addrs []ma.Multiaddr) []net.IP {
	var out []net.IP
	seen := make(map[string]struct{})
	for _, a := range addrs {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if _, ok := seen[ip.String()]; ok {
			continue
		}
		seen[ip.String()] = struct{}{}
		out = append(out, ip)
	}
	return out
}

// buildTXTRecords 构造 TXT 记录，地址按 255 字节拆分为多条 addrs=
func buildTXTRecords(id string, addrs []string) []string {
	txt := []string{idPrefix + id}
	cur := addrsPrefix
	for _, a := range addrs {
		if a == "" || len(addrsPrefix)+len(a) > maxTXTLen {
			continue
		}
		next := a
		if cur != addrsPrefix {
			next = "," + a
		}
		if len(cur)+len(next) > maxTXTLen {
			txt = append(txt, cur)
			cur = addrsPrefix
			next = a
		}
		cur += next
	}
	if cur != addrsPrefix {
		txt = append(txt, cur)
	}
	return txt
}
