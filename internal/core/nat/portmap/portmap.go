// Package portmap 通过网关端口映射（UPnP IGD、NAT-PMP）让监听端口可从外部到达
//
// 依次尝试各映射器，第一个能返回外部 IP 的网关生效。每个非回环的
// TCP 与 QUIC 监听端口都申请一条映射，外部 IP 加映射端口作为候选地址
// 交给 Host，由 AutoNAT 验证后才公告。映射在租期过半时续期，停止时撤销。
package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("nat/portmap")

// ErrNoGateway 没有可用的映射网关
var ErrNoGateway = errors.New("portmap: no gateway available")

// description 映射描述
const description = "void"

// Mapper 一种网关映射协议
type Mapper interface {
	Name() string

	// ExternalIP 网关的外部 IP，同时用于探测网关是否可用
	ExternalIP(ctx context.Context) (net.IP, error)

	// AddMapping 申请映射，返回实际分配的外部端口
	AddMapping(ctx context.Context, proto string, internalPort int, lifetime time.Duration) (int, error)

	DeleteMapping(ctx context.Context, proto string, internalPort, externalPort int) error
}

// Host 候选地址的去处
type Host interface {
	ListenAddrs() []ma.Multiaddr
	AddCandidateAddr(a ma.Multiaddr)
	RemoveCandidateAddr(a ma.Multiaddr)
}

// Config 映射配置
type Config struct {
	// Lifetime 映射租期
	Lifetime time.Duration

	// Timeout 单次网关操作超时
	Timeout time.Duration
}

type mapping struct {
	proto     string
	internal  int
	external  int
	candidate ma.Multiaddr
}

func mappingKey(proto string, port int) string { return proto + "/" + strconv.Itoa(port) }

// Service 端口映射服务
type Service struct {
	host    Host
	mappers []Mapper
	cfg     Config

	mu       sync.Mutex
	active   Mapper
	extIP    net.IP
	mappings map[string]*mapping

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建服务；mappers 按优先级排列
func New(h Host, cfg Config, mappers ...Mapper) *Service {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Service{
		host:     h,
		mappers:  mappers,
		cfg:      cfg,
		mappings: make(map[string]*mapping),
	}
}

// Start 在后台发现网关并维护映射
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.Lifetime / 2)
		defer t.Stop()
		for {
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Debug("端口映射不可用", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}

// Stop 停止维护并撤销全部映射
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range s.mappings {
		s.unmap(m)
		delete(s.mappings, key)
	}
}

// Mapper 当前生效的映射器，未发现网关时为 nil
func (s *Service) Mapper() Mapper {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Candidates 映射得到的候选地址
func (s *Service) Candidates() []ma.Multiaddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ma.Multiaddr, 0, len(s.mappings))
	for _, m := range s.mappings {
		if m.candidate != nil {
			out = append(out, m.candidate)
		}
	}
	return out
}

// Refresh 发现网关（如尚未发现），为当前监听端口申请或续期映射
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		if err := s.discover(ctx); err != nil {
			return err
		}
	}

	wanted := make(map[string]struct{})
	for _, a := range s.host.ListenAddrs() {
		proto, port, ok := mappable(a)
		if !ok {
			continue
		}
		key := mappingKey(proto, port)
		if _, dup := wanted[key]; dup {
			continue
		}
		wanted[key] = struct{}{}
		if err := s.mapPort(ctx, proto, port); err != nil {
			log.Debug("端口映射失败",
				"mapper", s.active.Name(),
				"proto", proto,
				"port", port,
				"err", err)
		}
	}

	// 监听已关闭的端口
	for key, m := range s.mappings {
		if _, ok := wanted[key]; !ok {
			s.unmap(m)
			delete(s.mappings, key)
		}
	}
	return nil
}

func (s *Service) discover(ctx context.Context) error {
	for _, m := range s.mappers {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		ip, err := m.ExternalIP(dctx)
		cancel()
		if err != nil {
			log.Debug("网关不可用", "mapper", m.Name(), "err", err)
			continue
		}
		s.active, s.extIP = m, ip
		log.Info("发现映射网关", "mapper", m.Name(), "external_ip", ip.String())
		return nil
	}
	return ErrNoGateway
}

func (s *Service) mapPort(ctx context.Context, proto string, port int) error {
	mctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ext, err := s.active.AddMapping(mctx, proto, port, s.cfg.Lifetime)
	if err != nil {
		return err
	}

	key := mappingKey(proto, port)
	old := s.mappings[key]
	cand, err := candidateAddr(s.extIP, proto, ext)
	if err != nil {
		return err
	}
	if old != nil && old.candidate != nil && !old.candidate.Equal(cand) {
		s.host.RemoveCandidateAddr(old.candidate)
	}
	if old == nil || old.external != ext {
		log.Info("端口映射成功", "proto", proto, "internal", port, "external", ext, "addr", cand)
	}
	s.host.AddCandidateAddr(cand)
	s.mappings[key] = &mapping{proto: proto, internal: port, external: ext, candidate: cand}
	return nil
}

func (s *Service) unmap(m *mapping) {
	if m.candidate != nil {
		s.host.RemoveCandidateAddr(m.candidate)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if err := s.active.DeleteMapping(ctx, m.proto, m.internal, m.external); err != nil {
		log.Debug("撤销端口映射失败", "proto", m.proto, "port", m.external, "err", err)
	}
}

// mappable 监听地址对应的映射协议与端口；回环、中继与 WebSocket 地址不映射
func mappable(a ma.Multiaddr) (string, int, bool) {
	if types.IsRelayAddr(a) || manet.IsIPLoopback(a) {
		return "", 0, false
	}
	if _, err := a.ValueForProtocol(ma.P_WS); err == nil {
		return "", 0, false
	}
	if v, err := a.ValueForProtocol(ma.P_TCP); err == nil {
		port, err := strconv.Atoi(v)
		return "tcp", port, err == nil && port > 0
	}
	if _, err := a.ValueForProtocol(ma.P_QUIC_V1); err != nil {
		return "", 0, false
	}
	v, err := a.ValueForProtocol(ma.P_UDP)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(v)
	return "udp", port, err == nil && port > 0
}

func candidateAddr(ip net.IP, proto string, port int) (ma.Multiaddr, error) {
	base, err := manet.FromIP(ip)
	if err != nil {
		return nil, err
	}
	var suffix string
	switch proto {
	case "tcp":
		suffix = fmt.Sprintf("/tcp/%d", port)
	case "udp":
		suffix = fmt.Sprintf("/udp/%d/quic-v1", port)
	default:
		return nil, fmt.Errorf("portmap: unknown protocol %q", proto)
	}
	tail, err := ma.NewMultiaddr(suffix)
	if err != nil {
		return nil, err
	}
	return base.Encapsulate(tail), nil
}
