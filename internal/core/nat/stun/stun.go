// Package stun 通过 STUN 服务器发现 UDP 外部地址
//
// 查询使用独立的 UDP socket，只能得到外部 IP；候选地址按
// "外部 IP + 本地 QUIC 监听端口" 组合，假设 NAT 保留端口。
// 候选地址交给 Host 用于打洞地址交换与 AutoNAT 回拨请求，未经验证不公告。
package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/pion/stun"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("nat/stun")

// DefaultRefreshInterval 外部地址刷新间隔
const DefaultRefreshInterval = 10 * time.Minute

var (
	// ErrNoServers 未配置 STUN 服务器
	ErrNoServers = errors.New("stun: no servers configured")

	// ErrNoMappedAddress 响应中没有映射地址
	ErrNoMappedAddress = errors.New("stun: no mapped address in response")
)

// Client STUN 客户端
type Client struct {
	servers []string
	timeout time.Duration
}

// NewClient 创建客户端
func NewClient(servers []string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{servers: servers, timeout: timeout}
}

// ExternalAddr 依次查询服务器，返回第一个成功的映射地址
func (c *Client) ExternalAddr(ctx context.Context) (*net.UDPAddr, error) {
	if len(c.servers) == 0 {
		return nil, ErrNoServers
	}
	var lastErr error
	for _, server := range c.servers {
		addr, err := c.query(ctx, server)
		if err == nil {
			return addr, nil
		}
		lastErr = err
		log.Debug("STUN 查询失败", "server", server, "err", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) query(ctx context.Context, server string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("stun: resolve %s: %w", server, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("stun: dial %s: %w", server, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req.Raw); err != nil {
		return nil, fmt.Errorf("stun: send: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("stun: read: %w", err)
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		// 忽略其他事务的响应
		if res.TransactionID != req.TransactionID {
			continue
		}
		return mappedAddr(res)
	}
}

func mappedAddr(res *stun.Message) (*net.UDPAddr, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
	}
	return nil, ErrNoMappedAddress
}

// ============================================================================
//                              候选地址
// ============================================================================

// Host 候选地址的去处
type Host interface {
	ListenAddrs() []ma.Multiaddr
	AddCandidateAddr(a ma.Multiaddr)
	RemoveCandidateAddr(a ma.Multiaddr)
}

// Service 周期刷新 STUN 候选地址
type Service struct {
	host     Host
	client   *Client
	interval time.Duration

	mu         sync.Mutex
	candidates []ma.Multiaddr

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 创建服务；interval <= 0 时使用默认值
func NewService(h Host, c *Client, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Service{host: h, client: c, interval: interval}
}

// Start 立即查询一次，之后周期刷新
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Debug("刷新 STUN 候选地址失败", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}

// Stop 停止刷新并撤回候选地址
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.candidates {
		s.host.RemoveCandidateAddr(a)
	}
	s.candidates = nil
}

// Candidates 当前的候选地址
func (s *Service) Candidates() []ma.Multiaddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ma.Multiaddr(nil), s.candidates...)
}

// Refresh 查询外部地址并更新候选
func (s *Service) Refresh(ctx context.Context) error {
	ext, err := s.client.ExternalAddr(ctx)
	if err != nil {
		return err
	}
	next := candidateAddrs(ext.IP, s.host.ListenAddrs())

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.candidates {
		if !containsAddr(next, old) {
			s.host.RemoveCandidateAddr(old)
		}
	}
	for _, a := range next {
		if !containsAddr(s.candidates, a) {
			log.Info("STUN 候选地址", "addr", a)
		}
		s.host.AddCandidateAddr(a)
	}
	s.candidates = next
	return nil
}

// candidateAddrs 外部 IP 与每个 QUIC 监听端口组合
func candidateAddrs(ip net.IP, listen []ma.Multiaddr) []ma.Multiaddr {
	quicSuffix := ma.StringCast("/quic-v1")
	var out []ma.Multiaddr
	seen := make(map[string]struct{})
	for _, a := range listen {
		if types.IsRelayAddr(a) {
			continue
		}
		if _, err := a.ValueForProtocol(ma.P_QUIC_V1); err != nil {
			continue
		}
		naddr, err := manet.ToNetAddr(a.Decapsulate(quicSuffix))
		if err != nil {
			continue
		}
		udp, ok := naddr.(*net.UDPAddr)
		if !ok {
			continue
		}
		if (ip.To4() == nil) != (udp.IP.To4() == nil) {
			continue
		}
		m, err := manet.FromNetAddr(&net.UDPAddr{IP: ip, Port: udp.Port})
		if err != nil {
			continue
		}
		m = m.Encapsulate(quicSuffix)
		if _, dup := seen[m.String()]; dup {
			continue
		}
		seen[m.String()] = struct{}{}
		out = append(out, m)
	}
	return out
}

func containsAddr(addrs []ma.Multiaddr, a ma.Multiaddr) bool {
	for _, x := range addrs {
		if x.Equal(a) {
			return true
		}
	}
	return false
}
