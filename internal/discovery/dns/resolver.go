// Package dns 解析 /dnsaddr、/dns、/dns4、/dns6 地址
//
// /dnsaddr/<domain> 查询 _dnsaddr.<domain> 的 TXT 记录（dnsaddr=<multiaddr>），
// 结果可再次嵌套 /dnsaddr，最多递归 MaxDepth 层。地址带 /p2p/<id> 后缀时
// 只保留同一节点的结果。
package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("discovery/dns")

const (
	// DNSAddrPrefix TXT 记录前缀
	DNSAddrPrefix = "dnsaddr="

	// DNSAddrDomainPrefix 查询域名前缀
	DNSAddrDomainPrefix = "_dnsaddr."

	resolvConf = "/etc/resolv.conf"
)

// Config 解析器配置
type Config struct {
	// Server DNS 服务器（host:port），空值读取 /etc/resolv.conf
	Server string

	Timeout  time.Duration
	MaxDepth int

	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		MaxDepth:  4,
		CacheSize: 256,
		CacheTTL:  5 * time.Minute,
	}
}

// Resolver multiaddr DNS 解析器
type Resolver struct {
	cfg     Config
	udp     *dns.Client
	tcp     *dns.Client
	servers []string

	cache *expirable.LRU[string, []ma.Multiaddr]
}

// New 创建解析器
func New(cfg Config) (*Resolver, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}

	var servers []string
	if cfg.Server != "" {
		servers = []string{cfg.Server}
	} else {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoServer, err)
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	}
	if len(servers) == 0 {
		return nil, ErrNoServer
	}

	return &Resolver{
		cfg:     cfg,
		udp:     &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: cfg.Timeout},
		servers: servers,
		cache:   expirable.NewLRU[string, []ma.Multiaddr](cfg.CacheSize, nil, cfg.CacheTTL),
	}, nil
}

// IsResolvable 地址是否需要解析
func IsResolvable(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	protos := addr.Protocols()
	if len(protos) == 0 {
		return false
	}
	switch protos[0].Code {
	case ma.P_DNSADDR, ma.P_DNS, ma.P_DNS4, ma.P_DNS6:
		return true
	}
	return false
}

// Resolve 展开地址；无需解析的地址原样返回
func (r *Resolver) Resolve(ctx context.Context, addr ma.Multiaddr) ([]ma.Multiaddr, error) {
	if !IsResolvable(addr) {
		return []ma.Multiaddr{addr}, nil
	}
	key := addr.String()
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	out, err := r.resolve(ctx, addr, r.cfg.MaxDepth)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoRecordsFound
	}
	r.cache.Add(key, out)
	log.Debug("地址解析完成", "addr", key, "results", len(out))
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, addr ma.Multiaddr, depth int) ([]ma.Multiaddr, error) {
	if depth < 0 {
		return nil, ErrMaxDepthExceeded
	}
	first, rest := ma.SplitFirst(addr)
	if first == nil {
		return nil, nil
	}

	switch first.Protocol().Code {
	case ma.P_DNSADDR:
		return r.resolveDNSAddr(ctx, first.Value(), addr, depth)
	case ma.P_DNS4:
		return r.resolveHost(ctx, first.Value(), rest, dns.TypeA)
	case ma.P_DNS6:
		return r.resolveHost(ctx, first.Value(), rest, dns.TypeAAAA)
	case ma.P_DNS:
		v4, err4 := r.resolveHost(ctx, first.Value(), rest, dns.TypeA)
		v6, err6 := r.resolveHost(ctx, first.Value(), rest, dns.TypeAAAA)
		if err4 != nil && err6 != nil {
			return nil, err4
		}
		return append(v4, v6...), nil
	default:
		return []ma.Multiaddr{addr}, nil
	}
}

func (r *Resolver) resolveDNSAddr(ctx context.Context, domain string, orig ma.Multiaddr, depth int) ([]ma.Multiaddr, error) {
	_, want := types.SplitP2PAddr(orig)

	txts, err := r.LookupTXT(ctx, DNSAddrDomainPrefix+domain)
	if err != nil {
		return nil, err
	}

	var out []ma.Multiaddr
	for _, txt := range txts {
		addr, err := ParseDNSAddr(txt)
		if err != nil {
			continue
		}
		if want != "" {
			if _, id := types.SplitP2PAddr(addr); id != want {
				continue
			}
		}
		if !IsResolvable(addr) {
			out = append(out, addr)
			continue
		}
		nested, err := r.resolve(ctx, addr, depth-1)
		if err != nil {
			log.Debug("嵌套解析失败", "addr", addr, "err", err)
			continue
		}
		out = append(out, nested...)
	}
	return out, nil
}

func (r *Resolver) resolveHost(ctx context.Context, host string, rest ma.Multiaddr, qtype uint16) ([]ma.Multiaddr, error) {
	ips, err := r.LookupIP(ctx, host, qtype)
	if err != nil {
		return nil, err
	}
	proto := "ip4"
	if qtype == dns.TypeAAAA {
		proto = "ip6"
	}
	out := make([]ma.Multiaddr, 0, len(ips))
	for _, ip := range ips {
		c, err := ma.NewComponent(proto, ip.String())
		if err != nil {
			continue
		}
		var m ma.Multiaddr = c
		if rest != nil {
			m = m.Encapsulate(rest)
		}
		out = append(out, m)
	}
	return out, nil
}

// LookupTXT 查询 TXT 记录（多段字符串拼接）
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answer, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range answer {
		if t, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(t.Txt, ""))
		}
	}
	return out, nil
}

// LookupIP 查询 A 或 AAAA 记录
func (r *Resolver) LookupIP(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	answer, err := r.query(ctx, host, qtype)
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, rr := range answer {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A)
		case *dns.AAAA:
			out = append(out, v.AAAA)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRecordsFound
	}
	return out, nil
}

// query 依次询问各服务器；截断的 UDP 响应改用 TCP 重试
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.udp.ExchangeContext(ctx, m, server)
		if err == nil && in.Truncated {
			in, _, err = r.tcp.ExchangeContext(ctx, m, server)
		}
		if err != nil {
			lastErr = err
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
			return in.Answer, nil
		case dns.RcodeNameError:
			return nil, ErrNoRecordsFound
		default:
			lastErr = fmt.Errorf("dns: %s for %s", dns.RcodeToString[in.Rcode], name)
		}
	}
	return nil, lastErr
}

// ParseDNSAddr 解析 "dnsaddr=<multiaddr>" 记录
func ParseDNSAddr(record string) (ma.Multiaddr, error) {
	s, ok := strings.CutPrefix(record, DNSAddrPrefix)
	if !ok || s == "" {
		return nil, ErrInvalidDNSAddr
	}
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDNSAddr, err)
	}
	return addr, nil
}
