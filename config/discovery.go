package config

import (
	"fmt"
	"time"
)

// DefaultBootstrapPeers 公共引导节点
var DefaultBootstrapPeers = []string{
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmQCU2EcMqAqQPR2i9bChDtGNJchTbq5TbXJJ16u19uLTa",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmbLHAnMoJPWSCR5Zhtx6BHJX9CkJv68846kJcCPaQFjNA",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmcZf59bWwK5XFi76CZX8cbJ4BhTzzA3gU1Ubuu79rfVP3",
}

// DiscoveryConfig 节点发现配置
type DiscoveryConfig struct {
	EnableMDNS bool       `json:"enable_mdns"`
	MDNS       MDNSConfig `json:"mdns"`

	EnableDHT bool      `json:"enable_dht"`
	DHT       DHTConfig `json:"dht"`

	EnableBootstrap bool `json:"enable_bootstrap"`

	// BootstrapPeers 引导节点地址（须带 /p2p/<id>）
	BootstrapPeers []string `json:"bootstrap_peers,omitempty"`

	// ResolverAddr /dnsaddr 使用的 DNS 服务器，空值使用 /etc/resolv.conf
	ResolverAddr string `json:"resolver_addr,omitempty"`
}

// MDNSConfig 局域网发现配置
type MDNSConfig struct {
	// ServiceName mDNS 服务名
	ServiceName string `json:"service_name"`

	// Interval 查询间隔
	Interval Duration `json:"interval"`

	// TTL 发现记录有效期，超过未刷新即视为过期
	TTL Duration `json:"ttl"`
}

// DHTConfig Kademlia 配置
type DHTConfig struct {
	// BucketSize K 值
	BucketSize int `json:"bucket_size"`

	// Alpha 查询并发度
	Alpha int `json:"alpha"`

	// RefreshInterval 路由表自查询间隔
	RefreshInterval Duration `json:"refresh_interval"`

	// QueryTimeout 单次迭代查询超时
	QueryTimeout Duration `json:"query_timeout"`
}

// DefaultDiscoveryConfig 默认发现配置
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		EnableMDNS: true,
		MDNS: MDNSConfig{
			ServiceName: "_p2p._udp",
			Interval:    Duration(10 * time.Second),
			TTL:         Duration(2 * time.Minute),
		},

		EnableDHT: true,
		DHT: DHTConfig{
			BucketSize:      20,
			Alpha:           3,
			RefreshInterval: Duration(10 * time.Minute),
			QueryTimeout:    Duration(30 * time.Second),
		},

		EnableBootstrap: true,
		BootstrapPeers:  append([]string(nil), DefaultBootstrapPeers...),
	}
}

// Validate 校验发现配置
func (c DiscoveryConfig) Validate() error {
	if c.EnableMDNS {
		if c.MDNS.ServiceName == "" {
			return fmt.Errorf("mdns.service_name is empty")
		}
		if c.MDNS.Interval <= 0 {
			return fmt.Errorf("mdns.interval: %w", ErrNonPositive)
		}
	}
	if c.EnableDHT {
		if c.DHT.BucketSize <= 0 {
			return fmt.Errorf("dht.bucket_size: %w", ErrNonPositive)
		}
		if c.DHT.Alpha <= 0 {
			return fmt.Errorf("dht.alpha: %w", ErrNonPositive)
		}
		if c.DHT.QueryTimeout <= 0 {
			return fmt.Errorf("dht.query_timeout: %w", ErrNonPositive)
		}
	}
	return nil
}

// WithBootstrapPeers 替换引导节点
func (c DiscoveryConfig) WithBootstrapPeers(peers []string) DiscoveryConfig {
	c.BootstrapPeers = peers
	return c
}
