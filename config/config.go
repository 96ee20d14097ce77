// Package config 提供 VOID 节点的配置
//
// 主 Config 由各子配置组成，每个子配置在独立文件中定义，
// 支持 JSON 加载/保存与预设：
//
//	cfg := config.NewConfig()
//	cfg.Transport.ListenPort = 4001
//	cfg.Relay.EnableServer = true
//
//	cfg, err := config.LoadFile("void.json")
package config

import "fmt"

// Config VOID 节点完整配置
type Config struct {
	// Identity 身份与密钥
	Identity IdentityConfig `json:"identity"`

	// Transport TCP / QUIC / WebSocket 传输
	Transport TransportConfig `json:"transport"`

	// Discovery mDNS / DHT / 引导节点
	Discovery DiscoveryConfig `json:"discovery"`

	// NAT AutoNAT / 打洞 / 端口映射
	NAT NATConfig `json:"nat"`

	// Relay 中继客户端与服务端
	Relay RelayConfig `json:"relay"`

	// Messaging 信令 / gossip / ping / identify
	Messaging MessagingConfig `json:"messaging"`

	// Storage 消息历史存储
	Storage StorageConfig `json:"storage"`

	// Metrics Prometheus 指标
	Metrics MetricsConfig `json:"metrics"`

	// LogLevel 全局日志级别（debug/info/warn/error），空值表示沿用 VOID_LOG_LEVEL
	LogLevel string `json:"log_level,omitempty"`
}

// NewConfig 返回默认配置
func NewConfig() *Config {
	return &Config{
		Identity:  DefaultIdentityConfig(),
		Transport: DefaultTransportConfig(),
		Discovery: DefaultDiscoveryConfig(),
		NAT:       DefaultNATConfig(),
		Relay:     DefaultRelayConfig(),
		Messaging: DefaultMessagingConfig(),
		Storage:   DefaultStorageConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// Validate 校验所有子配置
func (c *Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"identity", c.Identity.Validate},
		{"transport", c.Transport.Validate},
		{"discovery", c.Discovery.Validate},
		{"nat", c.NAT.Validate},
		{"relay", c.Relay.Validate},
		{"messaging", c.Messaging.Validate},
		{"storage", c.Storage.Validate},
		{"metrics", c.Metrics.Validate},
	}
	for _, chk := range checks {
		if err := chk.fn(); err != nil {
			return fmt.Errorf("%s: %w", chk.name, err)
		}
	}

	// 中继服务端要求至少一个面向连接的传输
	if c.Relay.EnableServer && !c.Transport.EnableTCP && !c.Transport.EnableQUIC {
		return fmt.Errorf("relay: %w", ErrRelayServerNeedsTransport)
	}
	return nil
}
