package config

import (
	"fmt"
	"time"
)

// NATConfig NAT 检测与穿透配置
type NATConfig struct {
	EnableAutoNAT bool          `json:"enable_autonat"`
	AutoNAT       AutoNATConfig `json:"autonat"`

	EnableHolePunch bool            `json:"enable_holepunch"`
	HolePunch       HolePunchConfig `json:"holepunch"`

	// 端口映射
	EnableUPnP      bool     `json:"enable_upnp"`
	EnableNATPMP    bool     `json:"enable_natpmp"`
	PortMapTimeout  Duration `json:"portmap_timeout"`
	PortMapLifetime Duration `json:"portmap_lifetime"`

	// STUN 用于获取 UDP 外部映射地址，作为打洞候选
	EnableSTUN  bool     `json:"enable_stun"`
	STUNServers []string `json:"stun_servers,omitempty"`
	STUNTimeout Duration `json:"stun_timeout"`
}

// AutoNATConfig AutoNAT 配置
type AutoNATConfig struct {
	// ProbeInterval 探测间隔
	ProbeInterval Duration `json:"probe_interval"`

	// BootDelay 首次探测前的等待
	BootDelay Duration `json:"boot_delay"`

	// ConfidenceThreshold 状态翻转所需的连续一致结果数
	ConfidenceThreshold int `json:"confidence_threshold"`

	// EnableServer 为其他节点提供回拨服务
	EnableServer bool `json:"enable_server"`

	// ServerRateLimit 回拨服务每秒请求数
	ServerRateLimit float64 `json:"server_rate_limit"`

	// ServerBurst 回拨服务突发上限
	ServerBurst int `json:"server_burst"`

	// DialBackTimeout 服务端回拨超时
	DialBackTimeout Duration `json:"dial_back_timeout"`
}

// HolePunchConfig DCUtR 配置
type HolePunchConfig struct {
	// MaxAttempts 最大尝试次数
	MaxAttempts int `json:"max_attempts"`

	// StreamTimeout CONNECT/SYNC 交换超时
	StreamTimeout Duration `json:"stream_timeout"`

	// DialTimeout 同时拨号超时
	DialTimeout Duration `json:"dial_timeout"`
}

// DefaultNATConfig 默认 NAT 配置
func DefaultNATConfig() NATConfig {
	return NATConfig{
		EnableAutoNAT: true,
		AutoNAT: AutoNATConfig{
			ProbeInterval:       Duration(15 * time.Second),
			BootDelay:           Duration(5 * time.Second),
			ConfidenceThreshold: 3,
			EnableServer:        true,
			ServerRateLimit:     1,
			ServerBurst:         5,
			DialBackTimeout:     Duration(15 * time.Second),
		},

		EnableHolePunch: true,
		HolePunch: HolePunchConfig{
			MaxAttempts:   3,
			StreamTimeout: Duration(60 * time.Second),
			DialTimeout:   Duration(5 * time.Second),
		},

		EnableUPnP:      false,
		EnableNATPMP:    false,
		PortMapTimeout:  Duration(5 * time.Second),
		PortMapLifetime: Duration(time.Hour),

		EnableSTUN: false,
		STUNServers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
		},
		STUNTimeout: Duration(5 * time.Second),
	}
}

// Validate 校验 NAT 配置
func (c NATConfig) Validate() error {
	if c.EnableAutoNAT {
		if c.AutoNAT.ProbeInterval <= 0 {
			return fmt.Errorf("autonat.probe_interval: %w", ErrNonPositive)
		}
		if c.AutoNAT.ConfidenceThreshold <= 0 {
			return fmt.Errorf("autonat.confidence_threshold: %w", ErrNonPositive)
		}
		if c.AutoNAT.EnableServer && (c.AutoNAT.ServerRateLimit <= 0 || c.AutoNAT.ServerBurst <= 0) {
			return fmt.Errorf("autonat server rate: %w", ErrNonPositive)
		}
	}
	if c.EnableHolePunch && c.HolePunch.MaxAttempts <= 0 {
		return fmt.Errorf("holepunch.max_attempts: %w", ErrNonPositive)
	}
	if c.EnableSTUN && len(c.STUNServers) == 0 {
		return fmt.Errorf("stun enabled without servers")
	}
	return nil
}
