package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// FromJSON 从 JSON 创建配置，未出现的字段保持默认值
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// ToJSON 序列化配置
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// LoadFile 从文件加载并校验配置
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := FromJSON(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveFile 写入配置文件
func (c *Config) SaveFile(path string) error {
	data, err := c.ToJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Clone 深拷贝配置
func Clone(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

// ApplyPreset 应用预设
//
//   - "client": 默认桌面客户端
//   - "relay":  公网中继/引导节点，开启中继服务端，关闭中继客户端与 mDNS
//   - "minimal": 仅 TCP，无发现、无 NAT 服务（测试与本地调试）
func ApplyPreset(cfg *Config, name string) error {
	if cfg == nil {
		return ErrNilConfig
	}
	switch name {
	case "", "client":
		return nil
	case "relay":
		cfg.Relay.EnableServer = true
		cfg.Relay.EnableClient = false
		cfg.Discovery.EnableMDNS = false
		cfg.NAT.EnableHolePunch = false
		cfg.NAT.AutoNAT.EnableServer = true
		cfg.Storage.Backend = StorageNone
		if cfg.Transport.ListenPort == 0 {
			cfg.Transport.ListenPort = 4001
		}
		return nil
	case "minimal":
		cfg.Transport.EnableQUIC = false
		cfg.Transport.EnableWebSocket = false
		cfg.Discovery.EnableMDNS = false
		cfg.Discovery.EnableDHT = false
		cfg.Discovery.EnableBootstrap = false
		cfg.NAT.EnableAutoNAT = false
		cfg.NAT.EnableHolePunch = false
		cfg.Relay.EnableClient = false
		cfg.Messaging.EnablePubSub = false
		cfg.Storage.Backend = StorageNone
		cfg.Metrics.Enable = false
		return nil
	default:
		return fmt.Errorf("unknown preset: %s", name)
	}
}
