package config

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// Enable 采集指标
	Enable bool `json:"enable"`

	// ListenAddr promhttp 暴露地址，例如 "127.0.0.1:9090"；为空时只采集不暴露
	ListenAddr string `json:"listen_addr,omitempty"`
}

// DefaultMetricsConfig 默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enable: true}
}

// Validate 校验指标配置
func (c MetricsConfig) Validate() error {
	return nil
}
