package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// 环境变量名
const (
	EnvLevel     = "VOID_LOG_LEVEL"
	EnvFormat    = "VOID_LOG_FORMAT"
	EnvAddSource = "VOID_LOG_ADD_SOURCE"
)

// LogFormat 日志输出格式
type LogFormat int

const (
	// FormatText 文本格式（默认）
	FormatText LogFormat = iota
	// FormatJSON JSON 格式
	FormatJSON
)

// Config 日志配置
type Config struct {
	DefaultLevel slog.Level

	// SubsystemLevels 单独指定的子系统级别
	SubsystemLevels map[string]slog.Level

	Format    LogFormat
	AddSource bool
}

// LevelForSubsystem 子系统的生效级别
func (c *Config) LevelForSubsystem(subsystem string) slog.Level {
	configMu.RLock()
	defer configMu.RUnlock()
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

var (
	configCache *Config
	configOnce  sync.Once
	configMu    sync.RWMutex
)

// ConfigFromEnv 从环境变量解析配置（只解析一次）
//
//   - VOID_LOG_LEVEL: 子系统=级别,...,默认级别，例如 dht=debug,transport=warn,info
//   - VOID_LOG_FORMAT: text 或 json
//   - VOID_LOG_ADD_SOURCE: true 或 false
func ConfigFromEnv() *Config {
	configOnce.Do(func() {
		configCache = parseConfig(os.Getenv)
	})
	return configCache
}

func parseConfig(getenv func(string) string) *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
		Format:          FormatText,
	}

	if s := getenv(EnvLevel); s != "" {
		parseLevelConfig(cfg, s)
	}
	if strings.EqualFold(getenv(EnvFormat), "json") {
		cfg.Format = FormatJSON
	}
	if s := getenv(EnvAddSource); s != "" {
		cfg.AddSource = s != "false" && s != "0"
	}
	return cfg
}

// parseLevelConfig 解析 "dht=debug,transport=warn,info"
func parseLevelConfig(cfg *Config, s string) {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if name, lvl, ok := strings.Cut(part, "="); ok {
			if level, err := ParseLevel(lvl); err == nil {
				cfg.SubsystemLevels[strings.TrimSpace(name)] = level
			}
			continue
		}
		if level, err := ParseLevel(part); err == nil {
			cfg.DefaultLevel = level
		}
	}
}

// ParseLevel 解析级别名称
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// ResetConfig 重置配置缓存（仅用于测试）
func ResetConfig() {
	configOnce = sync.Once{}
	configCache = nil
}
