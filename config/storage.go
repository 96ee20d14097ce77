package config

import (
	"fmt"
	"time"
)

// 存储后端
const (
	StorageSQLite = "sqlite"
	StorageBadger = "badger"
	StorageNone   = "none"
)

// StorageConfig 消息历史存储配置
type StorageConfig struct {
	// Backend sqlite / badger / none
	Backend string `json:"backend"`

	// Path sqlite 数据库文件或 badger 目录
	Path string `json:"path"`

	// GCInterval badger 值日志 GC 间隔
	GCInterval Duration `json:"gc_interval"`
}

// DefaultStorageConfig 默认存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:    StorageSQLite,
		Path:       "void_messages.db",
		GCInterval: Duration(10 * time.Minute),
	}
}

// Validate 校验存储配置
func (c StorageConfig) Validate() error {
	switch c.Backend {
	case StorageNone:
		return nil
	case StorageSQLite, StorageBadger:
		if c.Path == "" {
			return fmt.Errorf("%s backend requires path", c.Backend)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
}
