// Package logger 提供 VOID 的统一日志系统
//
// 基于标准库 log/slog：
//   - 每个子系统一个缓存的 Logger，级别可在运行时调整
//   - 环境变量配置（VOID_LOG_LEVEL, VOID_LOG_FORMAT, VOID_LOG_ADD_SOURCE）
//   - 输出目标可在 Logger 创建后切换
//
// 使用示例:
//
//	var log = logger.Logger("dht")
//
//	log.Info("路由表刷新", "peers", n)
//	log.Debug("查询节点", "peer", p.ShortString())
//
// 环境变量:
//
//	# 全局 info，dht 模块 debug
//	VOID_LOG_LEVEL=dht=debug,info
//
//	# JSON 输出
//	VOID_LOG_FORMAT=json
package logger

import (
	"io"
	"log/slog"
	"sync"
)

var (
	// loggers 子系统 Logger 缓存
	loggers sync.Map // map[string]*slog.Logger

	// levels 子系统级别变量，WithAttrs 派生出的 Handler 共享同一个
	levels sync.Map // map[string]*slog.LevelVar

	globalLogger     *slog.Logger
	globalLoggerOnce sync.Once
)

// Logger 获取子系统 Logger
//
// 同一子系统多次调用返回同一实例。
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := ConfigFromEnv()
	lv := levelVar(subsystem, cfg.LevelForSubsystem(subsystem))
	l := slog.New(newHandler(subsystem, lv, cfg))

	actual, _ := loggers.LoadOrStore(subsystem, l)
	return actual.(*slog.Logger)
}

func levelVar(subsystem string, initial slog.Level) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(initial)
	actual, _ := levels.LoadOrStore(subsystem, lv)
	return actual.(*slog.LevelVar)
}

// GlobalLogger 返回不属于特定子系统的 Logger
func GlobalLogger() *slog.Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = Logger("void")
	})
	return globalLogger
}

// SetLevel 运行时调整子系统级别
//
// 子系统尚未创建 Logger 时，级别在创建时生效。
func SetLevel(subsystem string, level slog.Level) {
	if lv, ok := levels.Load(subsystem); ok {
		lv.(*slog.LevelVar).Set(level)
		return
	}
	levelVar(subsystem, level).Set(level)
}

// SetGlobalLevel 调整所有子系统的级别，并作为之后新建 Logger 的默认级别
//
// 环境变量中单独指定的子系统级别不受影响。
func SetGlobalLevel(level slog.Level) {
	cfg := ConfigFromEnv()
	configMu.Lock()
	cfg.DefaultLevel = level
	configMu.Unlock()

	levels.Range(func(key, value any) bool {
		if _, pinned := cfg.SubsystemLevels[key.(string)]; !pinned {
			value.(*slog.LevelVar).Set(level)
		}
		return true
	})
}

// SetLevelString 按名称设置全局级别（供命令行 --log-level 使用）
func SetLevelString(name string) error {
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	SetGlobalLevel(level)
	return nil
}

// Discard 返回丢弃所有日志的 Logger（测试用）
func Discard() *slog.Logger {
	return slog.New(DiscardHandler())
}

// SetOutput 切换全局输出目标
//
// 已创建的 Logger 同样生效。
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()
}
