// Package app 组装 void 命令行
//
//	void [--port N] [--db PATH] [--dial CODE]     交互式控制台
//	void relay [--port N]                         公网中继 / 引导节点
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	void "github.com/void-p2p/go-void"
	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/voidcode"
)

// flags 全局参数
type flags struct {
	port        int
	db          string
	storage     string
	dial        string
	configFile  string
	logLevel    string
	keyFile     string
	relayServer bool
	metricsAddr string
}

// Instance 构建 cli.App
func Instance() *cli.App {
	f := &flags{
		db:      "void_messages.db",
		storage: config.StorageSQLite,
	}
	return &cli.App{
		Name:  "void",
		Usage: "VOID 点对点信令节点",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "port",
				Usage:       "TCP/QUIC 监听端口（0 = 随机端口）",
				EnvVars:     []string{"VOID_PORT"},
				Destination: &f.port,
			},
			&cli.StringFlag{
				Name:        "db",
				Usage:       "消息历史路径（sqlite 文件或 badger 目录）",
				EnvVars:     []string{"VOID_DB"},
				Value:       f.db,
				Destination: &f.db,
			},
			&cli.StringFlag{
				Name:        "storage",
				Usage:       "消息历史后端: sqlite, badger, none",
				Value:       f.storage,
				Destination: &f.storage,
			},
			&cli.StringFlag{
				Name:        "dial",
				Usage:       "启动后连接的会合码（void://...）或 multiaddr",
				Destination: &f.dial,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "JSON 配置文件",
				Destination: &f.configFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "日志级别: debug, info, warn, error",
				EnvVars:     []string{"VOID_LOG_LEVEL"},
				Value:       "info",
				Destination: &f.logLevel,
			},
			&cli.StringFlag{
				Name:        "key-file",
				Usage:       "身份私钥文件，不存在时生成",
				Destination: &f.keyFile,
			},
			&cli.BoolFlag{
				Name:        "relay-server",
				Usage:       "同时为其他节点提供中继服务",
				Destination: &f.relayServer,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "Prometheus /metrics 监听地址，例如 127.0.0.1:9090",
				Destination: &f.metricsAddr,
			},
		},
		Before: func(*cli.Context) error {
			return logger.SetLevelString(f.logLevel)
		},
		Commands: []*cli.Command{
			relayCmd(f),
		},
		Action: func(c *cli.Context) error {
			opts, err := f.consoleOptions()
			if err != nil {
				return err
			}
			return runConsole(c.Context, c.App.Reader, c.App.Writer, opts)
		},
	}
}

// Run 执行命令行
func Run(ctx context.Context, args []string) error {
	return Instance().RunContext(ctx, args)
}

// baseConfig 读取配置文件，未指定时使用默认配置
func (f *flags) baseConfig() (*config.Config, error) {
	if f.configFile == "" {
		return config.NewConfig(), nil
	}
	return config.LoadFile(f.configFile)
}

// options 将命令行参数叠加到 cfg 之上
func (f *flags) options(cfg *config.Config) []void.Option {
	opts := []void.Option{void.WithConfig(cfg)}
	if f.port != 0 {
		opts = append(opts, void.WithListenPort(f.port))
	}
	if f.keyFile != "" {
		opts = append(opts, void.WithIdentityKeyFile(f.keyFile))
	}
	if f.relayServer {
		opts = append(opts, void.WithRelayServer(true))
	}
	if f.metricsAddr != "" {
		opts = append(opts, void.WithMetrics(true, f.metricsAddr))
	}
	return opts
}

// consoleOptions 控制台节点额外带消息历史与启动拨号
func (f *flags) consoleOptions() ([]void.Option, error) {
	cfg, err := f.baseConfig()
	if err != nil {
		return nil, err
	}
	opts := f.options(cfg)
	opts = append(opts, void.WithStorage(f.storage, f.db))
	if f.dial != "" {
		addr, err := dialTarget(f.dial)
		if err != nil {
			return nil, fmt.Errorf("--dial: %w", err)
		}
		opts = append(opts, void.WithDial(addr))
	}
	return opts, nil
}

// dialTarget 接受会合码或带 /p2p 的地址
func dialTarget(s string) (string, error) {
	if !strings.HasPrefix(s, voidcode.Scheme) {
		return s, nil
	}
	addr, err := voidcode.Decode(s)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}
