package void

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/core/metrics"
	"github.com/void-p2p/go-void/internal/core/nat"
	"github.com/void-p2p/go-void/internal/core/peerstore"
	coreprotocol "github.com/void-p2p/go-void/internal/core/protocol"
	"github.com/void-p2p/go-void/internal/core/relay"
	"github.com/void-p2p/go-void/internal/core/relay/client"
	"github.com/void-p2p/go-void/internal/core/storage/badger"
	"github.com/void-p2p/go-void/internal/core/storage/sqlite"
	"github.com/void-p2p/go-void/internal/core/swarm"
	"github.com/void-p2p/go-void/internal/core/transport"
	"github.com/void-p2p/go-void/internal/discovery"
	"github.com/void-p2p/go-void/internal/discovery/dht"
	messaging "github.com/void-p2p/go-void/internal/protocol"
	"github.com/void-p2p/go-void/internal/protocol/signaling"
	"github.com/void-p2p/go-void/internal/util/logger"
)

var fxLogger = logger.Logger("void/fx")

// buildFxApp 构建 Fx 应用
//
// 加载顺序（按依赖）：
//  1. Identity → Peerstore → Transport(+Upgrader) → Swarm → Host
//  2. identify / ping
//  3. Relay → NAT → Discovery(DNS, mDNS, DHT, Bootstrap)
//  4. Signaling / PubSub
//  5. Metrics、消息历史
func buildFxApp(cfg *nodeConfig, node *Node) (*fx.App, error) {
	// ════════════════════════════════════════════════════════════════════════
	// 1. 配置验证（前置）
	// ════════════════════════════════════════════════════════════════════════
	c := cfg.config
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if !hasAnyTransport(c) {
		return nil, config.ErrNoTransport
	}

	// ════════════════════════════════════════════════════════════════════════
	// 2. 核心模块（必须加载）
	// ════════════════════════════════════════════════════════════════════════
	modules := []fx.Option{
		fx.Supply(c),

		identity.Module(),
		peerstore.Module(),
		transport.Module(),
		swarm.Module(),
		host.Module(),

		// identify 与 ping 依赖 Host
		coreprotocol.Module(),
	}

	// ════════════════════════════════════════════════════════════════════════
	// 3. 连通性与发现
	// ════════════════════════════════════════════════════════════════════════
	// 电路传输总是装配：出站中继拨号不依赖预约
	modules = append(modules,
		relay.Module(),
		nat.Module(),
		discovery.Module(),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 4. 消息协议
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, messaging.Module())

	// ════════════════════════════════════════════════════════════════════════
	// 5. 指标与消息历史
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		metrics.Module(),
		fx.Invoke(registerGauges),
	)
	if cfg.sink != nil {
		sink := cfg.sink
		modules = append(modules, fx.Provide(func() MessageSink { return sink }))
	} else {
		modules = append(modules, fx.Provide(provideSink))
	}

	// ════════════════════════════════════════════════════════════════════════
	// 6. 用户扩展（Fx Options）
	// ════════════════════════════════════════════════════════════════════════
	if len(cfg.userFxOptions) > 0 {
		modules = append(modules, cfg.userFxOptions...)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 7. Node 组件注入
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, fx.Invoke(injectNodeComponents(node)))

	// ════════════════════════════════════════════════════════════════════════
	// 8. Fx 配置
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		// 禁用 Fx 日志输出（避免干扰用户日志）
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
	)

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	return app, nil
}

// hasAnyTransport 检查是否启用任何传输协议
func hasAnyTransport(cfg *config.Config) bool {
	return cfg.Transport.EnableQUIC ||
		cfg.Transport.EnableTCP ||
		cfg.Transport.EnableWebSocket
}

// ════════════════════════════════════════════════════════════════════════════
// 组件注入辅助函数
// ════════════════════════════════════════════════════════════════════════════

// nodeInjectParams Node 组件注入参数
type nodeInjectParams struct {
	fx.In

	Host      *host.Host
	Signaling *signaling.Service

	// 未启用时为 nil
	Metrics     *metrics.Metrics
	Sink        MessageSink
	DHT         *dht.DHT
	RelayClient *client.Client
}

// injectNodeComponents 创建 Node 组件注入函数
func injectNodeComponents(node *Node) interface{} {
	return func(p nodeInjectParams) {
		node.host = p.Host
		node.signaling = p.Signaling
		node.metrics = p.Metrics
		node.sink = p.Sink
		node.dht = p.DHT
		node.relay = p.RelayClient
	}
}

// registerGauges 注册按需取值的指标
func registerGauges(m *metrics.Metrics, h *host.Host, d *dht.DHT) error {
	if m == nil {
		return nil
	}
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"peers", "Connected peers", func() float64 { return float64(len(h.Peers())) }},
		{"events_dropped", "Engine events dropped because the bridge lagged", func() float64 {
			return float64(h.DroppedEvents())
		}},
		{"dht_routing_table_size", "Peers in the Kademlia routing table", func() float64 {
			if d == nil {
				return 0
			}
			return float64(d.RoutingTable().Size())
		}},
	}
	for _, g := range gauges {
		if err := m.RegisterGaugeFunc(g.name, g.help, g.fn); err != nil {
			return fmt.Errorf("register %s: %w", g.name, err)
		}
	}
	return nil
}

// provideSink 按 config.Storage 打开消息历史
func provideSink(lc fx.Lifecycle, c *config.Config) (MessageSink, error) {
	sc := c.Storage
	var (
		store interface {
			MessageSink
			Close() error
		}
		err error
	)
	switch sc.Backend {
	case config.StorageNone:
		return nil, nil
	case config.StorageSQLite:
		store, err = sqlite.Open(sc.Path)
	case config.StorageBadger:
		store, err = badger.Open(badger.Options{Dir: sc.Path, GCInterval: sc.GCInterval.Duration()})
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, sc.Backend)
	}
	if err != nil {
		return nil, err
	}
	fxLogger.Debug("消息历史已打开", "backend", sc.Backend, "path", sc.Path)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}
