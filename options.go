package void

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/pkg/types"
)

// Option 节点配置选项
type Option func(*nodeConfig) error

// nodeConfig 内部选项结构
type nodeConfig struct {
	config *config.Config

	notifier Notifier

	// sink 宿主提供的消息历史；为 nil 时按 config.Storage 打开
	sink MessageSink

	// dialOnStart 启动后立即拨号的地址
	dialOnStart []ma.Multiaddr

	// 用户自定义 fx 选项
	userFxOptions []fx.Option
}

func newNodeConfig() *nodeConfig {
	return &nodeConfig{config: config.NewConfig()}
}

// apply 依次应用选项
func (c *nodeConfig) apply(opts ...Option) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
//                              配置选项
// ============================================================================

// WithConfig 使用完整配置替换默认配置
//
// 会覆盖之前选项对配置的修改，应放在其他选项之前：
//
//	void.New(void.WithConfig(cfg), void.WithListenPort(4001))
func WithConfig(cfg *config.Config) Option {
	return func(c *nodeConfig) error {
		if cfg == nil {
			return config.ErrNilConfig
		}
		c.config = config.Clone(cfg)
		return nil
	}
}

// WithPreset 应用预设（client / relay / minimal）
func WithPreset(name string) Option {
	return func(c *nodeConfig) error {
		return config.ApplyPreset(c.config, name)
	}
}

// WithListenPort TCP 与 QUIC 监听端口，0 表示随机
func WithListenPort(port int) Option {
	return func(c *nodeConfig) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("无效的端口号: %d", port)
		}
		c.config.Transport.ListenPort = port
		return nil
	}
}

// WithListenAddrs 显式监听地址，覆盖 WithListenPort
func WithListenAddrs(addrs ...string) Option {
	return func(c *nodeConfig) error {
		for _, a := range addrs {
			if _, err := ma.NewMultiaddr(a); err != nil {
				return fmt.Errorf("listen addr %q: %w", a, err)
			}
		}
		c.config.Transport.ListenAddrs = addrs
		return nil
	}
}

// WithIdentityKeyFile 从文件加载身份，文件不存在时生成并写入
func WithIdentityKeyFile(path string) Option {
	return func(c *nodeConfig) error {
		c.config.Identity = c.config.Identity.WithKeyFile(path)
		return nil
	}
}

// ============================================================================
//                              发现与中继
// ============================================================================

// WithBootstrapPeers 替换引导节点
//
// 地址必须带 /p2p/<id>；不传参数表示不使用引导节点。
func WithBootstrapPeers(peers ...string) Option {
	return func(c *nodeConfig) error {
		for _, p := range peers {
			a, err := ma.NewMultiaddr(p)
			if err != nil {
				return fmt.Errorf("invalid bootstrap peer %q: %w", p, err)
			}
			if _, id := types.SplitP2PAddr(a); id.IsEmpty() {
				return fmt.Errorf("invalid bootstrap peer %q: %w", p, ErrMissingPeerID)
			}
			if types.IsRelayAddr(a) {
				return fmt.Errorf("invalid bootstrap peer %q: relay circuit address not allowed", p)
			}
		}
		c.config.Discovery = c.config.Discovery.WithBootstrapPeers(peers)
		c.config.Discovery.EnableBootstrap = len(peers) > 0
		return nil
	}
}

// WithMDNS 启用/禁用局域网发现
func WithMDNS(enable bool) Option {
	return func(c *nodeConfig) error {
		c.config.Discovery.EnableMDNS = enable
		return nil
	}
}

// WithRelayServer 为其他节点提供中继服务
func WithRelayServer(enable bool) Option {
	return func(c *nodeConfig) error {
		c.config.Relay.EnableServer = enable
		return nil
	}
}

// WithStaticRelays 优先预约的中继地址（须带 /p2p/<id>）
func WithStaticRelays(relays ...string) Option {
	return func(c *nodeConfig) error {
		c.config.Relay.StaticRelays = relays
		return nil
	}
}

// WithDial 启动后立即拨号（须带 /p2p/<id>）
func WithDial(addrs ...string) Option {
	return func(c *nodeConfig) error {
		for _, s := range addrs {
			a, err := ma.NewMultiaddr(s)
			if err != nil {
				return fmt.Errorf("dial %q: %w", s, err)
			}
			if _, id := types.SplitP2PAddr(a); id.IsEmpty() {
				return fmt.Errorf("dial %q: %w", s, ErrMissingPeerID)
			}
			c.dialOnStart = append(c.dialOnStart, a)
		}
		return nil
	}
}

// ============================================================================
//                              宿主协作方
// ============================================================================

// WithNotifier 事件接收方
func WithNotifier(n Notifier) Option {
	return func(c *nodeConfig) error {
		c.notifier = n
		return nil
	}
}

// WithSink 使用宿主提供的消息历史，不再按 config.Storage 打开存储
func WithSink(s MessageSink) Option {
	return func(c *nodeConfig) error {
		c.sink = s
		return nil
	}
}

// WithStorage 消息历史后端（sqlite / badger / none）与路径
func WithStorage(backend, path string) Option {
	return func(c *nodeConfig) error {
		c.config.Storage.Backend = backend
		if path != "" {
			c.config.Storage.Path = path
		}
		return nil
	}
}

// WithMetrics 启用指标；addr 非空时通过 HTTP 暴露 /metrics
func WithMetrics(enable bool, addr string) Option {
	return func(c *nodeConfig) error {
		c.config.Metrics.Enable = enable
		c.config.Metrics.ListenAddr = addr
		return nil
	}
}

// WithFxOption 追加 fx 选项（测试与扩展）
func WithFxOption(opts ...fx.Option) Option {
	return func(c *nodeConfig) error {
		c.userFxOptions = append(c.userFxOptions, opts...)
		return nil
	}
}
