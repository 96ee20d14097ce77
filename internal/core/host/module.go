package host

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/swarm"
	"github.com/void-p2p/go-void/pkg/interfaces"
)

// Params 依赖
type Params struct {
	fx.In

	Config *config.Config
	Swarm  *swarm.Swarm
}

// Module 提供 *Host 与 interfaces.Host，启动时按配置监听
func Module() fx.Option {
	return fx.Module("host",
		fx.Provide(
			provide,
			func(h *Host) interfaces.Host { return h },
		),
	)
}

func provide(lc fx.Lifecycle, p Params) (*Host, error) {
	addrs, err := ParseAddrs(p.Config.Transport.DefaultListenAddrs())
	if err != nil {
		return nil, fmt.Errorf("listen addrs: %w", err)
	}

	h := New(p.Swarm, Config{
		NegotiationTimeout: p.Config.Transport.NegotiationTimeout.Duration(),
	})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return h.Listen(addrs...)
		},
		OnStop: func(context.Context) error {
			return h.Close()
		},
	})
	return h, nil
}

// ParseAddrs 解析 multiaddr 文本列表
func ParseAddrs(ss []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(ss))
	for _, s := range ss {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}
