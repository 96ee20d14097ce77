package swarm

import (
	"context"

	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/discovery/dns"
	"github.com/void-p2p/go-void/pkg/interfaces"
)

// Params 依赖
type Params struct {
	fx.In

	Config     *config.Config
	Identity   *identity.Identity
	Peerstore  interfaces.Peerstore
	Transports []interfaces.Transport `group:"transports"`
	Resolver   *dns.Resolver          `optional:"true"`
}

// Module Swarm fx 模块
func Module() fx.Option {
	return fx.Module("swarm",
		fx.Provide(provide),
	)
}

func provide(lc fx.Lifecycle, p Params) *Swarm {
	opts := Options{
		DialTimeout: p.Config.Transport.DialTimeout.Duration(),
		IdleTimeout: p.Config.Transport.IdleTimeout.Duration(),
	}
	if p.Resolver != nil {
		opts.Resolver = p.Resolver
	}
	s := New(p.Identity.ID(), p.Peerstore, p.Transports, opts)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s
}
