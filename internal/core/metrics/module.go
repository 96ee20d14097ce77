package metrics

import (
	"context"

	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
)

// Module 提供 *Metrics；metrics.enable 为 false 时为 nil
func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(provide),
	)
}

func provide(lc fx.Lifecycle, cfg *config.Config) *Metrics {
	if !cfg.Metrics.Enable {
		return nil
	}
	m := New()
	addr := cfg.Metrics.ListenAddr
	if addr == "" {
		return m
	}
	var srv *Server
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var err error
			srv, err = m.Serve(addr)
			return err
		},
		OnStop: func(ctx context.Context) error {
			if srv == nil {
				return nil
			}
			return srv.Close(ctx)
		},
	})
	return m
}
