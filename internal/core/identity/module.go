package identity

import (
	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
)

// Module 提供 *Identity
func Module() fx.Option {
	return fx.Module("identity",
		fx.Provide(func(cfg *config.Config) (*Identity, error) {
			return LoadOrGenerate(cfg.Identity.KeyFile)
		}),
	)
}
