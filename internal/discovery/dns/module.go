package dns

import (
	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
)

// Module 提供 *Resolver
//
// 没有可用的 DNS 服务器时提供 nil，/dnsaddr 地址将无法拨号。
func Module() fx.Option {
	return fx.Module("dns",
		fx.Provide(func(cfg *config.Config) *Resolver {
			c := DefaultConfig()
			c.Server = cfg.Discovery.ResolverAddr
			r, err := New(c)
			if err != nil {
				log.Warn("DNS 解析器不可用", "err", err)
				return nil
			}
			return r
		}),
	)
}
