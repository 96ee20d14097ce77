// Package protocol 组装系统协议
//
//	identify  /ipfs/id/1.0.0  交换公钥、监听地址、协议列表与观测地址
//	ping      /ipfs/ping/1.0.0  存活探测与 RTT
//
// 两者在每个节点上都启用，不受配置开关影响。
package protocol

import (
	"context"

	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/core/protocol/system/identify"
	"github.com/void-p2p/go-void/internal/core/protocol/system/ping"
)

// Params 依赖
type Params struct {
	fx.In

	Config   *config.Config
	Host     *host.Host
	Identity *identity.Identity
}

// Result 输出
type Result struct {
	fx.Out

	Identify *identify.Service
	Ping     *ping.Service
}

// Module 系统协议 fx 模块
func Module() fx.Option {
	return fx.Module("protocol",
		fx.Provide(provide),
		fx.Invoke(func(*identify.Service) {}),
	)
}

func provide(lc fx.Lifecycle, p Params) Result {
	mc := p.Config.Messaging
	res := Result{
		Identify: identify.NewService(p.Host, p.Identity.PublicKey(), identify.Config{
			AgentVersion:    mc.AgentVersion,
			ProtocolVersion: mc.ProtocolVersion,
		}),
		Ping: ping.NewService(p.Host, mc.Ping.Interval.Duration(), mc.Ping.Timeout.Duration()),
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			res.Identify.Start(context.Background())
			res.Ping.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			res.Ping.Stop()
			res.Identify.Stop()
			return nil
		},
	})
	return res
}
