// Package protocol 组装应用层消息协议
//
//	signaling  /void/signaling/1.0.0 请求/响应
//	pubsub     /meshsub/1.1.0 gossip（已接入，没有命令使用）
package protocol

import (
	"context"

	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/protocol/pubsub"
	"github.com/void-p2p/go-void/internal/protocol/signaling"
)

// Params 依赖
type Params struct {
	fx.In

	Config   *config.Config
	Host     *host.Host
	Identity *identity.Identity
}

// Result 输出；未启用 gossip 时 PubSub 为 nil
type Result struct {
	fx.Out

	Signaling *signaling.Service
	PubSub    *pubsub.Router
}

// Module 消息协议 fx 模块
func Module() fx.Option {
	return fx.Module("messaging",
		fx.Provide(provide),
	)
}

func provide(lc fx.Lifecycle, p Params) Result {
	mc := p.Config.Messaging
	res := Result{
		Signaling: signaling.New(p.Host, signaling.Config{
			RequestTimeout: mc.Signaling.RequestTimeout.Duration(),
			MaxMessageSize: mc.Signaling.MaxMessageSize,
		}),
	}
	if mc.EnablePubSub {
		pc := mc.PubSub
		res.PubSub = pubsub.New(p.Host, p.Identity, pubsub.Config{
			D:                 pc.D,
			Dlo:               pc.Dlo,
			Dhi:               pc.Dhi,
			HeartbeatInterval: pc.HeartbeatInterval.Duration(),
			HistoryLength:     pc.HistoryLength,
			HistoryGossip:     pc.HistoryGossip,
			SeenTTL:           pc.SeenTTL.Duration(),
			StrictSigning:     pc.StrictSigning,
			MaxMessageSize:    pc.MaxMessageSize,
		})
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			res.Signaling.Start(context.Background())
			if res.PubSub != nil {
				res.PubSub.Start(context.Background())
			}
			return nil
		},
		OnStop: func(context.Context) error {
			if res.PubSub != nil {
				res.PubSub.Stop()
			}
			res.Signaling.Stop()
			return nil
		},
	})
	return res
}
