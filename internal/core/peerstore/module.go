package peerstore

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/void-p2p/go-void/pkg/interfaces"
)

// gcInterval 地址 GC 周期
const gcInterval = time.Minute

// Module 提供 *Peerstore 与 interfaces.Peerstore
func Module() fx.Option {
	return fx.Module("peerstore",
		fx.Provide(
			func() *Peerstore { return New(DefaultMaxPeers) },
			func(ps *Peerstore) interfaces.Peerstore { return ps },
		),
		fx.Invoke(registerGC),
	)
}

func registerGC(lc fx.Lifecycle, ps *Peerstore) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go ps.RunGC(ctx, gcInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// RunGC 周期执行 GC 直到 ctx 结束
func (ps *Peerstore) RunGC(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ps.GC()
		}
	}
}
