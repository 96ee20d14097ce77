// Package nat 组装 NAT 检测与穿透
//
//	autonat    可达性检测与回拨服务
//	holepunch  经中继协调的直连升级（DCUtR）
//	portmap    UPnP / NAT-PMP 端口映射
//	stun       UDP 外部地址发现
//
// 端口映射与 STUN 只产生候选地址，由 AutoNAT 验证后才成为外部地址。
package nat

import (
	"context"

	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/nat/autonat"
	"github.com/void-p2p/go-void/internal/core/nat/holepunch"
	"github.com/void-p2p/go-void/internal/core/nat/portmap"
	"github.com/void-p2p/go-void/internal/core/nat/stun"
	"github.com/void-p2p/go-void/pkg/interfaces"
)

// Params 依赖
type Params struct {
	fx.In

	Config     *config.Config
	Host       *host.Host
	Transports []interfaces.Transport `group:"transports"`
}

// Result 输出；未启用的组件为 nil
type Result struct {
	fx.Out

	AutoNAT       *autonat.Client
	AutoNATServer *autonat.Server
	HolePunch     *holepunch.Service
	PortMap       *portmap.Service
	STUN          *stun.Service
}

// Module NAT fx 模块
func Module() fx.Option {
	return fx.Module("nat",
		fx.Provide(provide),
		// 无下游依赖，显式实例化
		fx.Invoke(func(*autonat.Client) {}),
	)
}

// service 可启停的组件
type service interface {
	Start(ctx context.Context)
	Stop()
}

func provide(lc fx.Lifecycle, p Params) Result {
	nc := p.Config.NAT
	h := p.Host
	var (
		res      Result
		services []service
	)

	if nc.EnableUPnP || nc.EnableNATPMP {
		var mappers []portmap.Mapper
		if nc.EnableUPnP {
			mappers = append(mappers, portmap.NewUPnP())
		}
		if nc.EnableNATPMP {
			mappers = append(mappers, portmap.NewNATPMP(nc.PortMapTimeout.Duration()))
		}
		res.PortMap = portmap.New(h, portmap.Config{
			Lifetime: nc.PortMapLifetime.Duration(),
			Timeout:  nc.PortMapTimeout.Duration(),
		}, mappers...)
		services = append(services, res.PortMap)
	}

	if nc.EnableSTUN && len(nc.STUNServers) > 0 {
		res.STUN = stun.NewService(h, stun.NewClient(nc.STUNServers, nc.STUNTimeout.Duration()), 0)
		services = append(services, res.STUN)
	}

	ac := nc.AutoNAT
	if nc.EnableAutoNAT {
		res.AutoNAT = autonat.NewClient(h, autonat.Config{
			ProbeInterval:       ac.ProbeInterval.Duration(),
			BootDelay:           ac.BootDelay.Duration(),
			ConfidenceThreshold: ac.ConfidenceThreshold,
			Candidates:          h.PublicCandidateAddrs,
		})
		services = append(services, res.AutoNAT)
	}
	if ac.EnableServer {
		res.AutoNATServer = autonat.NewServer(h, autonat.ServerConfig{
			RateLimit:   ac.ServerRateLimit,
			Burst:       ac.ServerBurst,
			DialTimeout: ac.DialBackTimeout.Duration(),
		})
	}

	if nc.EnableHolePunch {
		var punchers []holepunch.Puncher
		for _, t := range p.Transports {
			if pu, ok := t.(holepunch.Puncher); ok {
				punchers = append(punchers, pu)
			}
		}
		hc := nc.HolePunch
		res.HolePunch = holepunch.New(h, holepunch.Config{
			MaxAttempts:   hc.MaxAttempts,
			StreamTimeout: hc.StreamTimeout.Duration(),
			DialTimeout:   hc.DialTimeout.Duration(),
			Punchers:      punchers,
			Addrs:         h.PublicCandidateAddrs,
		})
		services = append(services, res.HolePunch)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if res.AutoNATServer != nil {
				res.AutoNATServer.Start()
			}
			for _, s := range services {
				s.Start(context.Background())
			}
			return nil
		},
		OnStop: func(context.Context) error {
			for i := len(services) - 1; i >= 0; i-- {
				services[i].Stop()
			}
			if res.AutoNATServer != nil {
				res.AutoNATServer.Stop()
			}
			return nil
		},
	})
	return res
}
