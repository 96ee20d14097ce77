// Package relay 组装中继电路客户端与服务端
//
//	client  预约中继槽位、电路传输、处理 STOP
//	server  HOP 服务（relay.enable_server）
package relay

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/relay/client"
	"github.com/void-p2p/go-void/internal/core/relay/server"
	"github.com/void-p2p/go-void/internal/core/upgrader"
	"github.com/void-p2p/go-void/pkg/types"
)

// Params 依赖
type Params struct {
	fx.In

	Config   *config.Config
	Host     *host.Host
	Upgrader *upgrader.Upgrader
}

// Result 输出；未启用的一侧为 nil
type Result struct {
	fx.Out

	Client *client.Client
	Server *server.Server
}

// Module 中继 fx 模块
func Module() fx.Option {
	return fx.Module("relay",
		fx.Provide(provide),
	)
}

func provide(lc fx.Lifecycle, p Params) (Result, error) {
	rc := p.Config.Relay
	var res Result

	// 电路传输总是启用，出站中继拨号不依赖预约
	statics, err := ParseRelays(rc.StaticRelays)
	if err != nil {
		return Result{}, err
	}
	maxRes := 0
	if rc.EnableClient {
		maxRes = rc.Client.MaxReservations
	}
	res.Client = client.New(p.Host, p.Upgrader, client.Config{
		StaticRelays:    statics,
		MaxReservations: maxRes,
		RenewBefore:     rc.Client.RenewBefore.Duration(),
		RetryInterval:   rc.Client.RetryInterval.Duration(),
	})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return res.Client.Start(context.Background())
		},
		OnStop: func(context.Context) error {
			res.Client.Stop()
			return nil
		},
	})

	if rc.EnableServer {
		sc := rc.Server
		res.Server = server.New(p.Host, server.Config{
			MaxReservations:    sc.MaxReservations,
			MaxCircuits:        sc.MaxCircuits,
			MaxCircuitsPerPeer: sc.MaxCircuitsPerPeer,
			ReservationTTL:     sc.ReservationTTL.Duration(),
			CircuitDuration:    sc.CircuitDuration.Duration(),
			CircuitData:        sc.CircuitData,
			ReservationRate:    sc.ReservationRate,
		})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				res.Server.Start(context.Background())
				return nil
			},
			OnStop: func(context.Context) error {
				res.Server.Stop()
				return nil
			},
		})
	}
	return res, nil
}

// ParseRelays 解析带 /p2p/<id> 的中继地址，同一中继的地址合并
func ParseRelays(ss []string) ([]types.AddrInfo, error) {
	var out []types.AddrInfo
	index := make(map[types.PeerID]int)
	for _, s := range ss {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("relay %q: %w", s, err)
		}
		ai, err := types.AddrInfoFromP2pAddr(a)
		if err != nil {
			return nil, fmt.Errorf("relay %q: %w", s, err)
		}
		if i, ok := index[ai.ID]; ok {
			out[i].Addrs = append(out[i].Addrs, ai.Addrs...)
			continue
		}
		index[ai.ID] = len(out)
		out = append(out, *ai)
	}
	return out, nil
}
