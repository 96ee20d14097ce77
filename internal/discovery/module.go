// Package discovery 组装节点发现
//
//	dns        /dnsaddr、/dns4、/dns6 解析（拨号时使用）
//	mdns       局域网发现
//	dht        Kademlia 路由表与按 ID 查找
//	bootstrap  引导节点
//
// 发现结果只写入地址簿与路由表，发送方从不同步等待发现。
// mDNS 与引导节点发现的节点同时进入 DHT 路由表；DHT 注入 Host 作为拨号时的地址查询。
package discovery

import (
	"context"

	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/discovery/bootstrap"
	"github.com/void-p2p/go-void/internal/discovery/dht"
	"github.com/void-p2p/go-void/internal/discovery/dns"
	"github.com/void-p2p/go-void/internal/discovery/mdns"
	"github.com/void-p2p/go-void/internal/util/logger"
	"github.com/void-p2p/go-void/pkg/types"
)

var log = logger.Logger("discovery")

// Params 依赖
type Params struct {
	fx.In

	Config *config.Config
	Host   *host.Host
}

// Result 输出；未启用的组件为 nil
type Result struct {
	fx.Out

	DHT       *dht.DHT
	MDNS      *mdns.Service
	Bootstrap *bootstrap.Service
}

// Module 发现 fx 模块（含 DNS 解析器）
func Module() fx.Option {
	return fx.Module("discovery",
		dns.Module(),
		fx.Provide(provide),
	)
}

type service interface {
	Start(ctx context.Context)
	Stop()
}

func provide(lc fx.Lifecycle, p Params) (Result, error) {
	dc := p.Config.Discovery
	h := p.Host
	var (
		res      Result
		services []service
	)

	if dc.EnableDHT {
		res.DHT = dht.New(h, dht.Config{
			BucketSize:      dc.DHT.BucketSize,
			Alpha:           dc.DHT.Alpha,
			RefreshInterval: dc.DHT.RefreshInterval.Duration(),
			QueryTimeout:    dc.DHT.QueryTimeout.Duration(),
		})
		services = append(services, res.DHT)
	}

	if dc.EnableMDNS {
		res.MDNS = mdns.New(h, mdns.Config{
			ServiceName: dc.MDNS.ServiceName,
			Interval:    dc.MDNS.Interval.Duration(),
			TTL:         dc.MDNS.TTL.Duration(),
		})
		if res.DHT != nil {
			d, ttl := res.DHT, dc.MDNS.TTL.Duration()
			res.MDNS.OnDiscovered(func(ai types.AddrInfo) { d.AddPeer(ai, ttl) })
		}
		services = append(services, res.MDNS)
	}

	if dc.EnableBootstrap && len(dc.BootstrapPeers) > 0 {
		peers, err := bootstrap.ParsePeers(dc.BootstrapPeers)
		if err != nil {
			log.Warn("跳过无效的引导地址", "err", err)
		}
		if len(peers) > 0 {
			var router bootstrap.Router
			if res.DHT != nil {
				router = res.DHT
			}
			res.Bootstrap = bootstrap.New(h, peers, router, 0)
			services = append(services, res.Bootstrap)
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// 服务生命周期独立于 OnStart 的超时 ctx
			for _, s := range services {
				s.Start(context.Background())
			}
			if res.DHT != nil {
				h.SetRouting(res.DHT)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			if res.DHT != nil {
				h.SetRouting(nil)
			}
			for i := len(services) - 1; i >= 0; i-- {
				services[i].Stop()
			}
			return nil
		},
	})
	return res, nil
}
