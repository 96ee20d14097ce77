// Package transport 按配置组装传输层
//
//	TCP        /ip4/.../tcp/...           Noise + yamux
//	QUIC v1    /ip4/.../udp/.../quic-v1   TLS 1.3 + 原生流，打洞首选
//	WebSocket  /ip4/.../tcp/.../ws        Noise + yamux
//
// 中继电路传输由 relay/client 提供，不在此处组装。
package transport

import (
	"go.uber.org/fx"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/core/transport/quic"
	"github.com/void-p2p/go-void/internal/core/transport/tcp"
	"github.com/void-p2p/go-void/internal/core/transport/websocket"
	"github.com/void-p2p/go-void/internal/core/upgrader"
	"github.com/void-p2p/go-void/pkg/interfaces"
)

// Params 依赖
type Params struct {
	fx.In

	Config   *config.Config
	Identity *identity.Identity
}

// Result 输出
type Result struct {
	fx.Out

	Upgrader   *upgrader.Upgrader
	Transports []interfaces.Transport `group:"transports,flatten"`
}

// Module 传输层 fx 模块
func Module() fx.Option {
	return fx.Module("transport",
		fx.Provide(Build),
	)
}

// Build 按配置创建升级器与各传输
func Build(p Params) (Result, error) {
	tc := p.Config.Transport
	up := upgrader.NewDefault(p.Identity, tc.NegotiationTimeout.Duration())

	var ts []interfaces.Transport
	if tc.EnableTCP {
		ts = append(ts, tcp.New(up, tcp.Options{
			KeepAlivePeriod: tc.TCP.KeepAlivePeriod.Duration(),
			NoDelay:         tc.TCP.NoDelay,
			DialTimeout:     tc.DialTimeout.Duration(),
		}))
	}
	if tc.EnableQUIC {
		q, err := quic.New(p.Identity, quic.Options{
			MaxIdleTimeout:  tc.QUIC.MaxIdleTimeout.Duration(),
			KeepAlivePeriod: tc.QUIC.KeepAlivePeriod.Duration(),
			MaxStreams:      tc.QUIC.MaxStreams,
			DialTimeout:     tc.DialTimeout.Duration(),
		})
		if err != nil {
			return Result{}, err
		}
		ts = append(ts, q)
	}
	if tc.EnableWebSocket {
		ts = append(ts, websocket.New(up, websocket.Options{
			ReadBufferSize:   tc.WebSocket.ReadBufferSize,
			WriteBufferSize:  tc.WebSocket.WriteBufferSize,
			HandshakeTimeout: tc.WebSocket.HandshakeTimeout.Duration(),
			DialTimeout:      tc.DialTimeout.Duration(),
		}))
	}
	return Result{Upgrader: up, Transports: ts}, nil
}
