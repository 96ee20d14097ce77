package config

import (
	"fmt"
	"time"
)

// RelayConfig 中继配置
//
// 客户端模式在已连接的中继上预约槽位并监听 /p2p-circuit；
// 服务端模式为其他节点提供 HOP 服务。
type RelayConfig struct {
	EnableClient bool `json:"enable_client"`

	// StaticRelays 优先使用的中继地址（带 /p2p/<id>），为空时使用已连接的引导节点
	StaticRelays []string `json:"static_relays,omitempty"`

	Client RelayClientConfig `json:"client"`

	EnableServer bool              `json:"enable_server"`
	Server       RelayServerConfig `json:"server"`
}

// RelayClientConfig 中继客户端配置
type RelayClientConfig struct {
	// MaxReservations 同时持有的预约数
	MaxReservations int `json:"max_reservations"`

	// RenewBefore 预约到期前多久续约
	RenewBefore Duration `json:"renew_before"`

	// RetryInterval 预约失败后的重试间隔
	RetryInterval Duration `json:"retry_interval"`
}

// RelayServerConfig 中继服务端配置
type RelayServerConfig struct {
	MaxReservations int `json:"max_reservations"`

	// MaxCircuits 同时活跃的电路数
	MaxCircuits int `json:"max_circuits"`

	// MaxCircuitsPerPeer 每个节点的电路上限
	MaxCircuitsPerPeer int `json:"max_circuits_per_peer"`

	ReservationTTL Duration `json:"reservation_ttl"`

	// CircuitDuration 单条电路时长上限
	CircuitDuration Duration `json:"circuit_duration"`

	// CircuitData 单条电路单方向字节上限
	CircuitData int64 `json:"circuit_data"`

	// ReservationRate 每个节点每分钟预约请求数
	ReservationRate int `json:"reservation_rate"`
}

// DefaultRelayConfig 默认中继配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		EnableClient: true,
		Client: RelayClientConfig{
			MaxReservations: 2,
			RenewBefore:     Duration(5 * time.Minute),
			RetryInterval:   Duration(30 * time.Second),
		},

		EnableServer: false,
		Server: RelayServerConfig{
			MaxReservations:    128,
			MaxCircuits:        16,
			MaxCircuitsPerPeer: 4,
			ReservationTTL:     Duration(time.Hour),
			CircuitDuration:    Duration(2 * time.Minute),
			CircuitData:        1 << 17,
			ReservationRate:    6,
		},
	}
}

// Validate 校验中继配置
func (c RelayConfig) Validate() error {
	if c.EnableClient && c.Client.MaxReservations <= 0 {
		return fmt.Errorf("client.max_reservations: %w", ErrNonPositive)
	}
	if c.EnableServer {
		s := c.Server
		if s.MaxReservations <= 0 || s.MaxCircuits <= 0 || s.MaxCircuitsPerPeer <= 0 {
			return fmt.Errorf("server limits: %w", ErrNonPositive)
		}
		if s.ReservationTTL <= 0 || s.CircuitDuration <= 0 {
			return fmt.Errorf("server durations: %w", ErrNonPositive)
		}
		if s.ReservationRate <= 0 {
			return fmt.Errorf("server.reservation_rate: %w", ErrNonPositive)
		}
	}
	return nil
}
