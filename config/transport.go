package config

import (
	"fmt"
	"time"
)

// TransportConfig 传输层配置
//
// ListenAddrs 为空时由 ListenPort 推导：
//
//	/ip4/0.0.0.0/tcp/<port>
//	/ip4/0.0.0.0/udp/<port>/quic-v1
//	/ip4/0.0.0.0/tcp/<ws_port>/ws      （启用 WebSocket 时）
type TransportConfig struct {
	// ListenPort TCP/QUIC 监听端口，0 表示随机
	ListenPort int `json:"listen_port"`

	// ListenAddrs 显式监听地址（multiaddr），覆盖 ListenPort
	ListenAddrs []string `json:"listen_addrs,omitempty"`

	EnableTCP bool      `json:"enable_tcp"`
	TCP       TCPConfig `json:"tcp"`

	EnableQUIC bool       `json:"enable_quic"`
	QUIC       QUICConfig `json:"quic"`

	EnableWebSocket bool            `json:"enable_websocket"`
	WebSocket       WebSocketConfig `json:"websocket"`

	// DialTimeout 单次拨号超时
	DialTimeout Duration `json:"dial_timeout"`

	// NegotiationTimeout 安全握手与多路复用协商超时
	NegotiationTimeout Duration `json:"negotiation_timeout"`

	// IdleTimeout 无流连接的空闲关闭时间
	IdleTimeout Duration `json:"idle_timeout"`
}

// TCPConfig TCP 传输配置
type TCPConfig struct {
	KeepAlivePeriod Duration `json:"keep_alive_period"`

	// NoDelay 禁用 Nagle 算法
	NoDelay bool `json:"no_delay"`
}

// QUICConfig QUIC 传输配置
type QUICConfig struct {
	MaxIdleTimeout  Duration `json:"max_idle_timeout"`
	KeepAlivePeriod Duration `json:"keep_alive_period"`

	// MaxStreams 单连接最大并发入站流
	MaxStreams int `json:"max_streams"`
}

// WebSocketConfig WebSocket 传输配置
type WebSocketConfig struct {
	// Port 监听端口，0 表示随机
	Port int `json:"port"`

	ReadBufferSize   int      `json:"read_buffer_size"`
	WriteBufferSize  int      `json:"write_buffer_size"`
	HandshakeTimeout Duration `json:"handshake_timeout"`
}

// DefaultTransportConfig 默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ListenPort: 0,

		// ════════════════════════════════════════════════════════════════════
		// TCP：Noise + yamux 升级
		// ════════════════════════════════════════════════════════════════════
		EnableTCP: true,
		TCP: TCPConfig{
			KeepAlivePeriod: Duration(15 * time.Second),
			NoDelay:         true,
		},

		// ════════════════════════════════════════════════════════════════════
		// QUIC v1：内置 TLS 1.3 与多路复用，打洞首选
		// ════════════════════════════════════════════════════════════════════
		EnableQUIC: true,
		QUIC: QUICConfig{
			MaxIdleTimeout:  Duration(30 * time.Second),
			KeepAlivePeriod: Duration(15 * time.Second),
			MaxStreams:      256,
		},

		// ════════════════════════════════════════════════════════════════════
		// WebSocket：仅出站默认开启，监听需显式启用
		// ════════════════════════════════════════════════════════════════════
		EnableWebSocket: false,
		WebSocket: WebSocketConfig{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: Duration(10 * time.Second),
		},

		DialTimeout:        Duration(15 * time.Second),
		NegotiationTimeout: Duration(60 * time.Second),
		IdleTimeout:        Duration(60 * time.Second),
	}
}

// Validate 校验传输配置
func (c TransportConfig) Validate() error {
	if !c.EnableTCP && !c.EnableQUIC && !c.EnableWebSocket {
		return ErrNoTransport
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d: %w", c.ListenPort, ErrInvalidPort)
	}
	if c.WebSocket.Port < 0 || c.WebSocket.Port > 65535 {
		return fmt.Errorf("websocket.port %d: %w", c.WebSocket.Port, ErrInvalidPort)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout: %w", ErrNonPositive)
	}
	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("negotiation_timeout: %w", ErrNonPositive)
	}
	if c.EnableQUIC && c.QUIC.MaxStreams <= 0 {
		return fmt.Errorf("quic.max_streams: %w", ErrNonPositive)
	}
	return nil
}

// DefaultListenAddrs 由端口推导监听地址
func (c TransportConfig) DefaultListenAddrs() []string {
	if len(c.ListenAddrs) > 0 {
		return c.ListenAddrs
	}
	var addrs []string
	if c.EnableTCP {
		addrs = append(addrs, fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", c.ListenPort))
	}
	if c.EnableQUIC {
		addrs = append(addrs, fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", c.ListenPort))
	}
	if c.EnableWebSocket {
		addrs = append(addrs, fmt.Sprintf("/ip4/0.0.0.0/tcp/%d/ws", c.WebSocket.Port))
	}
	return addrs
}
