package config

import "errors"

var (
	// ErrNilConfig 配置为空
	ErrNilConfig = errors.New("config is nil")

	// ErrNoTransport 没有启用任何传输
	ErrNoTransport = errors.New("at least one transport must be enabled")

	// ErrInvalidPort 端口超出范围
	ErrInvalidPort = errors.New("port must be between 0 and 65535")

	// ErrNonPositive 数值必须为正
	ErrNonPositive = errors.New("value must be positive")

	// ErrRelayServerNeedsTransport 中继服务端缺少传输
	ErrRelayServerNeedsTransport = errors.New("relay server requires tcp or quic")

	// ErrUnknownBackend 未知的存储后端
	ErrUnknownBackend = errors.New("unknown storage backend")
)
