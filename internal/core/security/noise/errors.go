package noise

import "errors"

var (
	// ErrInvalidHandshake 握手消息非法
	ErrInvalidHandshake = errors.New("noise: invalid handshake")

	// ErrInvalidSignature 静态密钥未被身份密钥签名
	ErrInvalidSignature = errors.New("noise: static key not bound to identity key")

	// ErrPeerIDMismatch 对端身份与期望不符
	ErrPeerIDMismatch = errors.New("noise: peer ID mismatch")
)
