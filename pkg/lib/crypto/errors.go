package crypto

import "errors"

// 密钥相关错误
var (
	// ErrBadKeyType 不支持的密钥类型
	ErrBadKeyType = errors.New("invalid or unsupported key type")

	// ErrNilPrivateKey 私钥为空
	ErrNilPrivateKey = errors.New("nil private key")

	// ErrNilPublicKey 公钥为空
	ErrNilPublicKey = errors.New("nil public key")

	// ErrInvalidKeySize 密钥大小无效
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidPrivateKey 私钥无效
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrUnmarshalFailed 反序列化失败
	ErrUnmarshalFailed = errors.New("key unmarshal failed")

	// ErrNoInlinePublicKey PeerID 未内联公钥
	ErrNoInlinePublicKey = errors.New("peer id does not embed a public key")

	// ErrPeerIDMismatch 公钥与 PeerID 不匹配
	ErrPeerIDMismatch = errors.New("public key does not match peer id")
)
