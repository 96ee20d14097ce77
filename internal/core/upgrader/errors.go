package upgrader

import "errors"

var (
	// ErrNoPeerID 出站升级缺少期望的对端 ID
	ErrNoPeerID = errors.New("upgrader: outbound connection requires remote peer ID")

	// ErrNoSecurityTransport 未配置安全传输
	ErrNoSecurityTransport = errors.New("upgrader: no security transport configured")

	// ErrNoStreamMuxer 未配置多路复用器
	ErrNoStreamMuxer = errors.New("upgrader: no stream muxer configured")
)
