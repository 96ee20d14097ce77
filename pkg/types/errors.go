package types

import "errors"

// 公共错误定义
var (
	// ErrEmptyPeerID PeerID 为空
	ErrEmptyPeerID = errors.New("empty peer id")

	// ErrInvalidPeerID PeerID 格式无效
	ErrInvalidPeerID = errors.New("invalid peer id")

	// ErrNoP2PComponent 地址缺少 /p2p 组件
	ErrNoP2PComponent = errors.New("address has no /p2p component")
)
