package types

import (
	"fmt"

	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
)

// ============================================================================
//                              PeerID
// ============================================================================

// PeerID 节点标识
//
// 字符串形式为 base58btc(multihash(序列化公钥))。Ed25519 公钥序列化后
// 不超过 42 字节，使用 identity multihash 内联，因此 ID 以 "12D3KooW" 开头，
// 可以直接从 ID 中还原公钥。
//
// 内部存储为原始 multihash 字节，与 multiaddr 的 /p2p 组件保持一致。
type PeerID string

// EmptyPeerID 空 PeerID
const EmptyPeerID PeerID = ""

// ParsePeerID 从 base58 字符串解析 PeerID
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return EmptyPeerID, ErrEmptyPeerID
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return EmptyPeerID, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerIDFromBytes(raw)
}

// PeerIDFromBytes 从原始 multihash 字节构造 PeerID
func PeerIDFromBytes(b []byte) (PeerID, error) {
	if _, err := mh.Cast(b); err != nil {
		return EmptyPeerID, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerID(b), nil
}

// String 返回 base58 编码
func (p PeerID) String() string {
	return base58.Encode([]byte(p))
}

// ShortString 返回用于日志的短格式
func (p PeerID) ShortString() string {
	s := p.String()
	if len(s) <= 12 {
		return s
	}
	return s[len(s)-8:]
}

// Bytes 返回原始 multihash 字节
func (p PeerID) Bytes() []byte {
	return []byte(p)
}

// IsEmpty 检查是否为空
func (p PeerID) IsEmpty() bool {
	return p == EmptyPeerID
}

// Validate 校验 PeerID 是合法的 multihash
func (p PeerID) Validate() error {
	if p.IsEmpty() {
		return ErrEmptyPeerID
	}
	if _, err := mh.Cast([]byte(p)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return nil
}

// MarshalText 实现 encoding.TextMarshaler
func (p PeerID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler，空文本解码为 EmptyPeerID
func (p *PeerID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*p = EmptyPeerID
		return nil
	}
	id, err := ParsePeerID(string(data))
	if err != nil {
		return err
	}
	*p = id
	return nil
}
