package crypto

import (
	mh "github.com/multiformats/go-multihash"

	"github.com/void-p2p/go-void/pkg/types"
)

// maxInlineKeyLength 序列化公钥不超过此长度时使用 identity multihash 内联
const maxInlineKeyLength = 42

// ============================================================================
//                              PeerID 派生
// ============================================================================

// IDFromPublicKey 从公钥派生 PeerID
//
// 派生算法：multihash(序列化公钥)，短公钥使用 identity，
// 长公钥使用 sha2-256。
func IDFromPublicKey(pub PublicKey) (types.PeerID, error) {
	if pub == nil {
		return types.EmptyPeerID, ErrNilPublicKey
	}
	data, err := MarshalPublicKey(pub)
	if err != nil {
		return types.EmptyPeerID, err
	}
	code := uint64(mh.SHA2_256)
	if len(data) <= maxInlineKeyLength {
		code = mh.IDENTITY
	}
	hash, err := mh.Sum(data, code, -1)
	if err != nil {
		return types.EmptyPeerID, err
	}
	return types.PeerID(hash), nil
}

// IDFromPrivateKey 从私钥派生 PeerID
func IDFromPrivateKey(priv PrivateKey) (types.PeerID, error) {
	if priv == nil {
		return types.EmptyPeerID, ErrNilPrivateKey
	}
	return IDFromPublicKey(priv.GetPublic())
}

// ExtractPublicKey 从 identity multihash 形式的 PeerID 中还原公钥
func ExtractPublicKey(id types.PeerID) (PublicKey, error) {
	decoded, err := mh.Decode(id.Bytes())
	if err != nil {
		return nil, err
	}
	if decoded.Code != mh.IDENTITY {
		return nil, ErrNoInlinePublicKey
	}
	return UnmarshalPublicKey(decoded.Digest)
}

// MatchesPublicKey 校验公钥是否对应给定 PeerID
func MatchesPublicKey(id types.PeerID, pub PublicKey) bool {
	derived, err := IDFromPublicKey(pub)
	if err != nil {
		return false
	}
	return derived == id
}
