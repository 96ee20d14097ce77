// Package identity 管理节点身份
//
// 身份是一对 Ed25519 密钥，节点 ID 由公钥派生。默认每次启动生成新身份；
// 配置了 key_file 时从文件加载，文件不存在则生成后写入。
package identity

import (
	"fmt"

	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

// Identity 节点身份
type Identity struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
	id   types.PeerID
}

// New 从私钥创建身份
func New(priv crypto.PrivateKey) (*Identity, error) {
	if priv == nil {
		return nil, crypto.ErrNilPrivateKey
	}
	id, err := crypto.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	return &Identity{priv: priv, pub: priv.GetPublic(), id: id}, nil
}

// Generate 生成新身份
func Generate() (*Identity, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return New(priv)
}

// ID 节点 ID
func (i *Identity) ID() types.PeerID {
	return i.id
}

// PublicKey 公钥
func (i *Identity) PublicKey() crypto.PublicKey {
	return i.pub
}

// PrivateKey 私钥
func (i *Identity) PrivateKey() crypto.PrivateKey {
	return i.priv
}

// Sign 用身份私钥签名
func (i *Identity) Sign(data []byte) ([]byte, error) {
	return i.priv.Sign(data)
}
