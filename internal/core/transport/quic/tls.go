package quic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

// ALPN QUIC 握手协商的应用协议
const ALPN = "libp2p"

// certPrefix 身份签名覆盖的前缀
const certPrefix = "libp2p-tls-handshake:"

// extensionOID 证书中携带节点身份的扩展
var extensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 53594, 1, 1}

// certValidity 证书有效期
const certValidity = 100 * 365 * 24 * time.Hour

var (
	// ErrNoCertificate 对端未提供证书
	ErrNoCertificate = errors.New("对端未提供证书")

	// ErrNoExtension 证书缺少身份扩展
	ErrNoExtension = errors.New("证书缺少身份扩展")

	// ErrBadSignature 身份签名无效
	ErrBadSignature = errors.New("证书身份签名无效")
)

// signedKey 扩展内容
type signedKey struct {
	PubKey    []byte
	Signature []byte
}

// newCertificate 生成临时证书
//
// 证书密钥为临时 ECDSA 密钥，节点身份通过扩展中的签名绑定：
// 身份私钥对 certPrefix || SubjectPublicKeyInfo 签名。
func newCertificate(id *identity.Identity) (tls.Certificate, error) {
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	spki, err := x509.MarshalPKIXPublicKey(&certKey.PublicKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	sig, err := id.Sign(append([]byte(certPrefix), spki...))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("签名失败: %w", err)
	}
	pub, err := crypto.MarshalPublicKey(id.PublicKey())
	if err != nil {
		return tls.Certificate{}, err
	}
	ext, err := asn1.Marshal(signedKey{PubKey: pub, Signature: sig})
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:    serial,
		NotBefore:       now.Add(-time.Hour),
		NotAfter:        now.Add(certValidity),
		ExtraExtensions: []pkix.Extension{{Id: extensionOID, Critical: true, Value: ext}},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &certKey.PublicKey, certKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("创建证书失败: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: certKey}, nil
}

// verifyCertificate 校验对端证书并返回其身份公钥
func verifyCertificate(raw [][]byte) (crypto.PublicKey, error) {
	if len(raw) != 1 {
		return nil, ErrNoCertificate
	}
	cert, err := x509.ParseCertificate(raw[0])
	if err != nil {
		return nil, fmt.Errorf("解析证书失败: %w", err)
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return nil, fmt.Errorf("证书自签名无效: %w", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, fmt.Errorf("证书不在有效期内")
	}

	var sk signedKey
	found := false
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(extensionOID) {
			continue
		}
		if _, err := asn1.Unmarshal(ext.Value, &sk); err != nil {
			return nil, fmt.Errorf("解析身份扩展失败: %w", err)
		}
		found = true
		break
	}
	if !found {
		return nil, ErrNoExtension
	}

	pub, err := crypto.UnmarshalPublicKey(sk.PubKey)
	if err != nil {
		return nil, err
	}
	ok, err := pub.Verify(append([]byte(certPrefix), cert.RawSubjectPublicKeyInfo...), sk.Signature)
	if err != nil || !ok {
		return nil, ErrBadSignature
	}
	return pub, nil
}

// tlsConfig 构造 TLS 1.3 配置
//
// expected 非空时（出站）要求对端身份匹配。
func tlsConfig(cert tls.Certificate, expected types.PeerID) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true, // 由 VerifyPeerCertificate 校验
		ClientAuth:         tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			pub, err := verifyCertificate(raw)
			if err != nil {
				return err
			}
			if expected.IsEmpty() {
				return nil
			}
			id, err := crypto.IDFromPublicKey(pub)
			if err != nil {
				return err
			}
			if id != expected {
				return fmt.Errorf("peer ID mismatch: expected %s, got %s", expected.ShortString(), id.ShortString())
			}
			return nil
		},
	}
}

// remoteKey 从已完成的握手中取对端身份
func remoteKey(state tls.ConnectionState) (crypto.PublicKey, types.PeerID, error) {
	raw := make([][]byte, 0, len(state.PeerCertificates))
	for _, c := range state.PeerCertificates {
		raw = append(raw, c.Raw)
	}
	pub, err := verifyCertificate(raw)
	if err != nil {
		return nil, "", err
	}
	id, err := crypto.IDFromPublicKey(pub)
	if err != nil {
		return nil, "", err
	}
	return pub, id, nil
}
