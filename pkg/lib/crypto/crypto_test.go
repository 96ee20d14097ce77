package crypto

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519_SignVerify(t *testing.T) {
	priv, pub, err := GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)

	data := []byte("void signaling")
	sig, err := priv.Sign(data)
	require.NoError(t, err)
	assert.Len(t, sig, Ed25519SignatureSize)

	ok, err := pub.Verify(data, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	// 错误数据
	ok, _ = pub.Verify([]byte("tampered"), sig)
	assert.False(t, ok)

	// 短签名
	ok, _ = pub.Verify(data, []byte{1, 2, 3})
	assert.False(t, ok)
}

func TestMarshalPublicKey_RoundTrip(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	data, err := MarshalPublicKey(pub)
	require.NoError(t, err)
	// 0x08 0x01 0x12 0x20 + 32 字节
	assert.Equal(t, []byte{0x08, 0x01, 0x12, 0x20}, data[:4])
	assert.Len(t, data, 36)

	decoded, err := UnmarshalPublicKey(data)
	require.NoError(t, err)
	assert.True(t, pub.Equals(decoded))
}

func TestMarshalPrivateKey_RoundTrip(t *testing.T) {
	priv, _, err := GenerateKeyPair()
	require.NoError(t, err)

	data, err := MarshalPrivateKey(priv)
	require.NoError(t, err)

	decoded, err := UnmarshalPrivateKey(data)
	require.NoError(t, err)
	assert.True(t, priv.Equals(decoded))
	assert.True(t, priv.GetPublic().Equals(decoded.GetPublic()))
}

func TestUnmarshalPublicKey_Invalid(t *testing.T) {
	_, err := UnmarshalPublicKey(nil)
	assert.ErrorIs(t, err, ErrUnmarshalFailed)

	_, err = UnmarshalPublicKey([]byte{0xff})
	assert.Error(t, err)

	// RSA 类型不支持
	_, err = UnmarshalPublicKey(marshalKey(KeyTypeRSA, []byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrBadKeyType)

	// 长度不对
	_, err = UnmarshalPublicKey(marshalKey(KeyTypeEd25519, []byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestIDFromPublicKey(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	id, err := IDFromPublicKey(pub)
	require.NoError(t, err)
	require.NoError(t, id.Validate())
	assert.True(t, strings.HasPrefix(id.String(), "12D3KooW"), id.String())

	id2, err := IDFromPrivateKey(priv)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	extracted, err := ExtractPublicKey(id)
	require.NoError(t, err)
	assert.True(t, pub.Equals(extracted))
	assert.True(t, MatchesPublicKey(id, pub))

	_, other, _ := GenerateKeyPair()
	assert.False(t, MatchesPublicKey(id, other))

	t.Logf("✅ PeerID: %s", id)
}

func TestIDFromPublicKey_Nil(t *testing.T) {
	_, err := IDFromPublicKey(nil)
	assert.ErrorIs(t, err, ErrNilPublicKey)

	_, err = IDFromPrivateKey(nil)
	assert.ErrorIs(t, err, ErrNilPrivateKey)
}
