package voidcode

import (
	"encoding/base64"
	"net"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

func testPeerID(t *testing.T) types.PeerID {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := crypto.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	addr := ma.StringCast("/ip4/127.0.0.1/tcp/4001")

	code := Encode(addr)
	assert.Equal(t, "void://"+base64.StdEncoding.EncodeToString([]byte("/ip4/127.0.0.1/tcp/4001")), code)

	got, err := Decode(code)
	require.NoError(t, err)
	assert.True(t, addr.Equal(got))
}

func TestDecode_TrimsWhitespace(t *testing.T) {
	addr := ma.StringCast("/ip4/10.0.0.2/udp/9000/quic-v1")
	got, err := Decode("  " + Encode(addr) + "\n")
	require.NoError(t, err)
	assert.True(t, addr.Equal(got))
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		code string
		want error
	}{
		{"缺少前缀", base64.StdEncoding.EncodeToString([]byte("/ip4/1.2.3.4/tcp/1")), ErrInvalidPrefix},
		{"错误前缀", "vold://abc=", ErrInvalidPrefix},
		{"非 base64", "void://!!!not-base64!!!", ErrBase64},
		{"非 UTF-8", "void://" + base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0xfd}), ErrUTF8},
		{"非地址", "void://" + base64.StdEncoding.EncodeToString([]byte("hello world")), ErrInvalidAddress},
		{"非法协议", "void://" + base64.StdEncoding.EncodeToString([]byte("/ip4/1.2.3.4/nope/1")), ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.code)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLegacy_RoundTrip(t *testing.T) {
	id := testPeerID(t)

	code, err := EncodeLegacy(id, net.ParseIP("192.168.1.20"), 4001)
	require.NoError(t, err)

	got, err := Decode(code)
	require.NoError(t, err)
	assert.Equal(t, "/ip4/192.168.1.20/udp/4001/quic-v1/p2p/"+id.String(), got.String())
}

func TestLegacy_Truncated(t *testing.T) {
	id := testPeerID(t)
	payload := id.String() + ":192.168.1.20"
	_, err := Decode("void://" + base64.StdEncoding.EncodeToString([]byte(payload)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLegacyFields)
}

func TestLegacy_BadFields(t *testing.T) {
	id := testPeerID(t)
	for _, payload := range []string{
		"not-a-peer:1.2.3.4:4001",
		id.String() + ":not-ip:4001",
		id.String() + ":1.2.3.4:0",
		id.String() + ":1.2.3.4:70000",
	} {
		_, err := Decode("void://" + base64.StdEncoding.EncodeToString([]byte(payload)))
		assert.ErrorIs(t, err, ErrLegacyFields, payload)
	}
}

func TestEncodeLegacy_Rejects(t *testing.T) {
	id := testPeerID(t)
	_, err := EncodeLegacy(id, net.ParseIP("::1"), 4001)
	assert.ErrorIs(t, err, ErrLegacyFields)
	_, err = EncodeLegacy(types.EmptyPeerID, net.ParseIP("1.2.3.4"), 4001)
	assert.ErrorIs(t, err, ErrLegacyFields)
}

func TestForLocalNode(t *testing.T) {
	self := testPeerID(t)
	relay := testPeerID(t)

	direct := ma.StringCast("/ip4/192.168.1.2/tcp/4001")
	circuit := ma.StringCast("/ip4/5.6.7.8/tcp/4001/p2p/" + relay.String() + "/p2p-circuit")

	t.Run("优先中继地址", func(t *testing.T) {
		code, err := ForLocalNode(self, []ma.Multiaddr{direct, circuit})
		require.NoError(t, err)
		got, err := Decode(code)
		require.NoError(t, err)
		assert.True(t, types.IsRelayAddr(got))
		info, err := types.AddrInfoFromP2pAddr(got)
		require.NoError(t, err)
		assert.Equal(t, self, info.ID)
	})

	t.Run("直连地址", func(t *testing.T) {
		code, err := ForLocalNode(self, []ma.Multiaddr{direct})
		require.NoError(t, err)
		got, err := Decode(code)
		require.NoError(t, err)
		assert.Equal(t, direct.String()+"/p2p/"+self.String(), got.String())
	})

	t.Run("已带 p2p 后缀", func(t *testing.T) {
		full := ma.StringCast(direct.String() + "/p2p/" + self.String())
		code, err := ForLocalNode(self, []ma.Multiaddr{full})
		require.NoError(t, err)
		got, err := Decode(code)
		require.NoError(t, err)
		assert.True(t, full.Equal(got))
	})

	t.Run("无地址", func(t *testing.T) {
		_, err := ForLocalNode(self, nil)
		assert.ErrorIs(t, err, ErrNoAddress)
	})
}

func TestLegacyForLocalNode(t *testing.T) {
	self := testPeerID(t)

	addrs := []ma.Multiaddr{
		ma.StringCast("/ip4/127.0.0.1/udp/4001/quic-v1"),
		ma.StringCast("/ip4/0.0.0.0/tcp/4001"),
		ma.StringCast("/ip4/10.1.2.3/udp/4001/quic-v1"),
	}
	code, err := LegacyForLocalNode(self, addrs)
	require.NoError(t, err)

	got, err := Decode(code)
	require.NoError(t, err)
	assert.Equal(t, "/ip4/10.1.2.3/udp/4001/quic-v1/p2p/"+self.String(), got.String())

	_, err = LegacyForLocalNode(self, addrs[:2])
	assert.ErrorIs(t, err, ErrNoAddress)
}
