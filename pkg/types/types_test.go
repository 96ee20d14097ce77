package types_test

import (
	"errors"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

func newPeerID(t *testing.T) types.PeerID {
	t.Helper()
	_, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := crypto.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func TestParsePeerID(t *testing.T) {
	id := newPeerID(t)

	parsed, err := types.ParsePeerID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = types.ParsePeerID("")
	assert.ErrorIs(t, err, types.ErrEmptyPeerID)

	// 0 不在 base58 字母表中
	_, err = types.ParsePeerID("0OIl")
	assert.ErrorIs(t, err, types.ErrInvalidPeerID)

	// 合法 base58 但不是 multihash
	_, err = types.ParsePeerID("abc")
	assert.ErrorIs(t, err, types.ErrInvalidPeerID)
}

func TestPeerID_TextMarshal(t *testing.T) {
	id := newPeerID(t)

	text, err := id.MarshalText()
	require.NoError(t, err)

	var decoded types.PeerID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)

	empty, err := types.EmptyPeerID.MarshalText()
	require.NoError(t, err)
	require.NoError(t, decoded.UnmarshalText(empty))
	assert.True(t, decoded.IsEmpty())
	assert.ErrorIs(t, decoded.UnmarshalText([]byte("12D3KooWpeer")), types.ErrInvalidPeerID)
	assert.Len(t, id.ShortString(), 8)
}

func TestAddrInfoFromP2pAddr(t *testing.T) {
	id := newPeerID(t)
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001/p2p/" + id.String())
	require.NoError(t, err)

	info, err := types.AddrInfoFromP2pAddr(addr)
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
	require.Len(t, info.Addrs, 1)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/4001", info.Addrs[0].String())

	// 没有 /p2p 组件
	bare, _ := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	_, err = types.AddrInfoFromP2pAddr(bare)
	assert.True(t, errors.Is(err, types.ErrNoP2PComponent))
}

func TestSplitP2PAddr_Circuit(t *testing.T) {
	relay := newPeerID(t)
	target := newPeerID(t)
	addr, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001/p2p/" + relay.String() + "/p2p-circuit/p2p/" + target.String())
	require.NoError(t, err)

	transport, id := types.SplitP2PAddr(addr)
	assert.Equal(t, target, id)
	assert.True(t, types.IsRelayAddr(transport))
	assert.Equal(t, "/ip4/1.2.3.4/tcp/4001/p2p/"+relay.String()+"/p2p-circuit", transport.String())

	rebuilt, err := types.P2PAddr(transport, target)
	require.NoError(t, err)
	assert.True(t, rebuilt.Equal(addr))
}

func TestNATStatus_String(t *testing.T) {
	addr, _ := ma.NewMultiaddr("/ip4/8.8.8.8/tcp/4001")
	assert.Equal(t, "Unknown", types.NATStatus{}.String())
	assert.Equal(t, "Private", types.NATStatus{Reachability: types.ReachabilityPrivate}.String())
	assert.Equal(t, "Public(/ip4/8.8.8.8/tcp/4001)", types.NATStatus{Reachability: types.ReachabilityPublic, Addr: addr}.String())
}

func TestEventSumType(t *testing.T) {
	events := []types.Event{
		&types.SwarmEvent{BaseEvent: types.NewBaseEvent(), Kind: types.NewListenAddr},
		&types.MDNSEvent{BaseEvent: types.NewBaseEvent()},
		&types.DHTEvent{BaseEvent: types.NewBaseEvent()},
		&types.GossipEvent{BaseEvent: types.NewBaseEvent()},
		&types.NATEvent{BaseEvent: types.NewBaseEvent()},
		&types.RelayEvent{BaseEvent: types.NewBaseEvent()},
		&types.HolePunchEvent{BaseEvent: types.NewBaseEvent()},
		&types.IdentifyEvent{BaseEvent: types.NewBaseEvent()},
		&types.PingEvent{BaseEvent: types.NewBaseEvent()},
		&types.SignalingEvent{BaseEvent: types.NewBaseEvent()},
	}
	seen := make(map[string]bool)
	for _, ev := range events {
		assert.False(t, ev.Timestamp().IsZero())
		assert.False(t, seen[ev.Type()], "duplicate type %s", ev.Type())
		seen[ev.Type()] = true
	}
}
