package peerstore

import (
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/types"
)

func newPeer(t *testing.T) (types.PeerID, crypto.PublicKey) {
	t.Helper()
	_, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := crypto.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id, pub
}

// fakeClock 可手动推进的时钟
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newWithClock() (*Peerstore, *fakeClock) {
	ps := New(0)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	ps.now = clk.Now
	return ps, clk
}

func TestAddrs_TTL(t *testing.T) {
	ps, clk := newWithClock()
	p, _ := newPeer(t)

	a1 := ma.StringCast("/ip4/1.2.3.4/tcp/4001")
	a2 := ma.StringCast("/ip4/1.2.3.4/udp/4001/quic-v1")
	ps.AddAddrs(p, []ma.Multiaddr{a1}, time.Minute)
	ps.AddAddrs(p, []ma.Multiaddr{a2}, time.Hour)
	assert.Len(t, ps.Addrs(p), 2)

	clk.Advance(2 * time.Minute)
	addrs := ps.Addrs(p)
	require.Len(t, addrs, 1)
	assert.True(t, a2.Equal(addrs[0]))

	assert.Equal(t, 1, ps.GC())
}

func TestAddrs_LongerTTLWins(t *testing.T) {
	ps, clk := newWithClock()
	p, _ := newPeer(t)
	a := ma.StringCast("/ip4/1.2.3.4/tcp/4001")

	ps.AddAddrs(p, []ma.Multiaddr{a}, time.Hour)
	ps.AddAddrs(p, []ma.Multiaddr{a}, time.Minute)
	clk.Advance(10 * time.Minute)
	assert.Len(t, ps.Addrs(p), 1)
}

func TestAddrs_StripsP2P(t *testing.T) {
	ps := New(0)
	p, _ := newPeer(t)
	other, _ := newPeer(t)

	ps.AddAddrs(p, []ma.Multiaddr{
		ma.StringCast("/ip4/1.2.3.4/tcp/4001/p2p/" + p.String()),
		ma.StringCast("/ip4/5.6.7.8/tcp/4001/p2p/" + other.String()),
	}, time.Hour)

	addrs := ps.Addrs(p)
	require.Len(t, addrs, 1)
	assert.Equal(t, "/ip4/1.2.3.4/tcp/4001", addrs[0].String())
}

func TestUpdateAddrs(t *testing.T) {
	ps, clk := newWithClock()
	p, _ := newPeer(t)
	ps.AddAddrs(p, []ma.Multiaddr{ma.StringCast("/ip4/1.2.3.4/tcp/4001")}, 24*time.Hour)

	ps.UpdateAddrs(p, 24*time.Hour, time.Minute)
	clk.Advance(2 * time.Minute)
	assert.Empty(t, ps.Addrs(p))
}

func TestPeersWithAddrs(t *testing.T) {
	ps := New(0)
	p1, _ := newPeer(t)
	p2, _ := newPeer(t)
	ps.AddAddrs(p1, []ma.Multiaddr{ma.StringCast("/ip4/1.2.3.4/tcp/1")}, time.Hour)
	ps.SetAgentVersion(p2, "void/1.0.1")

	assert.Equal(t, []types.PeerID{p1}, ps.PeersWithAddrs())
}

func TestPubKey(t *testing.T) {
	ps := New(0)
	p, pub := newPeer(t)
	other, otherPub := newPeer(t)

	assert.ErrorIs(t, ps.AddPubKey(p, otherPub), ErrKeyMismatch)
	require.NoError(t, ps.AddPubKey(p, pub))

	got, err := ps.PubKey(p)
	require.NoError(t, err)
	assert.True(t, got.Equals(pub))

	// Ed25519 ID 内嵌公钥
	got, err = ps.PubKey(other)
	require.NoError(t, err)
	assert.True(t, got.Equals(otherPub))
}

func TestProtocols(t *testing.T) {
	ps := New(0)
	p, _ := newPeer(t)
	ps.SetProtocols(p, []string{"/ipfs/ping/1.0.0", "/ipfs/id/1.0.0"})
	assert.True(t, ps.SupportsProtocol(p, "/ipfs/ping/1.0.0"))
	assert.False(t, ps.SupportsProtocol(p, "/meshsub/1.1.0"))

	ps.SetProtocols(p, []string{"/meshsub/1.1.0"})
	assert.False(t, ps.SupportsProtocol(p, "/ipfs/ping/1.0.0"))
}

func TestLRUBound(t *testing.T) {
	ps := New(2)
	p1, _ := newPeer(t)
	p2, _ := newPeer(t)
	p3, _ := newPeer(t)
	for _, p := range []types.PeerID{p1, p2, p3} {
		ps.SetAgentVersion(p, "x")
	}
	assert.Empty(t, ps.AgentVersion(p1))
	assert.Equal(t, "x", ps.AgentVersion(p3))
}

func TestGC_RemovesEmptyPeers(t *testing.T) {
	ps, clk := newWithClock()
	p, _ := newPeer(t)
	ps.AddAddrs(p, []ma.Multiaddr{ma.StringCast("/ip4/1.2.3.4/tcp/1")}, time.Minute)
	clk.Advance(time.Hour)
	ps.GC()
	assert.Equal(t, 0, ps.peers.Len())
}
