package holepunch

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/host/hosttest"
	"github.com/void-p2p/go-void/internal/core/relay/client"
	"github.com/void-p2p/go-void/internal/core/relay/server"
	"github.com/void-p2p/go-void/internal/core/upgrader"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/types"
)

type recordingPuncher struct {
	mu    sync.Mutex
	addrs []ma.Multiaddr
}

func (r *recordingPuncher) Punch(a ma.Multiaddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs = append(r.addrs, a)
	return nil
}

func TestMessage(t *testing.T) {
	var buf bytes.Buffer
	in := &message{Type: TypeConnect, ObsAddrs: []ma.Multiaddr{
		ma.StringCast("/ip4/1.2.3.4/udp/4001/quic-v1"),
		ma.StringCast("/ip4/1.2.3.4/tcp/4001"),
	}}
	require.NoError(t, writeMsg(pbio.NewWriter(&buf), in))
	require.NoError(t, writeMsg(pbio.NewWriter(&buf), &message{Type: TypeSync}))

	r := pbio.NewReader(&buf, maxMessageSize)
	out, err := readMsg(r, TypeConnect)
	require.NoError(t, err)
	require.Len(t, out.ObsAddrs, 2)
	assert.True(t, out.ObsAddrs[1].Equal(in.ObsAddrs[1]))

	_, err = readMsg(r, TypeConnect)
	assert.ErrorIs(t, err, pbio.ErrMalformed, "SYNC 不是期望的 CONNECT")
}

func TestFilterAddrs(t *testing.T) {
	h := hosttest.New(t)
	withID, err := types.P2PAddr(ma.StringCast("/ip4/1.2.3.4/tcp/4001"), h.ID())
	require.NoError(t, err)

	got := filterAddrs([]ma.Multiaddr{
		withID,
		ma.StringCast("/ip4/5.6.7.8/tcp/4001/p2p-circuit"),
		ma.StringCast("/ip4/1.2.3.4/udp/4001/quic-v1"),
	})
	require.Len(t, got, 2)
	assert.Equal(t, "/ip4/1.2.3.4/udp/4001/quic-v1", got[0].String())
	assert.Equal(t, "/ip4/1.2.3.4/tcp/4001", got[1].String())
}

func TestPunch_OnlyQUIC(t *testing.T) {
	h := hosttest.New(t)
	pu := &recordingPuncher{}
	s := New(h, Config{Punchers: []Puncher{pu}})
	s.punch([]ma.Multiaddr{
		ma.StringCast("/ip4/1.2.3.4/tcp/4001"),
		ma.StringCast("/ip4/1.2.3.4/udp/4001/quic-v1"),
	})
	require.Len(t, pu.addrs, 1)
	assert.Equal(t, "/ip4/1.2.3.4/udp/4001/quic-v1", pu.addrs[0].String())
}

func TestDirectConnect_Preconditions(t *testing.T) {
	a := hosttest.New(t)
	b := hosttest.New(t)
	s := New(a, Config{})

	err := s.DirectConnect(context.Background(), b.ID())
	assert.ErrorIs(t, err, ErrNoRelayedConn)

	// 已有直连
	hosttest.Connect(t, a, b)
	assert.NoError(t, s.DirectConnect(context.Background(), b.ID()))
}

func directAddrs(h *host.Host) func() []ma.Multiaddr {
	return func() []ma.Multiaddr { return h.Swarm().ListenAddrs() }
}

func TestDirectConnect_OverRelay(t *testing.T) {
	r := hosttest.New(t)
	srv := server.New(r, server.DefaultConfig())
	srv.Start(context.Background())
	t.Cleanup(srv.Stop)

	// a 在中继预约，b 经中继拨号 a
	a, idA := hosttest.NewNode(t)
	ca := client.New(a, upgrader.NewDefault(idA, 5*time.Second), client.Config{
		StaticRelays:    []types.AddrInfo{hosttest.Info(r)},
		MaxReservations: 1,
	})
	recA := hosttest.Record(a)
	require.NoError(t, ca.Start(context.Background()))
	t.Cleanup(ca.Stop)

	b, idB := hosttest.NewNode(t)
	cb := client.New(b, upgrader.NewDefault(idB, 5*time.Second), client.Config{})
	require.NoError(t, cb.Start(context.Background()))
	t.Cleanup(cb.Stop)

	hpA := New(a, Config{Addrs: directAddrs(a), DialTimeout: 2 * time.Second})
	hpA.Start(context.Background())
	t.Cleanup(hpA.Stop)
	hpB := New(b, Config{Addrs: directAddrs(b), DialTimeout: 2 * time.Second})
	hpB.Start(context.Background())
	t.Cleanup(hpB.Stop)

	circuit := recA.Wait(t, 5*time.Second, func(e types.Event) bool {
		se, ok := e.(*types.SwarmEvent)
		return ok && se.Kind == types.NewListenAddr && types.IsRelayAddr(se.Addr)
	}).(*types.SwarmEvent).Addr

	target, err := types.P2PAddr(circuit, a.ID())
	require.NoError(t, err)
	info, err := types.AddrInfoFromP2pAddr(target)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Connect(ctx, *info))

	ev := recA.Wait(t, 10*time.Second, func(e types.Event) bool {
		he, ok := e.(*types.HolePunchEvent)
		return ok && he.Peer == b.ID()
	}).(*types.HolePunchEvent)
	require.NoError(t, ev.Err)
	assert.True(t, ev.Success)
	assert.NotNil(t, ev.Addr)

	hosttest.Eventually(t, 5*time.Second, func() bool {
		for _, c := range b.ConnsToPeer(a.ID()) {
			if !c.Stat().Relayed {
				return true
			}
		}
		return false
	}, "b 应与 a 建立直连")
}
