package client

import (
	"context"
	"io"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/host/hosttest"
	"github.com/void-p2p/go-void/internal/core/relay/pb"
	"github.com/void-p2p/go-void/internal/core/relay/server"
	"github.com/void-p2p/go-void/internal/core/upgrader"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

const echoProto = "/test/echo/1.0.0"

func newRelay(t *testing.T) (*host.Host, *server.Server) {
	t.Helper()
	r := hosttest.New(t)
	s := server.New(r, server.DefaultConfig())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return r, s
}

func newClient(t *testing.T, cfg Config, opts ...hosttest.Options) (*host.Host, *Client) {
	t.Helper()
	h, id := hosttest.NewNode(t, opts...)
	return h, New(h, upgrader.NewDefault(id, 5*time.Second), cfg)
}

func start(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
}

func isCircuitListenAddr(e types.Event) bool {
	se, ok := e.(*types.SwarmEvent)
	return ok && se.Kind == types.NewListenAddr && types.IsRelayAddr(se.Addr)
}

func TestSplitCircuitAddr(t *testing.T) {
	r := hosttest.New(t)
	relayAddr, err := types.P2PAddr(ma.StringCast("/ip4/1.2.3.4/tcp/4001"), r.ID())
	require.NoError(t, err)

	info, err := SplitCircuitAddr(relayAddr.Encapsulate(circuitProto))
	require.NoError(t, err)
	assert.Equal(t, r.ID(), info.ID)
	require.Len(t, info.Addrs, 1)
	assert.Equal(t, "/ip4/1.2.3.4/tcp/4001", info.Addrs[0].String())

	_, err = SplitCircuitAddr(ma.StringCast("/ip4/1.2.3.4/tcp/4001"))
	assert.ErrorIs(t, err, ErrNotCircuitAddr)

	_, err = SplitCircuitAddr(circuitProto)
	assert.ErrorIs(t, err, ErrNoRelayID)

	twoHop := relayAddr.Encapsulate(circuitProto).Encapsulate(relayAddr).Encapsulate(circuitProto)
	_, err = SplitCircuitAddr(twoHop)
	assert.ErrorIs(t, err, ErrMultiHop)
}

func TestCircuitAddrs(t *testing.T) {
	r := hosttest.New(t)
	other := hosttest.New(t)
	pub, _ := types.P2PAddr(ma.StringCast("/ip4/8.8.8.8/tcp/4001"), r.ID())
	priv, _ := types.P2PAddr(ma.StringCast("/ip4/192.168.1.2/tcp/4001"), r.ID())
	foreign, _ := types.P2PAddr(ma.StringCast("/ip4/9.9.9.9/tcp/4001"), other.ID())

	got := circuitAddrs(r.ID(), []ma.Multiaddr{priv, pub, foreign}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "/ip4/8.8.8.8/tcp/4001/p2p/"+r.ID().String()+"/p2p-circuit", got[0].String())

	fallback := ma.StringCast("/ip4/10.0.0.1/tcp/5000")
	got = circuitAddrs(r.ID(), nil, fallback)
	require.Len(t, got, 1)
	assert.True(t, types.IsRelayAddr(got[0]))
}

func TestClient_ReserveAndRelayedDial(t *testing.T) {
	r, srv := newRelay(t)

	// a 只出站，依靠中继接受连接
	a, ca := newClient(t, Config{
		StaticRelays:    []types.AddrInfo{hosttest.Info(r)},
		MaxReservations: 1,
	}, hosttest.Options{NoListen: true})
	recA := hosttest.Record(a)
	start(t, ca)

	ev := recA.Wait(t, 5*time.Second, func(e types.Event) bool {
		re, ok := e.(*types.RelayEvent)
		return ok && re.Kind == types.ReservationAccepted && re.Relay == r.ID()
	}).(*types.RelayEvent)
	assert.True(t, ev.Expire.After(time.Now()))
	circuit := recA.Wait(t, 5*time.Second, isCircuitListenAddr).(*types.SwarmEvent).Addr

	assert.True(t, srv.HasReservation(a.ID()))
	assert.Contains(t, a.ListenAddrs(), circuit)

	a.SetStreamHandler(echoProto, func(s interfaces.Stream) {
		defer s.Close()
		_, _ = io.Copy(s, s)
	})

	// b 经中继拨号 a
	b, cb := newClient(t, Config{})
	start(t, cb)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	target, err := types.P2PAddr(circuit, a.ID())
	require.NoError(t, err)
	info, err := types.AddrInfoFromP2pAddr(target)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx, *info))

	conns := b.ConnsToPeer(a.ID())
	require.Len(t, conns, 1)
	assert.True(t, conns[0].Stat().Relayed)

	st, err := b.NewStream(ctx, a.ID(), echoProto)
	require.NoError(t, err)
	_, err = st.Write([]byte("through the relay"))
	require.NoError(t, err)
	require.NoError(t, st.CloseWrite())
	got, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, "through the relay", string(got))

	in := recA.Wait(t, 5*time.Second, func(e types.Event) bool {
		re, ok := e.(*types.RelayEvent)
		return ok && re.Kind == types.InboundCircuit
	}).(*types.RelayEvent)
	assert.Equal(t, b.ID(), in.Peer)
	assert.Equal(t, r.ID(), in.Relay)
	t.Logf("✅ 中继电路回显成功")
}

func TestClient_DialWithoutReservation(t *testing.T) {
	r, _ := newRelay(t)
	a := hosttest.New(t)
	_, cb := newClient(t, Config{})
	start(t, cb)

	relayAddr, err := types.P2PAddr(hosttest.Info(r).Addrs[0], r.ID())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = cb.Transport().Dial(ctx, relayAddr.Encapsulate(circuitProto), a.ID())
	var st *ErrStatus
	require.ErrorAs(t, err, &st)
	assert.Equal(t, pb.StatusNoReservation, st.Status)
}

func TestClient_ReservationDroppedOnDisconnect(t *testing.T) {
	r, _ := newRelay(t)
	a, ca := newClient(t, Config{
		StaticRelays:    []types.AddrInfo{hosttest.Info(r)},
		MaxReservations: 1,
		RetryInterval:   time.Hour,
	})
	recA := hosttest.Record(a)
	start(t, ca)

	circuit := recA.Wait(t, 5*time.Second, isCircuitListenAddr).(*types.SwarmEvent).Addr
	require.NoError(t, r.Swarm().ClosePeer(a.ID()))

	recA.Wait(t, 5*time.Second, func(e types.Event) bool {
		re, ok := e.(*types.RelayEvent)
		return ok && re.Kind == types.ReservationExpired && re.Relay == r.ID()
	})
	recA.Wait(t, 5*time.Second, func(e types.Event) bool {
		se, ok := e.(*types.SwarmEvent)
		return ok && se.Kind == types.ExpiredListenAddr && se.Addr.Equal(circuit)
	})
	assert.Empty(t, ca.CircuitAddrs())
}

func TestClient_StopRequiresReservation(t *testing.T) {
	a, ca := newClient(t, Config{})
	start(t, ca)
	stranger := hosttest.New(t)
	hosttest.Connect(t, stranger, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := stranger.NewStream(ctx, a.ID(), StopProtocol)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, pb.WriteStop(st, &pb.StopMessage{Type: pb.StopConnect, Peer: &pb.Peer{ID: stranger.ID()}}))
	resp, err := pb.ReadStop(st)
	require.NoError(t, err)
	assert.Equal(t, pb.StopStatus, resp.Type)
	assert.Equal(t, pb.StatusPermissionDenied, resp.Status)
}
