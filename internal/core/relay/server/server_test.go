package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/host/hosttest"
	"github.com/void-p2p/go-void/internal/core/relay/pb"
	"github.com/void-p2p/go-void/pkg/types"
)

func TestLimiter_ReservationRate(t *testing.T) {
	l := NewLimiter(LimiterConfig{ReservationRate: 2, MaxReservations: 10})
	p := types.PeerID("peer-a")

	require.NoError(t, l.AllowReservation(p, 0, false))
	require.NoError(t, l.AllowReservation(p, 0, false))
	assert.ErrorIs(t, l.AllowReservation(p, 0, false), ErrRateLimited)

	// 其他节点不受影响
	assert.NoError(t, l.AllowReservation(types.PeerID("peer-b"), 0, false))
}

func TestLimiter_MaxReservations(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxReservations: 1})
	assert.ErrorIs(t, l.AllowReservation("peer-a", 1, false), ErrTooManyReservations)
	// 续约不占新槽位
	assert.NoError(t, l.AllowReservation("peer-a", 1, true))
}

func TestLimiter_Circuits(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxCircuits: 3, MaxCircuitsPerPeer: 2})

	require.NoError(t, l.AcquireCircuit("a"))
	require.NoError(t, l.AcquireCircuit("a"))
	assert.ErrorIs(t, l.AcquireCircuit("a"), ErrTooManyCircuits)
	require.NoError(t, l.AcquireCircuit("b"))
	assert.ErrorIs(t, l.AcquireCircuit("c"), ErrTooManyCircuits)
	assert.Equal(t, 3, l.ActiveCircuits())

	l.ReleaseCircuit("a")
	assert.NoError(t, l.AcquireCircuit("c"))
	// 多余的释放被忽略
	l.ReleaseCircuit("x")
	assert.Equal(t, 3, l.ActiveCircuits())
}

func startServer(t *testing.T, cfg Config) (*host.Host, *Server) {
	t.Helper()
	r := hosttest.New(t)
	s := New(r, cfg)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return r, s
}

func reserve(t *testing.T, h *host.Host, relay types.PeerID) *pb.HopMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.NewStream(ctx, relay, HopProtocol)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, pb.WriteHop(st, &pb.HopMessage{Type: pb.HopReserve}))
	resp, err := pb.ReadHop(st)
	require.NoError(t, err)
	return resp
}

func TestServer_Reserve(t *testing.T) {
	r, s := startServer(t, DefaultConfig())
	a := hosttest.New(t)
	hosttest.Connect(t, a, r)

	resp := reserve(t, a, r.ID())
	assert.Equal(t, pb.HopStatus, resp.Type)
	require.Equal(t, pb.StatusOK, resp.Status)
	require.NotNil(t, resp.Reservation)
	assert.Greater(t, int64(resp.Reservation.Expire), time.Now().Unix())
	require.NotEmpty(t, resp.Reservation.Addrs)
	_, id := types.SplitP2PAddr(resp.Reservation.Addrs[0])
	assert.Equal(t, r.ID(), id)
	require.NotNil(t, resp.Limit)
	assert.Equal(t, uint32(120), resp.Limit.Duration)
	assert.Equal(t, uint64(1<<17), resp.Limit.Data)

	assert.True(t, s.HasReservation(a.ID()))
	assert.Equal(t, 1, s.Stats().Reservations)
}

func TestServer_ReservationLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReservations = 1
	r, _ := startServer(t, cfg)
	a := hosttest.New(t)
	b := hosttest.New(t)
	hosttest.Connect(t, a, r)
	hosttest.Connect(t, b, r)

	assert.Equal(t, pb.StatusOK, reserve(t, a, r.ID()).Status)
	assert.Equal(t, pb.StatusResourceLimitExceeded, reserve(t, b, r.ID()).Status)
	// a 续约仍然成功
	assert.Equal(t, pb.StatusOK, reserve(t, a, r.ID()).Status)
}

func TestServer_ReservationRemovedOnDisconnect(t *testing.T) {
	r, s := startServer(t, DefaultConfig())
	a := hosttest.New(t)
	hosttest.Connect(t, a, r)
	require.Equal(t, pb.StatusOK, reserve(t, a, r.ID()).Status)

	require.NoError(t, a.Swarm().ClosePeer(r.ID()))
	hosttest.Eventually(t, 5*time.Second, func() bool {
		return !s.HasReservation(a.ID())
	}, "断开后预约应被移除")
}

func TestServer_ConnectWithoutReservation(t *testing.T) {
	r, _ := startServer(t, DefaultConfig())
	a := hosttest.New(t)
	b := hosttest.New(t)
	hosttest.Connect(t, a, r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := a.NewStream(ctx, r.ID(), HopProtocol)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, pb.WriteHop(st, &pb.HopMessage{Type: pb.HopConnect, Peer: &pb.Peer{ID: b.ID()}}))
	resp, err := pb.ReadHop(st)
	require.NoError(t, err)
	assert.Equal(t, pb.StatusNoReservation, resp.Status)
}

func TestServer_UnexpectedMessage(t *testing.T) {
	r, _ := startServer(t, DefaultConfig())
	a := hosttest.New(t)
	hosttest.Connect(t, a, r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := a.NewStream(ctx, r.ID(), HopProtocol)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, pb.WriteHop(st, &pb.HopMessage{Type: pb.HopStatus, Status: pb.StatusOK}))
	resp, err := pb.ReadHop(st)
	require.NoError(t, err)
	assert.Equal(t, pb.StatusUnexpectedMessage, resp.Status)
}
