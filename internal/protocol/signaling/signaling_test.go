package signaling

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/host/hosttest"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/types"
)

func TestMessages(t *testing.T) {
	var req request
	require.NoError(t, req.Unmarshal((&request{Payload: "hello"}).Marshal()))
	assert.Equal(t, "hello", req.Payload)

	// 未知字段被跳过
	b := pbio.AppendVarint(nil, 7, 42)
	b = pbio.AppendString(b, fieldToken, "ACK")
	var resp response
	require.NoError(t, resp.Unmarshal(b))
	assert.Equal(t, "ACK", resp.Token)

	assert.Error(t, resp.Unmarshal([]byte{0x0a, 0x05, 'A'}))
}

func start(t *testing.T, h *host.Host, cfg Config) *Service {
	t.Helper()
	s := New(h, cfg)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func isKind(kind types.SignalingEventKind) func(types.Event) bool {
	return func(e types.Event) bool {
		se, ok := e.(*types.SignalingEvent)
		return ok && se.Kind == kind
	}
}

func TestSend_RequestAndACK(t *testing.T) {
	a, b := hosttest.New(t), hosttest.New(t)
	sa := start(t, a, Config{})
	start(t, b, Config{})
	recA, recB := hosttest.Record(a), hosttest.Record(b)
	hosttest.Connect(t, a, b)

	id, err := sa.Send(b.ID(), "hello void")
	require.NoError(t, err)

	in := recB.Wait(t, 5*time.Second, isKind(types.SignalInboundRequest)).(*types.SignalingEvent)
	assert.Equal(t, a.ID(), in.Peer)
	assert.Equal(t, "hello void", in.Payload)
	require.NoError(t, in.Respond("ACK"))
	assert.ErrorIs(t, in.Respond("ACK"), ErrAlreadyResponded)

	out := recA.Wait(t, 5*time.Second, isKind(types.SignalResponse)).(*types.SignalingEvent)
	assert.Equal(t, id, out.RequestID)
	assert.Equal(t, b.ID(), out.Peer)
	assert.Equal(t, "ACK", out.Token)
	t.Logf("✅ 信令请求得到应答")
}

// 应答方事件通道被占满超过 Emit 的等待上限，请求事件也不丢，应答照常送达
func TestHandle_FullEventChannelStillACKs(t *testing.T) {
	a := hosttest.New(t)
	b := hosttest.New(t, hosttest.Options{EventBuffer: 1})
	sa := start(t, a, Config{})
	start(t, b, Config{})
	recA := hosttest.Record(a)
	hosttest.Connect(t, a, b)
	b.Emit(&types.PingEvent{BaseEvent: types.NewBaseEvent()})

	id, err := sa.Send(b.ID(), "queued")
	require.NoError(t, err)
	time.Sleep(1500 * time.Millisecond)

	recB := hosttest.Record(b)
	in := recB.Wait(t, 5*time.Second, isKind(types.SignalInboundRequest)).(*types.SignalingEvent)
	assert.Equal(t, "queued", in.Payload)
	require.NoError(t, in.Respond("ACK"))

	out := recA.Wait(t, 5*time.Second, isKind(types.SignalResponse)).(*types.SignalingEvent)
	assert.Equal(t, id, out.RequestID)
	assert.Equal(t, "ACK", out.Token)
}

func TestRequest_DialsFromPeerstore(t *testing.T) {
	a, b := hosttest.New(t), hosttest.New(t)
	sa := start(t, a, Config{})
	start(t, b, Config{})
	recB := hosttest.Record(b)

	a.Peerstore().AddAddrs(b.ID(), hosttest.Info(b).Addrs, interfaces.TempAddrTTL)
	require.Empty(t, a.ConnsToPeer(b.ID()))

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if ev, ok := recB.Find(isKind(types.SignalInboundRequest)).(*types.SignalingEvent); ok {
				_ = ev.Respond("OK:" + ev.Payload)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token, err := sa.Request(ctx, b.ID(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "OK:ping", token)
	assert.NotEmpty(t, a.ConnsToPeer(b.ID()))
}

func TestHandle_ResponseTimeout(t *testing.T) {
	a, b := hosttest.New(t), hosttest.New(t)
	cfg := Config{RequestTimeout: 300 * time.Millisecond}
	sa := start(t, a, cfg)
	start(t, b, cfg)
	recA, recB := hosttest.Record(a), hosttest.Record(b)
	hosttest.Connect(t, a, b)

	id, err := sa.Send(b.ID(), "nobody answers")
	require.NoError(t, err)

	in := recB.Wait(t, 5*time.Second, isKind(types.SignalInboundRequest)).(*types.SignalingEvent)
	fail := recB.Wait(t, 5*time.Second, isKind(types.SignalInboundFailure)).(*types.SignalingEvent)
	assert.ErrorIs(t, fail.Err, ErrResponseTimeout)
	assert.Equal(t, in.RequestID, fail.RequestID)
	assert.ErrorIs(t, in.Respond("ACK"), ErrResponseTimeout)

	out := recA.Wait(t, 5*time.Second, isKind(types.SignalOutboundFailure)).(*types.SignalingEvent)
	assert.Equal(t, id, out.RequestID)
	assert.Error(t, out.Err)
	assert.Nil(t, recA.Find(isKind(types.SignalResponse)))
}

func TestSend_UnreachablePeer(t *testing.T) {
	a, b := hosttest.New(t), hosttest.New(t)
	sa := start(t, a, Config{RequestTimeout: 2 * time.Second})
	recA := hosttest.Record(a)

	id, err := sa.Send(b.ID(), "hello")
	require.NoError(t, err)
	out := recA.Wait(t, 5*time.Second, isKind(types.SignalOutboundFailure)).(*types.SignalingEvent)
	assert.Equal(t, id, out.RequestID)
	assert.Error(t, out.Err)
}

func TestSend_Rejects(t *testing.T) {
	a, b := hosttest.New(t), hosttest.New(t)
	s := New(a, Config{MaxMessageSize: 16})

	_, err := s.Send(b.ID(), "x")
	assert.ErrorIs(t, err, ErrNotStarted)

	s.Start(context.Background())
	defer s.Stop()
	_, err = s.Send(b.ID(), strings.Repeat("x", 17))
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	id1, err := s.Send(b.ID(), "x")
	require.NoError(t, err)
	id2, err := s.Send(b.ID(), "y")
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
}
