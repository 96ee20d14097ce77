package swarm

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/core/peerstore"
	"github.com/void-p2p/go-void/internal/core/transport/tcp"
	"github.com/void-p2p/go-void/internal/core/upgrader"
	"github.com/void-p2p/go-void/pkg/interfaces"
	"github.com/void-p2p/go-void/pkg/types"
)

// eventLog 记录 Swarm 事件
type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) emit(ev types.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind types.SwarmEventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if se, ok := ev.(*types.SwarmEvent); ok && se.Kind == kind {
			n++
		}
	}
	return n
}

func newSwarm(t *testing.T, idle time.Duration) (*Swarm, *eventLog) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	up := upgrader.NewDefault(id, 5*time.Second)
	tr := tcp.New(up, tcp.Options{NoDelay: true})

	s := New(id.ID(), peerstore.New(0), []interfaces.Transport{tr}, Options{
		DialTimeout: 5 * time.Second,
		IdleTimeout: idle,
	})
	events := &eventLog{}
	s.SetEmitter(events.emit)
	t.Cleanup(func() { s.Close() })
	return s, events
}

func listen(t *testing.T, s *Swarm) ma.Multiaddr {
	t.Helper()
	require.NoError(t, s.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0")))
	addrs := s.ListenAddrs()
	require.Len(t, addrs, 1)
	return addrs[0]
}

func TestSwarm_DialAndStream(t *testing.T) {
	a, aEvents := newSwarm(t, time.Minute)
	b, bEvents := newSwarm(t, time.Minute)

	b.SetStreamHandler(func(s *Stream) {
		defer s.Close()
		_, _ = io.Copy(s, s)
	})
	addr := listen(t, b)
	a.Peerstore().AddAddrs(b.LocalPeer(), []ma.Multiaddr{addr}, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := a.DialPeer(ctx, b.LocalPeer())
	require.NoError(t, err)
	assert.Equal(t, types.DirOutbound, c.Stat().Direction)

	again, err := a.DialPeer(ctx, b.LocalPeer())
	require.NoError(t, err)
	assert.Same(t, c, again)

	st, err := c.NewStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Stat().NumStreams)

	_, err = st.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, st.CloseWrite())
	got, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
	require.NoError(t, st.Close())
	assert.Equal(t, 0, c.Stat().NumStreams)

	assert.Equal(t, 1, aEvents.count(types.ConnectionEstablished))
	assert.Equal(t, 1, bEvents.count(types.NewListenAddr))
	assert.Eventually(t, func() bool {
		return bEvents.count(types.ConnectionEstablished) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSwarm_IdleTimeout(t *testing.T) {
	a, aEvents := newSwarm(t, 200*time.Millisecond)
	b, _ := newSwarm(t, time.Minute)
	addr := listen(t, b)

	c, err := a.DialAddr(context.Background(), b.LocalPeer(), addr)
	require.NoError(t, err)

	assert.Eventually(t, c.IsClosed, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return aEvents.count(types.ConnectionClosed) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, a.ConnsToPeer(b.LocalPeer()))
}

func TestSwarm_TransientStreamDoesNotKeepAlive(t *testing.T) {
	a, _ := newSwarm(t, 200*time.Millisecond)
	b, _ := newSwarm(t, time.Minute)
	b.SetStreamHandler(func(s *Stream) {
		_, _ = io.Copy(io.Discard, s)
		s.Close()
	})
	addr := listen(t, b)

	c, err := a.DialAddr(context.Background(), b.LocalPeer(), addr)
	require.NoError(t, err)

	// 普通流打开期间不关闭
	st, err := c.NewStream(context.Background())
	require.NoError(t, err)
	time.Sleep(400 * time.Millisecond)
	assert.False(t, c.IsClosed())

	// 标记为短暂流后按空闲处理
	st.(*Stream).MarkTransient()
	assert.Eventually(t, c.IsClosed, 2*time.Second, 20*time.Millisecond)
}

func TestSwarm_ProtectedNotIdleClosed(t *testing.T) {
	a, _ := newSwarm(t, 100*time.Millisecond)
	b, _ := newSwarm(t, time.Minute)
	addr := listen(t, b)

	a.Protect(b.LocalPeer(), "relay")
	c, err := a.DialAddr(context.Background(), b.LocalPeer(), addr)
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)
	assert.False(t, c.IsClosed())

	assert.False(t, a.Unprotect(b.LocalPeer(), "relay"))
	assert.Eventually(t, c.IsClosed, 2*time.Second, 20*time.Millisecond)
}

func TestSwarm_DialErrors(t *testing.T) {
	a, aEvents := newSwarm(t, time.Minute)

	_, err := a.DialPeer(context.Background(), a.LocalPeer())
	assert.ErrorIs(t, err, ErrDialToSelf)

	other, err := identity.Generate()
	require.NoError(t, err)
	_, err = a.DialPeer(context.Background(), other.ID())
	assert.ErrorIs(t, err, ErrNoAddresses)

	_, err = a.DialAddr(context.Background(), other.ID(), ma.StringCast("/ip4/127.0.0.1/udp/1/quic-v1"))
	assert.ErrorIs(t, err, ErrNoTransport)
	assert.Equal(t, 2, aEvents.count(types.OutgoingConnectionError))
}

func TestRankAddrs(t *testing.T) {
	addrs := []ma.Multiaddr{
		ma.StringCast("/ip4/1.2.3.4/tcp/1/p2p/12D3KooWD3eckifWpRn9wQpMG9R9hX3sD158z7EqHWmweQAJU5SA/p2p-circuit"),
		ma.StringCast("/ip4/1.2.3.4/tcp/1/ws"),
		ma.StringCast("/ip4/1.2.3.4/tcp/1"),
		ma.StringCast("/ip4/1.2.3.4/udp/1/quic-v1"),
	}
	rankAddrs(addrs)
	assert.Equal(t, "/ip4/1.2.3.4/udp/1/quic-v1", addrs[0].String())
	assert.Equal(t, "/ip4/1.2.3.4/tcp/1", addrs[1].String())
	assert.Equal(t, "/ip4/1.2.3.4/tcp/1/ws", addrs[2].String())
	assert.True(t, types.IsRelayAddr(addrs[3]))
}
