package autonat

import (
	"context"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/host/hosttest"
	"github.com/void-p2p/go-void/pkg/types"
)

func TestMessage_Dial(t *testing.T) {
	h := hosttest.New(t)
	in := &message{
		Type:  MessageDial,
		Peer:  h.ID(),
		Addrs: []ma.Multiaddr{ma.StringCast("/ip4/1.2.3.4/tcp/4001")},
	}
	var out message
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, MessageDial, out.Type)
	assert.Equal(t, h.ID(), out.Peer)
	require.Len(t, out.Addrs, 1)
	assert.True(t, out.Addrs[0].Equal(in.Addrs[0]))

	resp := &message{Type: MessageDialResponse, Status: StatusDialError, StatusText: "dial failed"}
	require.NoError(t, out.Unmarshal(resp.Marshal()))
	assert.Equal(t, StatusDialError, out.Status)
	assert.Equal(t, "dial failed", out.StatusText)
	assert.Nil(t, out.Addr)
}

// setup a 为客户端，b 提供回拨服务
func setup(t *testing.T, candidates func(a *host.Host) []ma.Multiaddr) (*host.Host, *host.Host, *Client) {
	t.Helper()
	a := hosttest.New(t)
	b := hosttest.New(t)
	srv := NewServer(b, ServerConfig{RateLimit: 100, Burst: 100, DialTimeout: 3 * time.Second, AllowPrivateAddrs: true})
	srv.Start()
	t.Cleanup(srv.Stop)

	hosttest.Connect(t, a, b)
	a.Peerstore().SetProtocols(b.ID(), []string{ProtocolID})

	c := NewClient(a, Config{
		ConfidenceThreshold: 3,
		Timeout:             5 * time.Second,
		Candidates:          func() []ma.Multiaddr { return candidates(a) },
	})
	return a, b, c
}

func TestClient_Public(t *testing.T) {
	a, _, c := setup(t, func(a *host.Host) []ma.Multiaddr { return a.Swarm().ListenAddrs() })
	rec := hosttest.Record(a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Probe(ctx))

	st := c.Status()
	require.Equal(t, types.ReachabilityPublic, st.Reachability)
	require.NotNil(t, st.Addr)
	assert.Contains(t, a.ExternalAddrs(), st.Addr)

	ev := rec.Wait(t, 5*time.Second, func(e types.Event) bool {
		_, ok := e.(*types.NATEvent)
		return ok
	}).(*types.NATEvent)
	assert.Equal(t, types.ReachabilityUnknown, ev.Old.Reachability)
	assert.Equal(t, types.ReachabilityPublic, ev.New.Reachability)
}

func TestClient_Private(t *testing.T) {
	closed := ma.StringCast("/ip4/127.0.0.1/tcp/1")
	_, _, c := setup(t, func(*host.Host) []ma.Multiaddr { return []ma.Multiaddr{closed} })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Probe(ctx))
	assert.Equal(t, types.ReachabilityPrivate, c.Status().Reachability)
}

func TestClient_NoServers(t *testing.T) {
	a := hosttest.New(t)
	c := NewClient(a, Config{})
	assert.ErrorIs(t, c.Probe(context.Background()), ErrNoServers)
	assert.Equal(t, types.ReachabilityUnknown, c.Status().Reachability)
}

func TestClient_Confidence(t *testing.T) {
	a := hosttest.New(t)
	c := NewClient(a, Config{ConfidenceThreshold: 2})
	addr := ma.StringCast("/ip4/8.8.8.8/tcp/4001")

	// Unknown 的第一个结论直接生效
	c.record(true, addr)
	assert.Equal(t, types.ReachabilityPublic, c.Status().Reachability)
	assert.Contains(t, a.ExternalAddrs(), addr)

	c.record(true, addr)
	c.record(true, addr) // 置信度封顶为 2

	c.record(false, nil)
	c.record(false, nil)
	assert.Equal(t, types.ReachabilityPublic, c.Status().Reachability, "置信度耗尽前保持原状态")

	c.record(false, nil)
	assert.Equal(t, types.ReachabilityPrivate, c.Status().Reachability)
	assert.NotContains(t, a.ExternalAddrs(), addr)
}

func TestServer_DialableAddrs(t *testing.T) {
	b := hosttest.New(t)
	s := NewServer(b, ServerConfig{})
	a := hosttest.New(t)
	observed := ma.StringCast("/ip4/8.8.8.8/tcp/5000")

	got := s.dialableAddrs(a.ID(), observed, []ma.Multiaddr{
		ma.StringCast("/ip4/8.8.8.8/tcp/4001"),
		ma.StringCast("/ip4/8.8.8.8/udp/4001/quic-v1"),
		ma.StringCast("/ip4/9.9.9.9/tcp/4001"),     // 其他 IP
		ma.StringCast("/ip4/192.168.1.1/tcp/4001"), // 私有地址
		ma.StringCast("/ip4/8.8.8.8/tcp/1/p2p-circuit"),
	})
	require.Len(t, got, 2)
	assert.Equal(t, "/ip4/8.8.8.8/tcp/4001", got[0].String())
}

func TestServer_RefusesPeerMismatch(t *testing.T) {
	a := hosttest.New(t)
	b := hosttest.New(t)
	other := hosttest.New(t)
	hosttest.Connect(t, a, b)

	s := NewServer(b, ServerConfig{AllowPrivateAddrs: true})
	conn := b.ConnsToPeer(a.ID())[0]
	resp := s.handleDial(a.ID(), conn, &message{Type: MessageDial, Peer: other.ID()})
	assert.Equal(t, StatusBadRequest, resp.Status)

	resp = s.handleDial(a.ID(), conn, &message{Type: MessageDial, Peer: a.ID()})
	assert.Equal(t, StatusDialRefused, resp.Status)
}
