package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/host/hosttest"
	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/pkg/types"
)

func TestMessageCache_Windows(t *testing.T) {
	c := newMessageCache(3, 2)
	c.put("a", &Message{Topic: "t"})
	c.shift()
	c.put("b", &Message{Topic: "t"})
	c.put("x", &Message{Topic: "other"})
	assert.ElementsMatch(t, []string{"a", "b"}, c.gossipIDs("t"))

	c.shift()
	assert.Equal(t, []string{"b"}, c.gossipIDs("t"), "超出 gossip 窗口不再通告")
	_, ok := c.get("a")
	assert.True(t, ok, "仍在历史窗口内")

	c.shift()
	_, ok = c.get("a")
	assert.False(t, ok)
	_, ok = c.get("b")
	assert.True(t, ok)
}

func TestSeenCache(t *testing.T) {
	s := newSeenCache(50 * time.Millisecond)
	assert.True(t, s.add("m"))
	assert.False(t, s.add("m"))
	assert.True(t, s.has("m"))
	hosttest.Eventually(t, time.Second, func() bool { return !s.has("m") }, "过期后应被移除")
}

func TestRPC_Encoding(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	in := &rpc{
		Subscriptions: []subOpts{{Subscribe: true, Topic: "void"}, {Topic: "old"}},
		Publish:       []*Message{{From: id.ID(), Data: []byte("hi"), Seqno: []byte{1}, Topic: "void", Signature: []byte{9}}},
		Control: &control{
			IHave: []ihave{{Topic: "void", IDs: []string{"m1", "m2"}}},
			IWant: [][]string{{"m3"}},
			Graft: []string{"void"},
			Prune: []prune{{Topic: "old", Backoff: 60}},
		},
	}
	var out rpc
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in.Subscriptions, out.Subscriptions)
	require.Len(t, out.Publish, 1)
	assert.Equal(t, id.ID(), out.Publish[0].From)
	assert.Equal(t, []byte("hi"), out.Publish[0].Data)
	assert.Equal(t, in.Control, out.Control)

	assert.True(t, (&rpc{Control: &control{}}).empty())
}

func TestValidate_Signatures(t *testing.T) {
	h, id := hosttest.NewNode(t)
	r := New(h, id, DefaultConfig())

	msg := &Message{From: id.ID(), Data: []byte("payload"), Seqno: []byte{0, 1}, Topic: "void"}
	sig, err := id.Sign(append([]byte(signPrefix), msg.marshal(false)...))
	require.NoError(t, err)
	msg.Signature = sig
	assert.NoError(t, r.validate(msg))

	tampered := *msg
	tampered.Data = []byte("other")
	assert.ErrorIs(t, r.validate(&tampered), ErrInvalidSignature)

	other, err := identity.Generate()
	require.NoError(t, err)
	forged := *msg
	forged.From = other.ID()
	assert.ErrorIs(t, r.validate(&forged), ErrInvalidSignature)

	unsigned := &Message{From: id.ID(), Data: []byte("x"), Topic: "void"}
	assert.ErrorIs(t, r.validate(unsigned), ErrInvalidSignature)

	lax := New(h, id, Config{StrictSigning: false})
	assert.NoError(t, lax.validate(unsigned))
	assert.ErrorIs(t, lax.validate(&Message{Data: []byte("x")}), ErrEmptyTopic)
}

func TestHandleControl(t *testing.T) {
	h, id := hosttest.NewNode(t)
	r := New(h, id, DefaultConfig())
	peer, err := identity.Generate()
	require.NoError(t, err)
	p := peer.ID()

	r.mySubs["void"] = struct{}{}
	r.mesh["void"] = make(map[types.PeerID]struct{})
	r.seen.add("known")
	r.mcache.put("cached", &Message{Topic: "void", Data: []byte("c")})

	out := make(outgoing)
	r.handleControlLocked(out, p, &control{
		IHave: []ihave{{Topic: "void", IDs: []string{"known", "new"}}, {Topic: "unsubscribed", IDs: []string{"z"}}},
		IWant: [][]string{{"cached", "missing"}},
		Graft: []string{"void", "unsubscribed"},
	})

	res := out[p]
	require.NotNil(t, res)
	assert.Equal(t, [][]string{{"new"}}, res.Control.IWant)
	require.Len(t, res.Publish, 1)
	assert.Equal(t, []byte("c"), res.Publish[0].Data)
	assert.Contains(t, r.mesh["void"], p)
	require.Len(t, res.Control.Prune, 1)
	assert.Equal(t, "unsubscribed", res.Control.Prune[0].Topic)

	// PRUNE 移出 mesh 并退避，退避期内的 GRAFT 被拒绝
	out = make(outgoing)
	r.handleControlLocked(out, p, &control{Prune: []prune{{Topic: "void"}}})
	assert.NotContains(t, r.mesh["void"], p)
	r.handleControlLocked(out, p, &control{Graft: []string{"void"}})
	assert.NotContains(t, r.mesh["void"], p)
	require.NotNil(t, out[p])
	assert.Len(t, out[p].Control.Prune, 1)
}

func startRouter(t *testing.T) (*host.Host, *Router) {
	t.Helper()
	h, id := hosttest.NewNode(t)
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	r := New(h, id, cfg)
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return h, r
}

func hasPeer(ps []types.PeerID, p types.PeerID) bool {
	for _, q := range ps {
		if q == p {
			return true
		}
	}
	return false
}

func isGossip(data string) func(types.Event) bool {
	return func(e types.Event) bool {
		ge, ok := e.(*types.GossipEvent)
		return ok && string(ge.Data) == data
	}
}

func TestPublish_Delivers(t *testing.T) {
	a, ra := startRouter(t)
	b, rb := startRouter(t)
	recB := hosttest.Record(b)

	require.NoError(t, ra.Subscribe("void"))
	require.NoError(t, rb.Subscribe("void"))
	hosttest.Connect(t, a, b)
	hosttest.Eventually(t, 5*time.Second, func() bool {
		return hasPeer(ra.ListPeers("void"), b.ID()) && hasPeer(rb.ListPeers("void"), a.ID())
	}, "双方应知道对方的订阅")

	id, err := ra.Publish("void", []byte("hello mesh"))
	require.NoError(t, err)
	assert.Equal(t, MessageID([]byte("hello mesh")), id)

	ev := recB.Wait(t, 5*time.Second, isGossip("hello mesh")).(*types.GossipEvent)
	assert.Equal(t, "void", ev.Topic)
	assert.Equal(t, a.ID(), ev.From)
	assert.Equal(t, id, ev.MessageID)

	hosttest.Eventually(t, 5*time.Second, func() bool {
		return hasPeer(ra.MeshPeers("void"), b.ID())
	}, "心跳后对端进入 mesh")
	t.Logf("✅ gossip 消息送达")
}

func TestPublish_ForwardsThroughMesh(t *testing.T) {
	a, ra := startRouter(t)
	b, rb := startRouter(t)
	c, rc := startRouter(t)
	recC := hosttest.Record(c)

	for _, r := range []*Router{ra, rb, rc} {
		require.NoError(t, r.Subscribe("void"))
	}
	hosttest.Connect(t, a, b)
	hosttest.Connect(t, b, c)
	hosttest.Eventually(t, 5*time.Second, func() bool {
		return hasPeer(rb.MeshPeers("void"), c.ID()) &&
			hasPeer(rb.ListPeers("void"), a.ID()) &&
			hasPeer(rc.ListPeers("void"), b.ID())
	}, "b 的 mesh 应包含 c")

	_, err := ra.Publish("void", []byte("two hops"))
	require.NoError(t, err)
	ev := recC.Wait(t, 5*time.Second, isGossip("two hops")).(*types.GossipEvent)
	assert.Equal(t, a.ID(), ev.From, "转发保留原始发送者")
	assert.Empty(t, c.ConnsToPeer(a.ID()))
}

func TestRouter_Errors(t *testing.T) {
	h, id := hosttest.NewNode(t)
	r := New(h, id, Config{MaxMessageSize: 4})
	assert.ErrorIs(t, r.Subscribe("void"), ErrNotStarted)
	_, err := r.Publish("void", []byte("x"))
	assert.ErrorIs(t, err, ErrNotStarted)

	r.Start(context.Background())
	defer r.Stop()
	assert.ErrorIs(t, r.Subscribe(""), ErrEmptyTopic)
	_, err = r.Publish("void", []byte("too long"))
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	require.NoError(t, r.Subscribe("void"))
	assert.Equal(t, []string{"void"}, r.Topics())
	r.Unsubscribe("void")
	assert.Empty(t, r.Topics())
}
