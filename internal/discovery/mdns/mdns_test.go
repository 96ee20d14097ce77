package mdns

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/host/hosttest"
	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/pkg/types"
)

func randomPeer(t *testing.T) types.PeerID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.ID()
}

func TestBuildTXTRecords(t *testing.T) {
	txt := buildTXTRecords("peer", nil)
	assert.Equal(t, []string{"id=peer"}, txt)

	var addrs []string
	for i := 0; i < 20; i++ {
		addrs = append(addrs, "/ip4/192.168.100.200/udp/40001/quic-v1")
	}
	addrs = append(addrs, strings.Repeat("x", 300))
	txt = buildTXTRecords("peer", addrs)
	require.Greater(t, len(txt), 2)

	n := 0
	for _, r := range txt[1:] {
		assert.LessOrEqual(t, len(r), maxTXTLen)
		require.True(t, strings.HasPrefix(r, addrsPrefix))
		n += len(strings.Split(strings.TrimPrefix(r, addrsPrefix), ","))
	}
	// 超长地址被丢弃
	assert.Equal(t, 20, n)
}

func TestParseEntry(t *testing.T) {
	p := randomPeer(t)

	ai, ok := parseEntry(&mdns.ServiceEntry{
		InfoFields: []string{
			"id=" + p.String(),
			"addrs=/ip4/192.168.1.2/tcp/4001,/ip4/192.168.1.2/udp/4001/quic-v1",
			"addrs=/ip4/192.168.1.2/tcp/4001,not-an-addr",
		},
	})
	require.True(t, ok)
	assert.Equal(t, p, ai.ID)
	require.Len(t, ai.Addrs, 2)
	assert.Equal(t, "/ip4/192.168.1.2/tcp/4001", ai.Addrs[0].String())

	// TXT 没有地址时使用 A 记录
	ai, ok = parseEntry(&mdns.ServiceEntry{
		InfoFields: []string{"id=" + p.String()},
		AddrV4:     net.ParseIP("192.168.1.3").To4(),
		Port:       5000,
	})
	require.True(t, ok)
	require.Len(t, ai.Addrs, 1)
	assert.Equal(t, "/ip4/192.168.1.3/tcp/5000", ai.Addrs[0].String())

	_, ok = parseEntry(&mdns.ServiceEntry{InfoFields: []string{"id=garbage", "addrs=/ip4/1.2.3.4/tcp/1"}})
	assert.False(t, ok)

	_, ok = parseEntry(&mdns.ServiceEntry{InfoFields: []string{"id=" + p.String()}})
	assert.False(t, ok, "没有任何地址")

	_, ok = parseEntry(nil)
	assert.False(t, ok)
}

func TestAnnounceAddrs(t *testing.T) {
	in := []ma.Multiaddr{
		ma.StringCast("/ip4/127.0.0.1/tcp/4001"),
		ma.StringCast("/ip4/192.168.1.5/tcp/4001"),
		ma.StringCast("/ip4/192.168.1.5/udp/4002/quic-v1"),
		ma.StringCast("/ip4/0.0.0.0/tcp/4001"),
		ma.StringCast("/ip4/1.2.3.4/tcp/4001/p2p/" + randomPeer(t).String() + "/p2p-circuit"),
	}
	out := announceAddrs(in)
	require.Len(t, out, 2)
	assert.Equal(t, 4001, inferPort(out))
	assert.Equal(t, 4002, inferPort(out[1:]))
	assert.Len(t, addrIPs(out), 1)
}

func TestService_FoundAndExpire(t *testing.T) {
	h := hosttest.New(t)
	rec := hosttest.Record(h)
	s := New(h, Config{TTL: time.Minute})

	var cb []types.PeerID
	s.OnDiscovered(func(ai types.AddrInfo) { cb = append(cb, ai.ID) })

	p := randomPeer(t)
	ai := types.AddrInfo{ID: p, Addrs: []ma.Multiaddr{ma.StringCast("/ip4/192.168.1.9/tcp/4001")}}
	s.found(ai)
	s.found(ai)
	s.found(types.AddrInfo{ID: h.ID(), Addrs: ai.Addrs})

	assert.Equal(t, []types.PeerID{p}, cb)
	assert.Len(t, s.Peers(), 1)
	assert.NotEmpty(t, h.Peerstore().Addrs(p))

	ev := rec.Wait(t, time.Second, func(e types.Event) bool {
		me, ok := e.(*types.MDNSEvent)
		return ok && !me.Expired
	}).(*types.MDNSEvent)
	require.Len(t, ev.Peers, 1)
	assert.Equal(t, p, ev.Peers[0].ID)

	s.expire(time.Now())
	assert.Len(t, s.Peers(), 1, "未超过 TTL")

	s.expire(time.Now().Add(2 * time.Minute))
	assert.Empty(t, s.Peers())
	rec.Wait(t, time.Second, func(e types.Event) bool {
		me, ok := e.(*types.MDNSEvent)
		return ok && me.Expired && len(me.Peers) == 1 && me.Peers[0].ID == p
	})

	discovered := 0
	for _, e := range rec.Events() {
		if me, ok := e.(*types.MDNSEvent); ok && !me.Expired {
			discovered++
		}
	}
	assert.Equal(t, 1, discovered, "重复发现不产生事件")
}

// 需要可用的组播网络，设置 VOID_MDNS_TEST=1 运行
func TestService_LANConvergence(t *testing.T) {
	if os.Getenv("VOID_MDNS_TEST") == "" {
		t.Skip("VOID_MDNS_TEST 未设置")
	}
	cfg := Config{ServiceName: "_void-test._udp", Interval: time.Second, QueryTimeout: 500 * time.Millisecond}

	var svcs []*Service
	for i := 0; i < 2; i++ {
		h := hosttest.New(t)
		require.NoError(t, h.Listen(ma.StringCast("/ip4/0.0.0.0/tcp/0")))
		s := New(h, cfg)
		s.Start(context.Background())
		t.Cleanup(s.Stop)
		svcs = append(svcs, s)
	}

	knows := func(s *Service, id types.PeerID) bool {
		for _, ai := range s.Peers() {
			if ai.ID == id {
				return true
			}
		}
		return false
	}
	hosttest.Eventually(t, 15*time.Second, func() bool {
		return knows(svcs[0], svcs[1].host.ID()) && knows(svcs[1], svcs[0].host.ID())
	}, "两个节点应通过 mDNS 互相发现")
}
