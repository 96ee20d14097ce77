package identify

import (
	"context"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/host"
	"github.com/void-p2p/go-void/internal/core/host/hosttest"
	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/protocolids"
	"github.com/void-p2p/go-void/pkg/types"
)

func TestInfo_SkipsBadAddrs(t *testing.T) {
	in := &Info{
		PublicKey:       []byte{1, 2, 3},
		ListenAddrs:     []ma.Multiaddr{ma.StringCast("/ip4/1.2.3.4/tcp/4001")},
		Protocols:       []string{protocolids.Ping, protocolids.Signaling},
		ObservedAddr:    ma.StringCast("/ip4/5.6.7.8/udp/4001/quic-v1"),
		ProtocolVersion: protocolids.ProtocolVersion,
		AgentVersion:    protocolids.AgentVersion,
	}
	b := in.Marshal()
	// 追加一个无法解析的地址
	b = append(b, 0x12, 0x02, 0xff, 0xff)

	var out Info
	require.NoError(t, out.Unmarshal(b))
	require.Len(t, out.ListenAddrs, 1)
	assert.True(t, out.ListenAddrs[0].Equal(in.ListenAddrs[0]))
	assert.True(t, out.ObservedAddr.Equal(in.ObservedAddr))
	assert.Equal(t, in.Protocols, out.Protocols)
	assert.Equal(t, "void/1.0.1", out.AgentVersion)
	assert.Equal(t, "/void/1.0.0", out.ProtocolVersion)
}

func startService(t *testing.T, h *host.Host) *Service {
	t.Helper()
	pub, err := h.Peerstore().PubKey(h.ID())
	require.NoError(t, err)
	s := NewService(h, pub, Config{Timeout: 5 * time.Second})
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestService_ExchangeOnConnect(t *testing.T) {
	a := hosttest.New(t)
	b := hosttest.New(t)
	startService(t, a)
	startService(t, b)
	recA := hosttest.Record(a)
	recB := hosttest.Record(b)

	hosttest.Connect(t, a, b)

	ev := recA.Wait(t, 5*time.Second, func(e types.Event) bool {
		ie, ok := e.(*types.IdentifyEvent)
		return ok && ie.Peer == b.ID()
	}).(*types.IdentifyEvent)
	require.NoError(t, ev.Err)
	assert.Equal(t, protocolids.AgentVersion, ev.AgentVersion)
	assert.Contains(t, ev.Protocols, ProtocolID)
	require.NotNil(t, ev.ObservedAddr)

	// 被拨方同样完成 identify
	recB.Wait(t, 5*time.Second, func(e types.Event) bool {
		ie, ok := e.(*types.IdentifyEvent)
		return ok && ie.Peer == a.ID() && ie.Err == nil
	})

	ps := a.Peerstore()
	assert.Equal(t, protocolids.AgentVersion, ps.AgentVersion(b.ID()))
	assert.True(t, ps.SupportsProtocol(b.ID(), ProtocolID))
	assert.NotEmpty(t, ps.Addrs(b.ID()))
	t.Logf("✅ identify 交换完成")
}

func TestService_IdentifyDoesNotKeepConnAlive(t *testing.T) {
	a := hosttest.New(t, hosttest.Options{IdleTimeout: 300 * time.Millisecond})
	b := hosttest.New(t)
	startService(t, a)
	startService(t, b)

	hosttest.Connect(t, a, b)
	hosttest.Eventually(t, 3*time.Second, func() bool {
		return len(a.ConnsToPeer(b.ID())) == 0
	}, "identify 之后连接应空闲关闭")
}

func TestService_KeyMismatch(t *testing.T) {
	a := hosttest.New(t)
	b := hosttest.New(t)
	s := NewService(a, nil, Config{})
	hosttest.Connect(t, a, b)

	other, err := identity.Generate()
	require.NoError(t, err)
	raw, err := crypto.MarshalPublicKey(other.PublicKey())
	require.NoError(t, err)

	conns := a.ConnsToPeer(b.ID())
	require.NotEmpty(t, conns)
	err = s.consume(conns[0], &Info{PublicKey: raw})
	assert.ErrorIs(t, err, ErrKeyMismatch)
}
