package void

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/metrics"
	"github.com/void-p2p/go-void/internal/core/storage"
	"github.com/void-p2p/go-void/internal/protocol/pubsub"
)

func TestProvideSink_Backends(t *testing.T) {
	cases := []struct {
		backend string
		path    string
	}{
		{config.StorageSQLite, filepath.Join(t.TempDir(), "void_messages.db")},
		{config.StorageBadger, t.TempDir()},
	}
	for _, tc := range cases {
		t.Run(tc.backend, func(t *testing.T) {
			cfg := config.NewConfig()
			cfg.Storage.Backend = tc.backend
			cfg.Storage.Path = tc.path

			lc := fxtest.NewLifecycle(t)
			sink, err := provideSink(lc, cfg)
			require.NoError(t, err)
			require.NotNil(t, sink)
			lc.RequireStart()

			ctx := context.Background()
			p := randomPeer(t)
			require.NoError(t, sink.Append(ctx, Message{PeerID: p, Content: "hi", IsSent: true}))

			store, ok := sink.(storage.Store)
			require.True(t, ok)
			msgs, err := store.Recent(ctx, 10)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, p, msgs[0].PeerID)

			lc.RequireStop()
		})
	}
}

func TestProvideSink_NoneAndUnknown(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Storage.Backend = config.StorageNone
	sink, err := provideSink(fxtest.NewLifecycle(t), cfg)
	require.NoError(t, err)
	assert.Nil(t, sink)

	cfg.Storage.Backend = "etcd"
	_, err = provideSink(fxtest.NewLifecycle(t), cfg)
	assert.ErrorIs(t, err, config.ErrUnknownBackend)
}

func TestBuildFxApp_Wiring(t *testing.T) {
	var (
		m  *metrics.Metrics
		ps *pubsub.Router
	)
	rec, sink := &recorder{}, &memSink{}
	opts := append(testOptions(rec, sink),
		WithMetrics(true, ""),
		WithFxOption(fx.Populate(&m, &ps)),
	)
	n, err := New(opts...)
	require.NoError(t, err)
	require.NotNil(t, n.host)
	require.NotNil(t, n.signaling)
	assert.Same(t, m, n.metrics)
	assert.Nil(t, ps, "minimal 预设关闭 gossip")
	assert.Equal(t, 0, n.RoutingTableSize())

	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["void_peers"])
	assert.True(t, names["void_dht_routing_table_size"])
}

func TestBuildFxApp_RejectsInvalidConfig(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Transport.EnableTCP = false
	cfg.Transport.EnableQUIC = false
	cfg.Transport.EnableWebSocket = false
	_, err := New(WithConfig(cfg))
	assert.Error(t, err)

	_, err = New(WithListenPort(70000))
	assert.Error(t, err)
	_, err = New(WithBootstrapPeers("/ip4/1.2.3.4/tcp/4001"))
	assert.ErrorIs(t, err, ErrMissingPeerID)
	_, err = New(WithConfig(nil))
	assert.ErrorIs(t, err, config.ErrNilConfig)
}
