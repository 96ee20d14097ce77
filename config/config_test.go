package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Transport.EnableTCP)
	assert.True(t, cfg.Transport.EnableQUIC)
	assert.Equal(t, 60*time.Second, cfg.Transport.IdleTimeout.Duration())
	assert.Len(t, cfg.Discovery.BootstrapPeers, 4)
	assert.Equal(t, 20, cfg.Discovery.DHT.BucketSize)
	assert.Equal(t, 3, cfg.NAT.AutoNAT.ConfidenceThreshold)
	assert.Equal(t, "void/1.0.1", cfg.Messaging.AgentVersion)
	assert.Equal(t, "void_messages.db", cfg.Storage.Path)
	t.Logf("✅ 默认配置有效")
}

func TestDefaultBootstrapPeers_NotShared(t *testing.T) {
	cfg := NewConfig()
	cfg.Discovery.BootstrapPeers[0] = "mutated"
	assert.NotEqual(t, "mutated", DefaultBootstrapPeers[0])
}

func TestTransportConfig_DefaultListenAddrs(t *testing.T) {
	c := DefaultTransportConfig()
	c.ListenPort = 4001
	c.EnableWebSocket = true
	c.WebSocket.Port = 4002

	assert.Equal(t, []string{
		"/ip4/0.0.0.0/tcp/4001",
		"/ip4/0.0.0.0/udp/4001/quic-v1",
		"/ip4/0.0.0.0/tcp/4002/ws",
	}, c.DefaultListenAddrs())

	c.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	assert.Equal(t, c.ListenAddrs, c.DefaultListenAddrs())
}

func TestConfig_ValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"无传输", func(c *Config) {
			c.Transport.EnableTCP, c.Transport.EnableQUIC, c.Transport.EnableWebSocket = false, false, false
		}, ErrNoTransport},
		{"端口越界", func(c *Config) { c.Transport.ListenPort = 70000 }, ErrInvalidPort},
		{"dht bucket", func(c *Config) { c.Discovery.DHT.BucketSize = 0 }, ErrNonPositive},
		{"autonat 阈值", func(c *Config) { c.NAT.AutoNAT.ConfidenceThreshold = 0 }, ErrNonPositive},
		{"未知存储", func(c *Config) { c.Storage.Backend = "mongo" }, ErrUnknownBackend},
		{"中继服务端无传输", func(c *Config) {
			c.Relay.EnableServer = true
			c.Transport.EnableTCP, c.Transport.EnableQUIC = false, false
			c.Transport.EnableWebSocket = true
		}, ErrRelayServerNeedsTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestMessagingConfig_MeshDegree(t *testing.T) {
	c := DefaultMessagingConfig()
	c.PubSub.Dlo = 8
	assert.Error(t, c.Validate())

	c.EnablePubSub = false
	assert.NoError(t, c.Validate())
}

func TestFromJSON_PartialKeepsDefaults(t *testing.T) {
	cfg, err := FromJSON([]byte(`{"transport":{"listen_port":4001,"idle_timeout":"90s"},"storage":{"backend":"badger","path":"/tmp/void"}}`))
	require.NoError(t, err)

	assert.Equal(t, 4001, cfg.Transport.ListenPort)
	assert.Equal(t, 90*time.Second, cfg.Transport.IdleTimeout.Duration())
	assert.True(t, cfg.Transport.EnableQUIC)
	assert.Equal(t, StorageBadger, cfg.Storage.Backend)
	assert.Equal(t, 3, cfg.NAT.AutoNAT.ConfidenceThreshold)
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := FromJSON([]byte(`{"transport":{"idle_timeout":"soon"}}`))
	assert.Error(t, err)
}

func TestLoadFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "void.json")

	cfg := NewConfig()
	cfg.Identity.KeyFile = "/var/lib/void/key"
	cfg.Relay.EnableServer = true
	require.NoError(t, cfg.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "void.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"backend":"mongo"}}`), 0o600))

	_, err := LoadFile(path)
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	cfg := NewConfig()
	cp := Clone(cfg)
	require.NotNil(t, cp)
	cp.Discovery.BootstrapPeers = nil
	assert.Len(t, cfg.Discovery.BootstrapPeers, 4)
	assert.Nil(t, Clone(nil))
}

func TestApplyPreset(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, ApplyPreset(cfg, "relay"))
	assert.True(t, cfg.Relay.EnableServer)
	assert.False(t, cfg.Relay.EnableClient)
	assert.Equal(t, 4001, cfg.Transport.ListenPort)
	require.NoError(t, cfg.Validate())

	cfg = NewConfig()
	require.NoError(t, ApplyPreset(cfg, "minimal"))
	assert.False(t, cfg.Discovery.EnableDHT)
	require.NoError(t, cfg.Validate())

	assert.Error(t, ApplyPreset(NewConfig(), "mobile"))
	assert.ErrorIs(t, ApplyPreset(nil, "client"), ErrNilConfig)
}

func TestDuration_JSON(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1m30s","b":1000}`), &v))
	assert.Equal(t, 90*time.Second, v.A.Duration())
	assert.Equal(t, time.Microsecond, v.B.Duration())

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &v))
}
