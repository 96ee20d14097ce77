package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/config"
	"github.com/void-p2p/go-void/internal/core/identity"
)

func TestBuild(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	cfg := config.NewConfig()
	cfg.Transport.EnableWebSocket = true

	res, err := Build(Params{Config: cfg, Identity: id})
	require.NoError(t, err)
	require.NotNil(t, res.Upgrader)

	var names []string
	for _, tr := range res.Transports {
		names = append(names, tr.Name())
		defer tr.Close()
	}
	assert.Equal(t, []string{"tcp", "quic", "ws"}, names)
}

func TestBuild_OnlyTCP(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	cfg := config.NewConfig()
	cfg.Transport.EnableQUIC = false

	res, err := Build(Params{Config: cfg, Identity: id})
	require.NoError(t, err)
	require.Len(t, res.Transports, 1)
	assert.Equal(t, "tcp", res.Transports[0].Name())
}
