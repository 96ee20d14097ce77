package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/identity"
)

func TestParseRelays(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	p := id.ID().String()

	relays, err := ParseRelays([]string{
		"/ip4/1.2.3.4/tcp/4001/p2p/" + p,
		"/ip4/1.2.3.4/udp/4001/quic-v1/p2p/" + p,
	})
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Equal(t, id.ID(), relays[0].ID)
	assert.Len(t, relays[0].Addrs, 2)

	_, err = ParseRelays([]string{"/ip4/1.2.3.4/tcp/4001"})
	assert.Error(t, err)
	_, err = ParseRelays([]string{"not-an-addr"})
	assert.Error(t, err)
}
