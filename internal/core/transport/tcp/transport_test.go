package tcp

import (
	"context"
	"io"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/core/upgrader"
)

func newTransport(t *testing.T) (*Transport, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	tr := New(upgrader.NewDefault(id, 5*time.Second), Options{NoDelay: true, DialTimeout: 5 * time.Second})
	t.Cleanup(func() { tr.Close() })
	return tr, id
}

func TestTransport_CanDial(t *testing.T) {
	tr, _ := newTransport(t)

	tests := []struct {
		addr string
		want bool
	}{
		{"/ip4/127.0.0.1/tcp/4001", true},
		{"/ip6/::1/tcp/4001", true},
		{"/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWD3eckifWpRn9wQpMG9R9hX3sD158z7EqHWmweQAJU5SA", true},
		{"/ip4/127.0.0.1/tcp/4001/ws", false},
		{"/ip4/127.0.0.1/udp/4001/quic-v1", false},
		{"/dns4/example.com/tcp/4001", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.CanDial(ma.StringCast(tt.addr)))
		})
	}
}

func TestTransport_ListenAndDial(t *testing.T) {
	server, serverID := newTransport(t)
	client, clientID := newTransport(t)

	l, err := server.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer l.Close()

	port, err := l.Multiaddr().ValueForProtocol(ma.P_TCP)
	require.NoError(t, err)
	assert.NotEqual(t, "0", port)

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		s, err := c.AcceptStream()
		if err != nil {
			return
		}
		_, _ = io.Copy(s, s)
		s.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, l.Multiaddr(), serverID.ID())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, serverID.ID(), c.RemotePeer())
	assert.Equal(t, clientID.ID(), c.LocalPeer())
	assert.Equal(t, Name, c.Transport())

	s, err := c.OpenStream(ctx)
	require.NoError(t, err)
	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestTransport_DialWrongPeer(t *testing.T) {
	server, _ := newTransport(t)
	client, _ := newTransport(t)
	other, err := identity.Generate()
	require.NoError(t, err)

	l, err := server.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			if _, err := l.Accept(); err != nil {
				return
			}
		}
	}()

	_, err = client.Dial(context.Background(), l.Multiaddr(), other.ID())
	assert.Error(t, err)
}

func TestTransport_Closed(t *testing.T) {
	tr, _ := newTransport(t)
	require.NoError(t, tr.Close())

	_, err := tr.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	assert.ErrorIs(t, err, ErrTransportClosed)
}
