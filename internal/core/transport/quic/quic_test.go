package quic

import (
	"context"
	"io"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/identity"
)

func newTransport(t *testing.T) (*Transport, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	tr, err := New(id, Options{MaxIdleTimeout: 10 * time.Second, MaxStreams: 16})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr, id
}

func TestCertificate_RoundTrip(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	cert, err := newCertificate(id)
	require.NoError(t, err)

	pub, err := verifyCertificate(cert.Certificate)
	require.NoError(t, err)
	assert.True(t, pub.Equals(id.PublicKey()))
}

func TestCertificate_Rejects(t *testing.T) {
	_, err := verifyCertificate(nil)
	assert.ErrorIs(t, err, ErrNoCertificate)

	_, err = verifyCertificate([][]byte{[]byte("garbage")})
	assert.Error(t, err)
}

func TestTransport_CanDial(t *testing.T) {
	tr, _ := newTransport(t)
	assert.True(t, tr.CanDial(ma.StringCast("/ip4/1.2.3.4/udp/4001/quic-v1")))
	assert.True(t, tr.CanDial(ma.StringCast("/ip6/::1/udp/4001/quic-v1")))
	assert.False(t, tr.CanDial(ma.StringCast("/ip4/1.2.3.4/udp/4001/quic")))
	assert.False(t, tr.CanDial(ma.StringCast("/ip4/1.2.3.4/tcp/4001")))
}

func TestTransport_ListenAndDial(t *testing.T) {
	server, serverID := newTransport(t)
	client, clientID := newTransport(t)

	l, err := server.Listen(ma.StringCast("/ip4/127.0.0.1/udp/0/quic-v1"))
	require.NoError(t, err)

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
		s.CloseWrite()
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
	_, err = s.Write([]byte("quic echo"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "quic echo", string(got))
}

func TestTransport_DialWrongPeer(t *testing.T) {
	server, _ := newTransport(t)
	client, _ := newTransport(t)
	other, err := identity.Generate()
	require.NoError(t, err)

	l, err := server.Listen(ma.StringCast("/ip4/127.0.0.1/udp/0/quic-v1"))
	require.NoError(t, err)
	go func() {
		for {
			if _, err := l.Accept(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.Dial(ctx, l.Multiaddr(), other.ID())
	assert.Error(t, err)
}

func TestTransport_ListenTwice(t *testing.T) {
	tr, _ := newTransport(t)
	_, err := tr.Listen(ma.StringCast("/ip4/127.0.0.1/udp/0/quic-v1"))
	require.NoError(t, err)
	_, err = tr.Listen(ma.StringCast("/ip4/127.0.0.1/udp/0/quic-v1"))
	assert.ErrorIs(t, err, ErrAlreadyListening)
}
