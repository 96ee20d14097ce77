package muxer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/pkg/interfaces"
)

func sessionPair(t *testing.T) (interfaces.MuxedConn, interfaces.MuxedConn) {
	t.Helper()
	a, b := net.Pipe()
	tr := New(nil)

	client, err := tr.NewConn(a, false)
	require.NoError(t, err)
	server, err := tr.NewConn(b, true)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestTransport_ID(t *testing.T) {
	assert.Equal(t, "/yamux/1.0.0", New(nil).ID())
}

func TestOpenAccept_Echo(t *testing.T) {
	client, server := sessionPair(t)

	go func() {
		s, err := server.AcceptStream()
		if err != nil {
			return
		}
		defer s.Close()
		_, _ = io.Copy(s, s)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.OpenStream(ctx)
	require.NoError(t, err)

	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestNumStreams(t *testing.T) {
	client, server := sessionPair(t)

	accepted := make(chan interfaces.MuxedStream, 1)
	go func() {
		s, err := server.AcceptStream()
		if err == nil {
			accepted <- s
		}
	}()

	s, err := client.OpenStream(context.Background())
	require.NoError(t, err)
	_, err = s.Write([]byte{1})
	require.NoError(t, err)

	<-accepted
	assert.Equal(t, 1, client.(*conn).NumStreams())
}

func TestClose(t *testing.T) {
	client, _ := sessionPair(t)
	require.NoError(t, client.Close())
	assert.True(t, client.IsClosed())

	_, err := client.OpenStream(context.Background())
	assert.Error(t, err)
}
