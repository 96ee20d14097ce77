package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/core/storage"
	"github.com/void-p2p/go-void/pkg/types"
)

func TestStore_AppendRecent(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir(), GCInterval: time.Minute})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	peer := newPeerID(t)
	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.Append(ctx, storage.Message{
			PeerID:    peer,
			Content:   text,
			IsSent:    i%2 == 0,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Content)
	assert.Equal(t, "three", got[1].Content)
	assert.True(t, got[1].IsSent)
	assert.Equal(t, peer, got[1].PeerID)

	all, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_SameTimestamp(t *testing.T) {
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	ts := time.Now()
	require.NoError(t, s.Append(ctx, storage.Message{Content: "a", Timestamp: ts}))
	require.NoError(t, s.Append(ctx, storage.Message{Content: "b", Timestamp: ts}))

	got, err := s.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Content)
	assert.Equal(t, "b", got[1].Content)
}

func TestStore_Errors(t *testing.T) {
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)

	_, err = s.Recent(context.Background(), 0)
	assert.ErrorIs(t, err, storage.ErrInvalidLimit)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Append(context.Background(), storage.Message{}), storage.ErrClosed)
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), storage.Message{Content: "persisted"}))
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Content)
}

func newPeerID(t *testing.T) types.PeerID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.ID()
}
