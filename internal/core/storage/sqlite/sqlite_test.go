package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/internal/core/storage"
	"github.com/void-p2p/go-void/pkg/types"
)

func TestStore_AppendRecent(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	peer := newPeerID(t)
	for i, text := range []string{"hello", "ACK", "bye"} {
		require.NoError(t, s.Append(ctx, storage.Message{
			PeerID:    peer,
			Content:   text,
			IsSent:    i != 1,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ACK", got[0].Content)
	assert.False(t, got[0].IsSent)
	assert.Equal(t, "bye", got[1].Content)
	assert.Equal(t, base.Add(2*time.Second).Unix(), got[1].Timestamp.Unix())
	assert.Equal(t, peer, got[1].PeerID)
}

func TestStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "void_messages.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), storage.Message{Content: "kept"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Content)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestStore_Errors(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)

	_, err = s.Recent(context.Background(), -1)
	assert.ErrorIs(t, err, storage.ErrInvalidLimit)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Append(context.Background(), storage.Message{}), storage.ErrClosed)
	_, err = s.Recent(context.Background(), 1)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestStore_CorruptPeerID(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO messages (peer_id, content, is_sent, timestamp) VALUES (?, ?, ?, ?)",
		"12D3KooWpeer", "x", true, time.Now().Unix())
	require.NoError(t, err)

	_, err = s.Recent(ctx, 1)
	assert.ErrorIs(t, err, types.ErrInvalidPeerID)
}

func newPeerID(t *testing.T) types.PeerID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.ID()
}
