package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void-p2p/go-void/pkg/lib/crypto"
)

func TestGenerate(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id.ID().String(), "12D3KooW"))
	assert.True(t, crypto.MatchesPublicKey(id.ID(), id.PublicKey()))

	sig, err := id.Sign([]byte("hello"))
	require.NoError(t, err)
	ok, err := id.PublicKey().Verify([]byte("hello"), sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNew_NilKey(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, crypto.ErrNilPrivateKey)
}

func TestLoadOrGenerate_Ephemeral(t *testing.T) {
	a, err := LoadOrGenerate("")
	require.NoError(t, err)
	b, err := LoadOrGenerate("")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestLoadOrGenerate_Persistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := LoadOrGenerate(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	t.Logf("✅ 身份持久化: %s", first.ID())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	bad := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))
	_, err = LoadOrGenerate(bad)
	assert.Error(t, err)
}
