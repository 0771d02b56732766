package database

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerLifecycle(t *testing.T) {
	opts := DefaultOptions()
	opts.Path = filepath.Join(t.TempDir(), "nested", "journal.db")

	m, err := NewManager(opts)
	require.NoError(t, err)
	assert.False(t, m.IsOpen())
	assert.Error(t, m.Put(BucketSessions, "k", "v"))

	require.NoError(t, m.Open())
	require.NoError(t, m.Open())
	assert.True(t, m.IsOpen())

	require.NoError(t, m.Put(BucketSessions, "k", map[string]int{"n": 1}))
	var got map[string]int
	require.NoError(t, m.Get(BucketSessions, "k", &got))
	assert.Equal(t, 1, got["n"])

	assert.Error(t, m.Get(BucketSessions, "missing", &got))
	assert.Error(t, m.Put("nope", "k", 1))

	keys, err := m.List(BucketSessions)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.NotNil(t, stats)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.False(t, m.IsOpen())
}

func TestNewManagerRequiresPath(t *testing.T) {
	_, err := NewManager(&Options{})
	assert.Error(t, err)
}

func TestReadOnlyOpenOfMissingJournal(t *testing.T) {
	opts := DefaultOptions()
	opts.Path = filepath.Join(t.TempDir(), "absent.db")
	opts.ReadOnly = true

	m, err := NewManager(opts)
	require.NoError(t, err)

	err = m.Open()
	require.Error(t, err)
	assert.True(t, pperrors.IsFileSystemError(err))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.False(t, m.IsOpen())
	assert.NoFileExists(t, opts.Path)
}
