package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ interfaces.Fetcher = (*Fetcher)(nil)

func TestContentOperations(t *testing.T) {
	f := New()
	require.NoError(t, f.WriteFile("/proj/src/a.lua", []byte("return 1")))

	kind, err := f.Stat("/proj/src")
	require.NoError(t, err)
	assert.Equal(t, interfaces.FileTypeDirectory, kind)

	require.NoError(t, f.Rename("/proj/src/a.lua", "/proj/src/b.lua"))
	_, err = f.Read("/proj/src/a.lua")
	assert.True(t, errors.Is(err, pperrors.ErrNotFound))

	data, err := f.Read("/proj/src/b.lua")
	require.NoError(t, err)
	assert.Equal(t, "return 1", string(data))

	require.NoError(t, f.Remove("/proj/src"))
	_, err = f.Stat("/proj/src/b.lua")
	assert.True(t, errors.Is(err, pperrors.ErrNotFound))
}

func TestEventsOnlyUnderRoots(t *testing.T) {
	f := New()
	require.NoError(t, f.MkdirAll("/proj"))
	require.NoError(t, f.MkdirAll("/other"))
	require.NoError(t, f.Watch("/proj"))

	assert.False(t, f.RaiseEvent("/other/x.txt", interfaces.EventCreated))
	assert.True(t, f.RaiseEvent("/proj/a.txt", interfaces.EventCreated))
	assert.True(t, f.RaiseEvent("/proj/a.txt", interfaces.EventModified))

	first := <-f.Events()
	second := <-f.Events()
	assert.Equal(t, interfaces.RawEvent{Path: "/proj/a.txt", Kind: interfaces.EventCreated}, first)
	assert.Equal(t, interfaces.EventModified, second.Kind)

	require.NoError(t, f.Unwatch("/proj"))
	assert.False(t, f.RaiseEvent("/proj/a.txt", interfaces.EventRemoved))
}

func TestWatchMissingRoot(t *testing.T) {
	f := New()
	err := f.Watch("/nope")
	assert.True(t, errors.Is(err, pperrors.ErrNotFound))
}

func TestCloseIsIdempotent(t *testing.T) {
	f := New()
	require.NoError(t, f.MkdirAll("/proj"))
	require.NoError(t, f.Watch("/proj"))

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, ok := <-f.Events()
	assert.False(t, ok)
	assert.False(t, f.RaiseEvent("/proj/a.txt", interfaces.EventCreated))
}

func TestRaiseEventDropsWhenNobodyReads(t *testing.T) {
	f := New()
	require.NoError(t, f.MkdirAll("/proj"))
	require.NoError(t, f.Watch("/proj"))

	for i := 0; i < eventBuffer; i++ {
		require.True(t, f.RaiseEvent("/proj/a.lua", interfaces.EventModified))
	}
	assert.False(t, f.RaiseEvent("/proj/a.lua", interfaces.EventModified))

	closed := make(chan error, 1)
	go func() { closed <- f.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a full event buffer")
	}
	assert.False(t, f.RaiseEvent("/proj/a.lua", interfaces.EventModified))
}
