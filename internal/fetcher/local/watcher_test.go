package local

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	"github.com/pulsepoint/pulsetree/internal/fetcher/ignore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, root string, patterns ...string) *PulseFetcher {
	t.Helper()
	pf, err := NewPulseFetcher(Options{
		DebouncePeriod: 10 * time.Millisecond,
		Ignore:         ignore.NewPulseIgnoreMatcher(root, patterns...),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pf.Close() })
	return pf
}

// waitForPath drains events until one for path arrives
func waitForPath(t *testing.T, pf *PulseFetcher, path string) interfaces.RawEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-pf.Events():
			require.True(t, ok, "event channel closed")
			if ev.Path == path {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event on %s", path)
		}
	}
}

func TestFetcherReadsOsFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))

	pf := newTestFetcher(t, root)

	kind, err := pf.Stat(root)
	require.NoError(t, err)
	assert.Equal(t, interfaces.FileTypeDirectory, kind)

	data, err := pf.Read(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	children, err := pf.List(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a.txt")}, children)
}

func TestFetcherEmitsCreate(t *testing.T) {
	root := t.TempDir()
	pf := newTestFetcher(t, root)
	require.NoError(t, pf.Watch(root))

	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	ev := waitForPath(t, pf, path)
	assert.Equal(t, interfaces.EventCreated, ev.Kind)
}

func TestFetcherWatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	pf := newTestFetcher(t, root)
	require.NoError(t, pf.Watch(root))

	dir := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(dir, 0755))
	waitForPath(t, pf, dir)

	nested := filepath.Join(dir, "b.lua")
	require.NoError(t, os.WriteFile(nested, []byte("return 1"), 0644))
	waitForPath(t, pf, nested)
}

func TestFetcherDropsIgnoredPaths(t *testing.T) {
	root := t.TempDir()
	pf := newTestFetcher(t, root, "*.log")
	require.NoError(t, pf.Watch(root))

	require.NoError(t, os.WriteFile(filepath.Join(root, "debug.log"), []byte("noise"), 0644))
	kept := filepath.Join(root, "kept.txt")
	require.NoError(t, os.WriteFile(kept, []byte("y"), 0644))

	// Events for one path are never reordered behind another path's flush,
	// but ordering between paths is not guaranteed, so collect until kept.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-pf.Events():
			assert.NotEqual(t, filepath.Join(root, "debug.log"), ev.Path)
			if ev.Path == kept {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for kept.txt")
		}
	}
}

func TestUnwatchAndRoots(t *testing.T) {
	root := t.TempDir()
	pf := newTestFetcher(t, root)

	require.NoError(t, pf.Watch(root))
	require.NoError(t, pf.Watch(root))
	assert.Len(t, pf.WatchedRoots(), 1)

	require.NoError(t, pf.Unwatch(root))
	assert.Empty(t, pf.WatchedRoots())

	assert.Error(t, pf.Watch(filepath.Join(root, "missing")))
}

func TestMapEventKind(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		kind interfaces.EventKind
		ok   bool
	}{
		{fsnotify.Create, interfaces.EventCreated, true},
		{fsnotify.Write, interfaces.EventModified, true},
		{fsnotify.Remove, interfaces.EventRemoved, true},
		{fsnotify.Rename, interfaces.EventRenamed, true},
		{fsnotify.Chmod, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			kind, ok := mapEventKind(tt.op)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestMergeKinds(t *testing.T) {
	assert.Equal(t, interfaces.EventCreated, mergeKinds(interfaces.EventCreated, interfaces.EventModified))
	assert.Equal(t, interfaces.EventRemoved, mergeKinds(interfaces.EventCreated, interfaces.EventRemoved))
	assert.Equal(t, interfaces.EventModified, mergeKinds("", interfaces.EventModified))
}
