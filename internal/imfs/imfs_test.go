package imfs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	"github.com/pulsepoint/pulsetree/internal/fetcher/ignore"
	"github.com/pulsepoint/pulsetree/internal/fetcher/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*memory.Fetcher, *Imfs) {
	t.Helper()
	f := memory.New()
	require.NoError(t, f.WriteFile("/proj/src/a.txt", []byte("x")))
	require.NoError(t, f.WriteFile("/proj/src/b.lua", []byte("return 1")))
	require.NoError(t, f.WriteFile("/proj/default.project.json", []byte("{}")))

	m := New(f, Options{})
	require.NoError(t, m.LoadRoot("/proj"))
	return f, m
}

func event(path string) []interfaces.RawEvent {
	return []interfaces.RawEvent{{Path: path, Kind: interfaces.EventModified}}
}

func TestLoadRoot(t *testing.T) {
	_, m := setup(t)

	assert.Equal(t, []string{"/proj"}, m.Roots())
	assert.Equal(t, []string{"/proj/default.project.json", "/proj/src"}, m.Children("/proj"))
	assert.Equal(t, []string{"/proj/src/a.txt", "/proj/src/b.lua"}, m.Children("/proj/src"))

	data, ok := m.Contents("/proj/src/a.txt")
	require.True(t, ok)
	assert.Equal(t, "x", string(data))

	e, ok := m.Get("/proj/src/a.txt")
	require.True(t, ok)
	assert.Len(t, e.Hash, 64)
	assert.False(t, e.IsDir())
	assert.Equal(t, 5, m.Len())
}

func TestReadsReturnCopies(t *testing.T) {
	_, m := setup(t)

	data, ok := m.Contents("/proj/src/b.lua")
	require.True(t, ok)
	data[0] = 'X'

	e, ok := m.Get("/proj/src/b.lua")
	require.True(t, ok)
	assert.Equal(t, "return 1", string(e.Contents))
	e.Contents[0] = 'Y'

	data, _ = m.Contents("/proj/src/b.lua")
	assert.Equal(t, "return 1", string(data))
}

func TestLoadMissingRoot(t *testing.T) {
	m := New(memory.New(), Options{})
	assert.Error(t, m.LoadRoot("/nope"))
}

func TestApplyAddModifyRemove(t *testing.T) {
	f, m := setup(t)

	require.NoError(t, f.WriteFile("/proj/src/c.txt", []byte("new")))
	changes := m.Apply(event("/proj/src/c.txt"))
	assert.Equal(t, []Change{{Path: "/proj/src/c.txt", Kind: ChangeAdded, Type: interfaces.FileTypeFile}}, changes)

	require.NoError(t, f.WriteFile("/proj/src/a.txt", []byte("y")))
	changes = m.Apply(event("/proj/src/a.txt"))
	assert.Equal(t, []Change{{Path: "/proj/src/a.txt", Kind: ChangeModified, Type: interfaces.FileTypeFile}}, changes)

	// Same content again is not a change
	assert.Empty(t, m.Apply(event("/proj/src/a.txt")))

	require.NoError(t, f.Remove("/proj/src/b.lua"))
	changes = m.Apply(event("/proj/src/b.lua"))
	assert.Equal(t, []Change{{Path: "/proj/src/b.lua", Kind: ChangeRemoved, Type: interfaces.FileTypeFile}}, changes)
	assert.Equal(t, []string{"/proj/src/a.txt", "/proj/src/c.txt"}, m.Children("/proj/src"))
}

func TestDirectoryRemovalCascades(t *testing.T) {
	f, m := setup(t)

	require.NoError(t, f.Remove("/proj/src"))
	changes := m.Apply(event("/proj/src"))

	require.Len(t, changes, 3)
	for _, c := range changes {
		assert.Equal(t, ChangeRemoved, c.Kind)
	}
	// The directory itself comes last
	assert.Equal(t, "/proj/src", changes[2].Path)
	_, ok := m.Get("/proj/src/a.txt")
	assert.False(t, ok)
	assert.Equal(t, []string{"/proj/default.project.json"}, m.Children("/proj"))
}

func TestNewDirectoryAddsParentFirst(t *testing.T) {
	f, m := setup(t)

	require.NoError(t, f.WriteFile("/proj/lib/util/x.lua", []byte("return 2")))

	// The event names the deepest path; the mirror walks up to the first
	// cached ancestor and loads from there
	changes := m.Apply(event("/proj/lib/util/x.lua"))
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		assert.Equal(t, ChangeAdded, c.Kind)
		paths = append(paths, c.Path)
	}
	assert.Equal(t, []string{"/proj/lib", "/proj/lib/util", "/proj/lib/util/x.lua"}, paths)
}

func TestDeleteAndRecreateConverges(t *testing.T) {
	f, m := setup(t)

	// The directory is replaced by a file of the same name before the
	// removal event is processed
	require.NoError(t, f.Remove("/proj/src"))
	require.NoError(t, f.WriteFile("/proj/src", []byte("now a file")))

	changes := m.Apply([]interfaces.RawEvent{
		{Path: "/proj/src", Kind: interfaces.EventRemoved},
		{Path: "/proj/src", Kind: interfaces.EventCreated},
	})

	e, ok := m.Get("/proj/src")
	require.True(t, ok)
	assert.Equal(t, interfaces.FileTypeFile, e.Kind)
	assert.Equal(t, Change{Path: "/proj/src", Kind: ChangeAdded, Type: interfaces.FileTypeFile}, changes[len(changes)-1])
}

func TestEventsOutsideRootsIgnored(t *testing.T) {
	f, m := setup(t)
	require.NoError(t, f.WriteFile("/elsewhere/x.txt", []byte("x")))
	assert.Empty(t, m.Apply(event("/elsewhere/x.txt")))
}

type flakyFetcher struct {
	*memory.Fetcher
	failRead string
}

func (f *flakyFetcher) Read(path string) ([]byte, error) {
	if path == f.failRead {
		return nil, errors.New("permission denied")
	}
	return f.Fetcher.Read(path)
}

func TestReadErrorsCountAsAbsence(t *testing.T) {
	mem := memory.New()
	require.NoError(t, mem.WriteFile("/proj/good.txt", []byte("ok")))
	require.NoError(t, mem.WriteFile("/proj/bad.txt", []byte("secret")))

	var failed []string
	f := &flakyFetcher{Fetcher: mem, failRead: "/proj/bad.txt"}
	m := New(f, Options{OnError: func(path string, err error) { failed = append(failed, path) }})
	require.NoError(t, m.LoadRoot("/proj"))

	assert.Equal(t, []string{"/proj/good.txt"}, m.Children("/proj"))
	assert.Equal(t, []string{"/proj/bad.txt"}, failed)

	// Once readable again it shows up
	f.failRead = ""
	changes := m.Apply(event("/proj/bad.txt"))
	assert.Equal(t, []Change{{Path: "/proj/bad.txt", Kind: ChangeAdded, Type: interfaces.FileTypeFile}}, changes)
}

func TestIgnoredPathsNeverCached(t *testing.T) {
	f := memory.New()
	require.NoError(t, f.WriteFile("/proj/src/a.lua", []byte("return 1")))
	require.NoError(t, f.WriteFile("/proj/.git/HEAD", []byte("ref")))
	require.NoError(t, f.WriteFile("/proj/out/build.lua", []byte("x")))

	m := New(f, Options{Ignore: ignore.NewPulseIgnoreMatcher("/proj", "out/")})
	require.NoError(t, m.LoadRoot("/proj"))

	assert.Equal(t, []string{"/proj/src"}, m.Children("/proj"))
	assert.Empty(t, m.Apply(event("/proj/out/build.lua")))
}

func TestDump(t *testing.T) {
	_, m := setup(t)

	var buf bytes.Buffer
	require.NoError(t, m.Dump(&buf))
	assert.Contains(t, buf.String(), "/proj/src/ (2 children)")
	assert.Contains(t, buf.String(), "/proj/src/a.txt 1 bytes")
}

func TestName(t *testing.T) {
	assert.Equal(t, "a.txt", Name("/proj/src/a.txt"))
	assert.Equal(t, "src", Name("/proj/src/"))
}
