package session

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	"github.com/pulsepoint/pulsetree/internal/fetcher/memory"
	"github.com/pulsepoint/pulsetree/internal/snapshot"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifest = `{
  // comments are fine
  "name": "demo",
  "servePlaceIds": [1818],
  "tree": {
    "$className": "DataModel",
    "Src": { "$path": "src" }
  }
}`

func newSession(t *testing.T, files map[string]string) (*ServeSession, *memory.Fetcher) {
	t.Helper()
	f := memory.New()
	require.NoError(t, f.WriteFile("/proj/default.project.json", []byte(manifest)))
	require.NoError(t, f.MkdirAll("/proj/src"))
	for path, contents := range files {
		require.NoError(t, f.WriteFile(path, []byte(contents)))
	}

	s, err := New(f, "/proj", Options{ServerVersion: "test", BatchWindow: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s, f
}

// raise delivers events straight into the pipeline and processes them
func raise(t *testing.T, s *ServeSession, events ...interfaces.RawEvent) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, s.queue.Add(e))
	}
	s.Flush()
	require.NoError(t, s.Validate())
}

func srcFolder(t *testing.T, s *ServeSession) models.Instance {
	t.Helper()
	all, _, err := s.GetInstances([]models.InstanceID{s.RootInstanceID()})
	require.NoError(t, err)
	root := all[s.RootInstanceID()]
	require.Len(t, root.Children, 1)
	return all[root.Children[0]]
}

func TestNewSession(t *testing.T) {
	s, _ := newSession(t, map[string]string{"/proj/src/mod.lua": "return 1"})

	info := s.RootInfo()
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, "demo", info.ProjectName)
	assert.Equal(t, "test", info.ServerVersion)
	assert.Equal(t, []uint64{1818}, info.ExpectedPlaceIDs)
	assert.Equal(t, s.RootInstanceID(), info.RootInstanceID)
	assert.Equal(t, uint64(0), s.Cursor())

	src := srcFolder(t, s)
	assert.Equal(t, "Src", src.Name)
	assert.Equal(t, "Folder", src.ClassName)
	require.Len(t, src.Children, 1)

	var buf bytes.Buffer
	require.NoError(t, s.DumpTree(&buf))
	assert.Contains(t, buf.String(), "mod (ModuleScript)")
	buf.Reset()
	require.NoError(t, s.DumpImfs(&buf))
	assert.Contains(t, buf.String(), "mod.lua")
}

func TestNewSessionProjectErrors(t *testing.T) {
	t.Run("missing manifest", func(t *testing.T) {
		f := memory.New()
		require.NoError(t, f.MkdirAll("/empty"))
		_, err := New(f, "/empty", Options{})
		assert.True(t, pperrors.IsProjectError(err))
	})

	t.Run("malformed manifest", func(t *testing.T) {
		f := memory.New()
		require.NoError(t, f.WriteFile("/bad/default.project.json", []byte(`{"name": `)))
		_, err := New(f, "/bad", Options{})
		assert.Error(t, err)
	})

	t.Run("sessions differ", func(t *testing.T) {
		a, _ := newSession(t, nil)
		b, _ := newSession(t, nil)
		assert.NotEqual(t, a.SessionID(), b.SessionID())
	})
}

func TestAddModifyDeleteScenario(t *testing.T) {
	s, f := newSession(t, nil)

	// Create a.txt containing "x": exactly one add
	require.NoError(t, f.WriteFile("/proj/src/a.txt", []byte("x")))
	raise(t, s, interfaces.RawEvent{Path: "/proj/src/a.txt", Kind: interfaces.EventCreated})

	records, cursor, err := s.ChangesSince(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	added := records[0]
	assert.Equal(t, models.ChangeAdd, added.Kind)
	require.NotNil(t, added.Instance)
	assert.Equal(t, "a", added.Instance.Name)
	assert.Equal(t, "StringValue", added.Instance.ClassName)
	assert.Equal(t, models.StringValue("x"), added.Instance.Properties["Value"])
	assert.Equal(t, srcFolder(t, s).ID, added.Instance.Parent)

	// Nothing further arrives for the new cursor
	more, next, err := s.WaitForChanges(context.Background(), cursor, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, more)
	assert.Equal(t, cursor, next)

	// Modify to "y": one update for the same id
	require.NoError(t, f.WriteFile("/proj/src/a.txt", []byte("y")))
	raise(t, s, interfaces.RawEvent{Path: "/proj/src/a.txt", Kind: interfaces.EventModified})

	records, cursor, err = s.ChangesSince(cursor)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ChangeUpdateProperties, records[0].Kind)
	assert.Equal(t, added.ID, records[0].ID)
	require.Contains(t, records[0].ChangedProperties, "Value")
	assert.Equal(t, "y", records[0].ChangedProperties["Value"].Value)

	// Modify without a content change: nothing
	raise(t, s, interfaces.RawEvent{Path: "/proj/src/a.txt", Kind: interfaces.EventModified})
	records, _, err = s.ChangesSince(cursor)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDeleteDirectoryRemovesEverything(t *testing.T) {
	s, f := newSession(t, map[string]string{
		"/proj/src/dir/a.txt": "x",
		"/proj/src/dir/b.txt": "x",
		"/proj/src/dir/c.lua": "return 0",
	})

	announced := make(map[models.InstanceID]bool)
	all, _, err := s.GetInstances([]models.InstanceID{s.RootInstanceID()})
	require.NoError(t, err)
	for id := range all {
		announced[id] = true
	}
	dir := srcFolder(t, s).Children[0]

	require.NoError(t, f.Remove("/proj/src/dir"))
	raise(t, s, interfaces.RawEvent{Path: "/proj/src/dir", Kind: interfaces.EventRemoved})

	records, _, err := s.ChangesSince(0)
	require.NoError(t, err)
	require.Len(t, records, 4)
	for _, r := range records {
		assert.Equal(t, models.ChangeRemove, r.Kind)
		assert.True(t, announced[r.ID], "record for unannounced instance %s", r.ID)
	}
	// Descendants go before the directory itself
	assert.Equal(t, dir, records[3].ID)

	_, _, err = s.GetInstances([]models.InstanceID{dir})
	assert.True(t, pperrors.IsNotFoundError(err))
}

func TestCursorsAreConsistentAcrossReaders(t *testing.T) {
	s, f := newSession(t, nil)

	for _, name := range []string{"a", "b", "c"} {
		path := "/proj/src/" + name + ".txt"
		require.NoError(t, f.WriteFile(path, []byte(name)))
		raise(t, s, interfaces.RawEvent{Path: path, Kind: interfaces.EventCreated})
	}

	first, c1, err := s.ChangesSince(1)
	require.NoError(t, err)
	second, c2, err := s.ChangesSince(1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, c1, c2)
	assert.GreaterOrEqual(t, c1, uint64(1))

	_, _, err = s.ChangesSince(c1 + 10)
	assert.True(t, pperrors.IsStaleSessionError(err))
}

func TestCheckSession(t *testing.T) {
	s, _ := newSession(t, nil)

	assert.NoError(t, s.CheckSession(""))
	assert.NoError(t, s.CheckSession(s.SessionID()))
	assert.True(t, pperrors.IsStaleSessionError(s.CheckSession("some-other-session")))
}

func TestGetInstancesUnknownID(t *testing.T) {
	s, _ := newSession(t, nil)

	_, _, err := s.GetInstances([]models.InstanceID{9999})
	assert.True(t, pperrors.IsNotFoundError(err))
}

func TestApplyPatchRejectsBadPatch(t *testing.T) {
	s, _ := newSession(t, nil)

	_, err := s.ApplyPatch(snapshot.PatchSet{Removed: []models.InstanceID{9999}})
	assert.True(t, pperrors.IsInternalError(err))
	assert.Equal(t, uint64(0), s.Cursor())
	assert.NoError(t, s.Validate())

	records, err := s.ApplyPatch(snapshot.PatchSet{})
	assert.NoError(t, err)
	assert.Nil(t, records)
}

func TestPipelineDeliversToWaiters(t *testing.T) {
	f := memory.New()
	require.NoError(t, f.WriteFile("/proj/default.project.json", []byte(manifest)))
	require.NoError(t, f.MkdirAll("/proj/src"))

	s, err := New(f, "/proj", Options{BatchWindow: 5 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	done := make(chan []models.ChangeRecord, 1)
	go func() {
		records, _, _ := s.WaitForChanges(context.Background(), 0, 5*time.Second)
		done <- records
	}()

	require.NoError(t, f.WriteFile("/proj/src/new.txt", []byte("hello")))
	require.True(t, f.RaiseEvent("/proj/src/new.txt", interfaces.EventCreated))

	select {
	case records := <-done:
		require.Len(t, records, 1)
		assert.Equal(t, models.ChangeAdd, records[0].Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never saw the change")
	}

	// Stop releases waiters immediately
	require.NoError(t, s.Stop())
	start := time.Now()
	records, next, err := s.WaitForChanges(context.Background(), 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, uint64(1), next)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, s.Stop())
}

func TestReadersNeverSeeHalfAppliedBatches(t *testing.T) {
	s, f := newSession(t, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				all, _, err := s.GetInstances([]models.InstanceID{s.RootInstanceID()})
				if !assert.NoError(t, err) {
					return
				}
				for id, inst := range all {
					if id != s.RootInstanceID() {
						parent, ok := all[inst.Parent]
						assert.True(t, ok, "dangling parent for %s", id)
						assert.Contains(t, parent.Children, id)
					}
					for _, c := range inst.Children {
						child, ok := all[c]
						assert.True(t, ok, "dangling child %s", c)
						assert.Equal(t, id, child.Parent)
					}
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, f.WriteFile("/proj/src/d/x.txt", []byte("x")))
		require.NoError(t, f.WriteFile("/proj/src/d/y.lua", []byte("return 1")))
		raise(t, s, interfaces.RawEvent{Path: "/proj/src/d", Kind: interfaces.EventCreated})
		require.NoError(t, f.Remove("/proj/src/d"))
		raise(t, s, interfaces.RawEvent{Path: "/proj/src/d", Kind: interfaces.EventRemoved})
	}
	close(stop)
	wg.Wait()

	// Replaying the log from zero visits every cursor exactly once
	records, head, err := s.ChangesSince(0)
	require.NoError(t, err)
	for i, r := range records {
		assert.Equal(t, uint64(i+1), r.Cursor)
	}
	assert.Equal(t, uint64(len(records)), head)
}

type slowJournal struct {
	delay time.Duration

	mu      sync.Mutex
	records int
}

func (j *slowJournal) Append(sessionID string, records []models.ChangeRecord) error {
	time.Sleep(j.delay)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records += len(records)
	return nil
}

func (j *slowJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records
}

func TestJournalWritesDoNotBlockReads(t *testing.T) {
	f := memory.New()
	require.NoError(t, f.WriteFile("/proj/default.project.json", []byte(manifest)))
	require.NoError(t, f.MkdirAll("/proj/src"))

	j := &slowJournal{delay: 500 * time.Millisecond}
	s, err := New(f, "/proj", Options{ServerVersion: "test", BatchWindow: time.Hour, Journal: j})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	require.NoError(t, f.WriteFile("/proj/src/a.txt", []byte("x")))
	start := time.Now()
	raise(t, s, interfaces.RawEvent{Path: "/proj/src/a.txt", Kind: interfaces.EventCreated})
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	// The journal write is still in flight
	start = time.Now()
	all, cursor, err := s.GetInstances([]models.InstanceID{s.RootInstanceID()})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, uint64(1), cursor)
	assert.Len(t, all, 3)

	// Stop waits for the journal to catch up
	require.NoError(t, s.Stop())
	assert.Equal(t, 1, j.count())
}
