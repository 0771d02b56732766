package servetest

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pulsepoint/pulsetree/internal/web"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const collectTimeout = 10 * time.Second

func startBasic(t *testing.T) *Server {
	t.Helper()
	return Start(t, Options{Fixture: os.DirFS("testdata/basic")})
}

func countKind(records []models.ChangeRecord, kind models.ChangeKind) int {
	n := 0
	for _, rec := range records {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

func TestPortAllocator(t *testing.T) {
	a := NewPortAllocator(FirstPort)
	assert.Equal(t, FirstPort, a.Next())
	assert.Equal(t, FirstPort+1, a.Next())

	seen := make(map[int]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port := a.Next()
			mu.Lock()
			seen[port] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestServerInfo(t *testing.T) {
	s := startBasic(t)

	info, err := s.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, "basic", info.ProjectName)
	assert.Equal(t, web.ProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, []uint64{4242}, info.ExpectedPlaceIDs)
	assert.Equal(t, s.Session.SessionID(), info.SessionID)
	assert.Equal(t, s.Session.RootInstanceID(), info.RootInstanceID)
}

func TestReadWholeTree(t *testing.T) {
	s := startBasic(t)

	info, err := s.GetInfo()
	require.NoError(t, err)

	read, err := s.Read(info.RootInstanceID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), read.MessageCursor)
	require.Len(t, read.Instances, 4)

	byName := make(map[string]models.Instance)
	for _, inst := range read.Instances {
		byName[inst.Name] = inst
	}
	require.Contains(t, byName, "hello")
	assert.Equal(t, "ModuleScript", byName["hello"].ClassName)
	assert.Equal(t, byName["Src"].ID, byName["hello"].Parent)
	assert.Equal(t, "Folder", byName["Src"].ClassName)

	_, err = s.Read(424242)
	assert.True(t, IsKind(err, web.KindNotFound))
}

func TestAddModifyDelete(t *testing.T) {
	s := startBasic(t)

	// Create
	require.NoError(t, s.WriteFile("src/a.txt", "x"))
	records, cursor, err := s.Collect(0, collectTimeout, func(r []models.ChangeRecord) bool {
		return countKind(r, models.ChangeAdd) >= 1
	})
	require.NoError(t, err)
	added := records[0]
	require.NotNil(t, added.Instance)
	assert.Equal(t, "a", added.Instance.Name)
	assert.Equal(t, "StringValue", added.Instance.ClassName)
	assert.Equal(t, models.ChangeAdd, added.Kind)

	// Modify keeps the id
	require.NoError(t, s.WriteFile("src/a.txt", "y"))
	records, cursor, err = s.Collect(cursor, collectTimeout, func(r []models.ChangeRecord) bool {
		for _, rec := range r {
			if v, ok := rec.ChangedProperties["Value"]; ok && v != nil && v.Value == "y" {
				return true
			}
		}
		return false
	})
	require.NoError(t, err)
	for _, rec := range records {
		assert.Equal(t, models.ChangeUpdateProperties, rec.Kind)
		assert.Equal(t, added.ID, rec.ID)
	}

	read, err := s.Read(added.ID)
	require.NoError(t, err)
	assert.Equal(t, "y", read.Instances[added.ID].Properties["Value"].Value)

	// Remove
	require.NoError(t, s.RemoveAll("src/a.txt"))
	records, _, err = s.Collect(cursor, collectTimeout, func(r []models.ChangeRecord) bool {
		return countKind(r, models.ChangeRemove) >= 1
	})
	require.NoError(t, err)
	assert.Equal(t, added.ID, records[len(records)-1].ID)

	_, err = s.Read(added.ID)
	assert.True(t, IsKind(err, web.KindNotFound))
}

func TestDeleteDirectory(t *testing.T) {
	s := startBasic(t)

	require.NoError(t, s.WriteFile("src/dir/one.txt", "1"))
	require.NoError(t, s.WriteFile("src/dir/two.txt", "2"))
	require.NoError(t, s.WriteFile("src/dir/three.lua", "return 3"))

	announced := make(map[models.InstanceID]bool)
	_, cursor, err := s.Collect(0, collectTimeout, func(r []models.ChangeRecord) bool {
		for _, rec := range r {
			if rec.Kind == models.ChangeAdd {
				announced[rec.ID] = true
			}
		}
		return len(announced) >= 4
	})
	require.NoError(t, err)

	require.NoError(t, s.RemoveAll("src/dir"))
	removed := make(map[models.InstanceID]bool)
	_, _, err = s.Collect(cursor, collectTimeout, func(r []models.ChangeRecord) bool {
		for _, rec := range r {
			if rec.Kind == models.ChangeRemove {
				removed[rec.ID] = true
			}
		}
		return len(removed) >= 4
	})
	require.NoError(t, err)

	assert.Equal(t, announced, removed)
	require.NoError(t, s.Session.Validate())
}

func TestStaleCursor(t *testing.T) {
	s := startBasic(t)

	_, err := s.Subscribe(99)
	assert.True(t, IsKind(err, web.KindStaleSession))
}

func TestIgnoredFilesAreNotMirrored(t *testing.T) {
	s := startBasic(t)

	require.NoError(t, s.WriteFile("src/.DS_Store", "junk"))
	require.NoError(t, s.WriteFile("src/b.txt", "b"))

	records, _, err := s.Collect(0, collectTimeout, func(r []models.ChangeRecord) bool {
		return countKind(r, models.ChangeAdd) >= 1
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].Instance.Name)
}
