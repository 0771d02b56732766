package repositories

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pulsepoint/pulsetree/internal/database"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *database.Manager {
	t.Helper()
	opts := database.DefaultOptions()
	opts.Path = filepath.Join(t.TempDir(), "journal.db")
	db, err := database.NewManager(opts)
	require.NoError(t, err)
	require.NoError(t, db.Open())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func records(from, to uint64) []models.ChangeRecord {
	var out []models.ChangeRecord
	for c := from; c <= to; c++ {
		out = append(out, models.ChangeRecord{
			Cursor: c,
			Change: models.Change{Kind: models.ChangeRemove, ID: models.InstanceID(c + 100)},
		})
	}
	return out
}

func TestJournalRoundTrip(t *testing.T) {
	repo := NewJournalRepository(openTestDB(t))

	require.NoError(t, repo.BeginSession(SessionInfo{SessionID: "s1", ProjectName: "demo", StartTime: time.Now()}))
	require.NoError(t, repo.Append("s1", records(1, 3)))
	require.NoError(t, repo.Append("s1", records(4, 300)))

	got, err := repo.ReadRecords("s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 300)
	// Big-endian keys keep cursor order past single-byte values
	for i, rec := range got {
		assert.Equal(t, uint64(i+1), rec.Cursor)
	}

	got, err = repo.ReadRecords("s1", 255, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(256), got[0].Cursor)
	assert.Equal(t, models.InstanceID(356), got[0].ID)

	sessions, err := repo.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, uint64(300), sessions[0].LastCursor)
}

func TestListSessionsNewestFirst(t *testing.T) {
	repo := NewJournalRepository(openTestDB(t))
	now := time.Now()

	require.NoError(t, repo.BeginSession(SessionInfo{SessionID: "old", StartTime: now.Add(-time.Hour)}))
	require.NoError(t, repo.BeginSession(SessionInfo{SessionID: "new", StartTime: now}))

	sessions, err := repo.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].SessionID)
}

func TestReadUnknownSession(t *testing.T) {
	repo := NewJournalRepository(openTestDB(t))
	_, err := repo.ReadRecords("nope", 0, 0)
	assert.Error(t, err)
}

func TestDeleteSession(t *testing.T) {
	repo := NewJournalRepository(openTestDB(t))
	require.NoError(t, repo.BeginSession(SessionInfo{SessionID: "s1", StartTime: time.Now()}))
	require.NoError(t, repo.Append("s1", records(1, 2)))

	require.NoError(t, repo.DeleteSession("s1"))

	sessions, err := repo.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
	_, err = repo.ReadRecords("s1", 0, 0)
	assert.Error(t, err)
}
