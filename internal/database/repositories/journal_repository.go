package repositories

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pulsepoint/pulsetree/internal/database"
	"github.com/pulsepoint/pulsetree/pkg/models"
	bolt "go.etcd.io/bbolt"
)

// SessionInfo describes one recorded serve session
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	ProjectName    string    `json:"project_name"`
	RootInstanceID uint64    `json:"root_instance_id"`
	StartTime      time.Time `json:"start_time"`
	LastCursor     uint64    `json:"last_cursor"`
}

// JournalRepository persists change records per session. Records are keyed
// by their big-endian cursor so bucket order is cursor order.
type JournalRepository struct {
	db *database.Manager
}

// NewJournalRepository creates a new journal repository
func NewJournalRepository(db *database.Manager) *JournalRepository {
	return &JournalRepository{db: db}
}

// BeginSession records the start of a session
func (r *JournalRepository) BeginSession(info SessionInfo) error {
	return r.db.Put(database.BucketSessions, info.SessionID, info)
}

// Append writes records to the session's journal
func (r *JournalRepository) Append(sessionID string, records []models.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	return r.db.Transaction(true, func(tx *bolt.Tx) error {
		journal := tx.Bucket([]byte(database.BucketJournal))
		if journal == nil {
			return fmt.Errorf("bucket %s not found", database.BucketJournal)
		}
		b, err := journal.CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}

		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal record %d: %w", rec.Cursor, err)
			}
			if err := b.Put(cursorKey(rec.Cursor), data); err != nil {
				return err
			}
		}

		sessions := tx.Bucket([]byte(database.BucketSessions))
		if sessions == nil {
			return nil
		}
		raw := sessions.Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		var info SessionInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return err
		}
		info.LastCursor = records[len(records)-1].Cursor
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return sessions.Put([]byte(sessionID), data)
	})
}

// ListSessions returns every recorded session, newest first
func (r *JournalRepository) ListSessions() ([]SessionInfo, error) {
	var sessions []SessionInfo

	err := r.db.Transaction(false, func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(database.BucketSessions))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var info SessionInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return nil // Skip invalid entries
			}
			sessions = append(sessions, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}

// ReadRecords returns up to limit records with cursor greater than after.
// A limit of zero or less means no limit.
func (r *JournalRepository) ReadRecords(sessionID string, after uint64, limit int) ([]models.ChangeRecord, error) {
	var records []models.ChangeRecord

	err := r.db.Transaction(false, func(tx *bolt.Tx) error {
		journal := tx.Bucket([]byte(database.BucketJournal))
		if journal == nil {
			return nil
		}
		b := journal.Bucket([]byte(sessionID))
		if b == nil {
			return fmt.Errorf("no journal for session %s", sessionID)
		}

		c := b.Cursor()
		for k, v := c.Seek(cursorKey(after + 1)); k != nil; k, v = c.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec models.ChangeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			records = append(records, rec)
		}
		return nil
	})

	return records, err
}

// DeleteSession drops a session and its journal
func (r *JournalRepository) DeleteSession(sessionID string) error {
	return r.db.Transaction(true, func(tx *bolt.Tx) error {
		if journal := tx.Bucket([]byte(database.BucketJournal)); journal != nil {
			if err := journal.DeleteBucket([]byte(sessionID)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		if sessions := tx.Bucket([]byte(database.BucketSessions)); sessions != nil {
			return sessions.Delete([]byte(sessionID))
		}
		return nil
	})
}

func cursorKey(cursor uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, cursor)
	return key
}
