// Package changelog is the append-only record of instance changes a serve
// session has made. Clients page through it by cursor.
package changelog

import (
	"context"
	"fmt"
	"sync"
	"time"

	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"go.uber.org/zap"
)

// Journal persists appended records outside the process
type Journal interface {
	Append(sessionID string, records []models.ChangeRecord) error
}

// Options configures a Log
type Options struct {
	// SessionID tags journal writes
	SessionID string

	// MaxRecords bounds how many records are kept in memory. Older records
	// are dropped and the watermark advances past them. Zero keeps all.
	MaxRecords int

	Journal Journal
}

// Log is the change log. The first record has cursor 1 and every record
// after it has the previous cursor plus one.
type Log struct {
	mu        sync.RWMutex
	records   []models.ChangeRecord
	head      uint64
	watermark uint64
	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	sessionID  string
	maxRecords int
	journal    Journal
	logger     *zap.Logger

	// Journal writes happen on their own goroutine, in append order
	pendingMu   sync.Mutex
	pending     [][]models.ChangeRecord
	journalWake chan struct{}
	journalDone chan struct{}
}

// New creates an empty log
func New(opts Options) *Log {
	l := &Log{
		notify:     make(chan struct{}),
		closed:     make(chan struct{}),
		sessionID:  opts.SessionID,
		maxRecords: opts.MaxRecords,
		journal:    opts.Journal,
		logger:     logger.WithComponent("changelog"),
	}
	if l.journal != nil {
		l.journalWake = make(chan struct{}, 1)
		l.journalDone = make(chan struct{})
		go l.journalLoop()
	}
	return l
}

// Head returns the cursor of the newest record, zero when empty
func (l *Log) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Watermark returns the cursor of the newest dropped record. Cursors below
// it can no longer be served.
func (l *Log) Watermark() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.watermark
}

// Len returns the number of retained records
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Append assigns cursors to changes, stores them and wakes every waiter
func (l *Log) Append(changes []models.Change) []models.ChangeRecord {
	if len(changes) == 0 {
		return nil
	}

	l.mu.Lock()
	appended := make([]models.ChangeRecord, len(changes))
	for i, c := range changes {
		l.head++
		appended[i] = models.ChangeRecord{Cursor: l.head, Change: c}
	}
	l.records = append(l.records, appended...)

	if l.maxRecords > 0 && len(l.records) > l.maxRecords {
		drop := len(l.records) - l.maxRecords
		l.watermark = l.records[drop-1].Cursor
		l.records = append([]models.ChangeRecord(nil), l.records[drop:]...)
	}

	close(l.notify)
	l.notify = make(chan struct{})
	if l.journal != nil {
		l.pendingMu.Lock()
		l.pending = append(l.pending, appended)
		l.pendingMu.Unlock()
		select {
		case l.journalWake <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()

	return appended
}

// journalLoop writes queued batches until the log is closed, then drains
// whatever is left
func (l *Log) journalLoop() {
	defer close(l.journalDone)
	for {
		select {
		case <-l.journalWake:
			l.writePending()
		case <-l.closed:
			l.writePending()
			return
		}
	}
}

func (l *Log) writePending() {
	for {
		l.pendingMu.Lock()
		batches := l.pending
		l.pending = nil
		l.pendingMu.Unlock()
		if len(batches) == 0 {
			return
		}

		for _, batch := range batches {
			if err := l.journal.Append(l.sessionID, batch); err != nil {
				l.logger.Warn("Failed to journal change records",
					zap.Uint64("first_cursor", batch[0].Cursor),
					zap.Int("count", len(batch)),
					zap.Error(err),
				)
			}
		}
	}
}

// Since returns every record with a cursor greater than cursor, and the
// cursor to pass next time. A cursor the log never issued, or one older
// than the watermark, is a stale session error.
func (l *Log) Since(cursor uint64) ([]models.ChangeRecord, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sinceLocked(cursor)
}

func (l *Log) sinceLocked(cursor uint64) ([]models.ChangeRecord, uint64, error) {
	if cursor > l.head {
		return nil, cursor, pperrors.NewStaleSessionError(
			fmt.Sprintf("cursor %d is ahead of this session (head %d)", cursor, l.head), nil)
	}
	if cursor < l.watermark {
		return nil, cursor, pperrors.NewStaleSessionError(
			fmt.Sprintf("cursor %d is older than the retained log (watermark %d)", cursor, l.watermark), nil)
	}
	if cursor == l.head {
		return nil, cursor, nil
	}

	start := int(cursor - l.watermark)
	out := make([]models.ChangeRecord, len(l.records)-start)
	copy(out, l.records[start:])
	return out, l.head, nil
}

// Wait is Since that blocks until at least one record past cursor exists.
// After maxWait it returns no records and the same cursor. When ctx is
// done first it returns ctx.Err(); a closed log returns like a timeout.
func (l *Log) Wait(ctx context.Context, cursor uint64, maxWait time.Duration) ([]models.ChangeRecord, uint64, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		l.mu.RLock()
		records, next, err := l.sinceLocked(cursor)
		notify := l.notify
		l.mu.RUnlock()

		if err != nil || len(records) > 0 {
			return records, next, err
		}

		select {
		case <-notify:
		case <-timer.C:
			return nil, cursor, nil
		case <-l.closed:
			return nil, cursor, nil
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		}
	}
}

// Done is closed once the log is closed
func (l *Log) Done() <-chan struct{} {
	return l.closed
}

// Close releases every waiter and returns once every appended batch has
// been handed to the journal
func (l *Log) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	if l.journalDone != nil {
		<-l.journalDone
	}
}
