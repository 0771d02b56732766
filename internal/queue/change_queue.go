// Package queue coalesces raw fetcher events into batches for the serve
// session pipeline.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Add when MaxSize distinct paths are pending
var ErrQueueFull = errors.New("change queue is full")

// ChangeQueue collects raw events, keeps one pending event per path and
// hands the pending set to ProcessFunc once per flush interval. Batches are
// processed one at a time, in the order their paths were first seen.
type ChangeQueue struct {
	items   map[string]interfaces.RawEvent
	order   []string
	itemsMu sync.Mutex

	// processMu serializes ProcessFunc calls between the ticker and Flush
	processMu sync.Mutex

	maxSize       int
	flushInterval time.Duration
	processFunc   func([]interfaces.RawEvent) error

	batches  uint64
	failures uint64
	statsMu  sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	logger  *zap.Logger
}

// QueueConfig contains configuration for the change queue
type QueueConfig struct {
	MaxSize       int                               // Maximum number of distinct pending paths
	FlushInterval time.Duration                     // Batch window
	ProcessFunc   func([]interfaces.RawEvent) error // Receives every non-empty batch
}

// NewChangeQueue creates a change queue; call Start to begin flushing
func NewChangeQueue(config QueueConfig) *ChangeQueue {
	if config.MaxSize == 0 {
		config.MaxSize = 10000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 20 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ChangeQueue{
		items:         make(map[string]interfaces.RawEvent),
		maxSize:       config.MaxSize,
		flushInterval: config.FlushInterval,
		processFunc:   config.ProcessFunc,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.WithComponent("queue"),
	}
}

// Start begins periodic flushing
func (q *ChangeQueue) Start() error {
	q.itemsMu.Lock()
	defer q.itemsMu.Unlock()

	if q.started {
		return fmt.Errorf("change queue already started")
	}
	q.started = true

	q.wg.Add(1)
	go q.processor()

	q.logger.Debug("Change queue started",
		zap.Int("max_size", q.maxSize),
		zap.Duration("flush_interval", q.flushInterval),
	)
	return nil
}

// Stop stops periodic flushing after processing whatever is pending
func (q *ChangeQueue) Stop() error {
	q.cancel()
	q.wg.Wait()
	q.logger.Debug("Change queue stopped")
	return nil
}

// Add queues an event, merging it with any pending event for the same path
func (q *ChangeQueue) Add(event interfaces.RawEvent) error {
	q.itemsMu.Lock()
	defer q.itemsMu.Unlock()

	if existing, ok := q.items[event.Path]; ok {
		q.items[event.Path] = interfaces.RawEvent{
			Path: event.Path,
			Kind: MergeKinds(existing.Kind, event.Kind),
		}
		return nil
	}

	if len(q.items) >= q.maxSize {
		return fmt.Errorf("%w (%d paths)", ErrQueueFull, q.maxSize)
	}

	q.items[event.Path] = event
	q.order = append(q.order, event.Path)
	return nil
}

// MergeKinds returns the kind that represents prev followed by next for a
// single path. Removal wins; a create followed by writes stays a create.
func MergeKinds(prev, next interfaces.EventKind) interfaces.EventKind {
	switch {
	case next == interfaces.EventRemoved || next == interfaces.EventRenamed:
		return next
	case prev == interfaces.EventCreated && next == interfaces.EventModified:
		return prev
	default:
		return next
	}
}

// GetPendingCount returns the number of pending paths
func (q *ChangeQueue) GetPendingCount() int {
	q.itemsMu.Lock()
	defer q.itemsMu.Unlock()
	return len(q.items)
}

// Flush processes everything pending now, on the calling goroutine
func (q *ChangeQueue) Flush() {
	q.processBatch()
}

// GetQueueStats returns statistics about the queue
func (q *ChangeQueue) GetQueueStats() map[string]interface{} {
	q.itemsMu.Lock()
	pending := len(q.items)
	kindCounts := make(map[interfaces.EventKind]int)
	for _, event := range q.items {
		kindCounts[event.Kind]++
	}
	q.itemsMu.Unlock()

	q.statsMu.Lock()
	defer q.statsMu.Unlock()

	return map[string]interface{}{
		"pending_count":  pending,
		"max_size":       q.maxSize,
		"flush_interval": q.flushInterval.String(),
		"batches":        q.batches,
		"failures":       q.failures,
		"kind_counts":    kindCounts,
	}
}

func (q *ChangeQueue) processor() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			q.processBatch()
			return
		case <-ticker.C:
			q.processBatch()
		}
	}
}

func (q *ChangeQueue) processBatch() {
	q.processMu.Lock()
	defer q.processMu.Unlock()

	q.itemsMu.Lock()
	if len(q.order) == 0 {
		q.itemsMu.Unlock()
		return
	}
	batch := make([]interfaces.RawEvent, 0, len(q.order))
	for _, path := range q.order {
		batch = append(batch, q.items[path])
	}
	q.items = make(map[string]interfaces.RawEvent)
	q.order = nil
	q.itemsMu.Unlock()

	if q.processFunc == nil {
		return
	}

	q.logger.Debug("Processing batch of changes", zap.Int("batch_size", len(batch)))

	err := q.processFunc(batch)

	q.statsMu.Lock()
	q.batches++
	if err != nil {
		q.failures++
	}
	q.statsMu.Unlock()

	// Failed batches are dropped, not requeued
	if err != nil {
		q.logger.Error("Failed to process batch",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
	}
}
