// Package session implements the serve session: the single owner of the
// file system mirror, the instance tree and the change log, and the
// pipeline that keeps them in step with the watched project.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulsepoint/pulsetree/internal/changelog"
	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	"github.com/pulsepoint/pulsetree/internal/fetcher/ignore"
	"github.com/pulsepoint/pulsetree/internal/imfs"
	"github.com/pulsepoint/pulsetree/internal/project"
	"github.com/pulsepoint/pulsetree/internal/queue"
	"github.com/pulsepoint/pulsetree/internal/snapshot"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"github.com/pulsepoint/pulsetree/pkg/utils"
	"go.uber.org/zap"
)

// Options configures a ServeSession
type Options struct {
	ServerVersion string

	// BatchWindow is how long raw events accumulate before a batch is
	// reconciled
	BatchWindow time.Duration

	// LogRetention bounds the in-memory change log, zero keeps everything
	LogRetention int

	// Ignore filters paths out of the mirror. Defaults to the built-in
	// ignores anchored at the project directory.
	Ignore *ignore.PulseIgnoreMatcher

	Journal changelog.Journal
}

// Info is the static identity of a session
type Info struct {
	SessionID        string
	ServerVersion    string
	ProjectName      string
	ExpectedPlaceIDs []uint64
	RootInstanceID   models.InstanceID
	StartTime        time.Time

	// ServePort is the port the manifest asks for, zero when unset
	ServePort int
}

// ServeSession owns the mirror, the tree and the log. Reads take the read
// lock and always see a whole number of applied batches.
type ServeSession struct {
	info    Info
	fetcher interfaces.Fetcher
	imfs    *imfs.Imfs
	builder *snapshot.Builder
	queue   *queue.ChangeQueue

	// mu guards the tree and log pair
	mu   sync.RWMutex
	tree *snapshot.Tree
	log  *changelog.Log

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	runMu    sync.Mutex
	running  bool
	stopOnce sync.Once
	logger   *zap.Logger
}

// New loads the project at projectPath through fetcher and builds the
// initial tree. A project that cannot be loaded, or a tree that fails its
// consistency check, is an error and no session is created.
func New(fetcher interfaces.Fetcher, projectPath string, opts Options) (*ServeSession, error) {
	registerMetrics()

	if abs, err := filepath.Abs(projectPath); err == nil {
		projectPath = abs
	}

	proj, err := project.Load(fetcher, projectPath)
	if err != nil {
		return nil, err
	}
	if err := proj.Validate(); err != nil {
		return nil, err
	}

	matcher := opts.Ignore
	if matcher == nil {
		matcher = ignore.NewPulseIgnoreMatcher(proj.Dir())
	}

	sessionID := uuid.New().String()
	log := logger.WithSession(sessionID)

	mirror := imfs.New(fetcher, imfs.Options{
		Ignore: matcher,
		OnError: func(path string, err error) {
			sessionFileSystemErrors.Inc()
		},
	})

	if err := mirror.LoadRoot(proj.Dir()); err != nil {
		return nil, err
	}
	for _, p := range proj.Paths() {
		if utils.IsWithin(proj.Dir(), p) {
			continue
		}
		if _, err := fetcher.Stat(p); err != nil {
			log.Warn("Project path does not exist", zap.String("path", p))
			continue
		}
		if err := mirror.LoadRoot(p); err != nil {
			return nil, err
		}
	}

	builder := snapshot.NewBuilder(mirror, proj)
	tree := builder.Build(&snapshot.IDAllocator{})
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	sessionInstances.Set(float64(tree.Len()))

	ctx, cancel := context.WithCancel(context.Background())

	s := &ServeSession{
		info: Info{
			SessionID:        sessionID,
			ServerVersion:    opts.ServerVersion,
			ProjectName:      proj.Name,
			ExpectedPlaceIDs: proj.ServePlaceIDs,
			RootInstanceID:   tree.RootID(),
			StartTime:        time.Now(),
			ServePort:        proj.ServePort,
		},
		fetcher: fetcher,
		imfs:    mirror,
		builder: builder,
		tree:    tree,
		log: changelog.New(changelog.Options{
			SessionID:  sessionID,
			MaxRecords: opts.LogRetention,
			Journal:    opts.Journal,
		}),
		ctx:    ctx,
		cancel: cancel,
		logger: log,
	}

	s.queue = queue.NewChangeQueue(queue.QueueConfig{
		FlushInterval: opts.BatchWindow,
		ProcessFunc:   s.processBatch,
	})

	log.Info("Serve session created",
		zap.String("project", proj.Name),
		zap.String("manifest", proj.FilePath),
		zap.Int("instances", tree.Len()),
		zap.Int("entries", mirror.Len()),
	)

	return s, nil
}

// Start runs the watcher pipeline until Stop or until ctx is done
func (s *ServeSession) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return fmt.Errorf("serve session already running")
	}

	if err := s.queue.Start(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.eventLoop(ctx)

	s.running = true
	s.logger.Info("Serve session started")
	return nil
}

// Stop halts the pipeline, processes what is already queued, releases
// every waiting subscriber and closes the fetcher
func (s *ServeSession) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.runMu.Lock()
		if s.running {
			if qerr := s.queue.Stop(); qerr != nil {
				s.logger.Error("Failed to stop change queue", zap.Error(qerr))
			}
			s.running = false
		}
		s.runMu.Unlock()

		s.log.Close()
		err = s.imfs.Close()
		s.logger.Info("Serve session stopped", zap.Uint64("cursor", s.log.Head()))
	})
	return err
}

func (s *ServeSession) eventLoop(ctx context.Context) {
	defer s.wg.Done()

	events := s.fetcher.Events()
	errs := s.fetcher.Errors()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			sessionFileSystemErrors.Inc()
			s.logger.Warn("File watcher error", zap.Error(err))
		case event, ok := <-events:
			if !ok {
				return
			}
			sessionFetcherEvents.WithLabelValues(event.Kind.String()).Inc()
			s.enqueue(event)
		}
	}
}

func (s *ServeSession) enqueue(event interfaces.RawEvent) {
	err := s.queue.Add(event)
	if errors.Is(err, queue.ErrQueueFull) {
		s.queue.Flush()
		err = s.queue.Add(event)
	}
	if err != nil {
		s.logger.Error("Dropping file event", zap.String("path", event.Path), zap.Error(err))
	}
}

// processBatch runs one batch of raw events through the mirror and the
// builder and applies the result. The queue never runs two at once.
func (s *ServeSession) processBatch(events []interfaces.RawEvent) error {
	changes := s.imfs.Apply(events)
	if len(changes) == 0 {
		return nil
	}

	s.logger.Debug("Reconciled file changes",
		zap.Int("events", len(events)),
		zap.Int("changes", len(changes)),
	)

	s.mu.RLock()
	patch := s.builder.Compute(s.tree, changes)
	s.mu.RUnlock()

	_, err := s.ApplyPatch(patch)
	return err
}

// ApplyPatch applies patch to the tree and appends the resulting records
// to the log as one atomic step. A patch that does not fit the tree is
// rejected whole with an internal error.
func (s *ServeSession) ApplyPatch(patch snapshot.PatchSet) ([]models.ChangeRecord, error) {
	if patch.IsEmpty() {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changes, err := s.tree.ApplyPatch(patch)
	if err != nil {
		sessionPatchFailures.Inc()
		return nil, err
	}

	records := s.log.Append(changes)

	sessionBatchesApplied.Inc()
	sessionInstances.Set(float64(s.tree.Len()))
	for _, r := range records {
		sessionRecordsAppended.WithLabelValues(r.Kind.String()).Inc()
	}

	if len(records) > 0 {
		s.logger.Debug("Applied patch",
			zap.Uint64("first_cursor", records[0].Cursor),
			zap.Uint64("last_cursor", records[len(records)-1].Cursor),
		)
	}
	return records, nil
}

// SessionID returns the id chosen when the session was created
func (s *ServeSession) SessionID() string {
	return s.info.SessionID
}

// RootInstanceID returns the id of the root instance
func (s *ServeSession) RootInstanceID() models.InstanceID {
	return s.info.RootInstanceID
}

// ProjectName returns the project name as loaded at startup
func (s *ServeSession) ProjectName() string {
	return s.info.ProjectName
}

// StartTime returns when the session was created
func (s *ServeSession) StartTime() time.Time {
	return s.info.StartTime
}

// RootInfo returns the static session facts
func (s *ServeSession) RootInfo() Info {
	info := s.info
	info.ExpectedPlaceIDs = append([]uint64(nil), s.info.ExpectedPlaceIDs...)
	return info
}

// CheckSession returns a stale session error when sessionID is set and
// names another session
func (s *ServeSession) CheckSession(sessionID string) error {
	if sessionID != "" && sessionID != s.info.SessionID {
		return pperrors.NewStaleSessionError(
			fmt.Sprintf("session %s is not the running session", sessionID), nil)
	}
	return nil
}

// GetInstances returns every requested instance together with its
// descendants, and the cursor the result is current as of. Any unknown id
// fails the whole request with a not found error.
func (s *ServeSession) GetInstances(ids []models.InstanceID) (map[models.InstanceID]models.Instance, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[models.InstanceID]models.Instance)
	for _, id := range ids {
		if _, ok := s.tree.Get(id); !ok {
			return nil, 0, pperrors.NewNotFoundError(
				fmt.Sprintf("instance %s does not exist", id), nil).WithContext("id", id)
		}
		for _, inst := range s.tree.Subtree(id) {
			out[inst.ID] = inst
		}
	}
	return out, s.log.Head(), nil
}

// Cursor returns the cursor of the newest change record
func (s *ServeSession) Cursor() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Head()
}

// ChangesSince returns every record after cursor without waiting
func (s *ServeSession) ChangesSince(cursor uint64) ([]models.ChangeRecord, uint64, error) {
	return s.log.Since(cursor)
}

// WaitForChanges is ChangesSince that waits up to maxWait for a record to
// arrive when there is none yet
func (s *ServeSession) WaitForChanges(ctx context.Context, cursor uint64, maxWait time.Duration) ([]models.ChangeRecord, uint64, error) {
	return s.log.Wait(ctx, cursor, maxWait)
}

// Done is closed when the session stops
func (s *ServeSession) Done() <-chan struct{} {
	return s.log.Done()
}

// Validate checks the tree invariants under the read lock
func (s *ServeSession) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Validate()
}

// Stats summarizes session state for status pages
func (s *ServeSession) Stats() map[string]interface{} {
	s.mu.RLock()
	instances := s.tree.Len()
	head := s.log.Head()
	watermark := s.log.Watermark()
	s.mu.RUnlock()

	return map[string]interface{}{
		"instances":     instances,
		"entries":       s.imfs.Len(),
		"cursor":        head,
		"watermark":     watermark,
		"roots":         s.imfs.Roots(),
		"pending_paths": s.queue.GetPendingCount(),
	}
}

// DumpTree writes the instance tree in a readable form
func (s *ServeSession) DumpTree(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Dump(w)
}

// DumpImfs writes the mirrored file system in a readable form
func (s *ServeSession) DumpImfs(w io.Writer) error {
	return s.imfs.Dump(w)
}

// Flush reconciles queued events immediately
func (s *ServeSession) Flush() {
	s.queue.Flush()
}
