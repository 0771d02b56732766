package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	"github.com/pulsepoint/pulsetree/internal/fetcher"
	"github.com/pulsepoint/pulsetree/internal/fetcher/ignore"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"github.com/pulsepoint/pulsetree/pkg/utils"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// PulseFetcher implements interfaces.Fetcher on the OS file system using
// fsnotify for change notification. Bursts of native events for a single
// path are coalesced into one RawEvent after the debounce period.
type PulseFetcher struct {
	fetcher.Reader

	watcher        *fsnotify.Watcher
	roots          map[string]bool // watched roots
	dirs           map[string]bool // directories registered with fsnotify
	pathsMu        sync.RWMutex
	ignore         *ignore.PulseIgnoreMatcher
	eventsChan     chan interfaces.RawEvent
	errorsChan     chan error
	debouncePeriod time.Duration
	debounceTimers map[string]*time.Timer
	pending        map[string]interfaces.EventKind
	debounceMu     sync.Mutex
	logger         *zap.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	closeOnce      sync.Once
	sendMu         sync.RWMutex // guards eventsChan against close
	closed         bool
}

// Options configures a PulseFetcher
type Options struct {
	DebouncePeriod time.Duration
	Ignore         *ignore.PulseIgnoreMatcher
	EventBuffer    int
}

// NewPulseFetcher creates a fetcher and starts its monitor goroutine. No
// events are delivered until Watch registers a root.
func NewPulseFetcher(opts Options) (*PulseFetcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if opts.DebouncePeriod == 0 {
		opts.DebouncePeriod = 50 * time.Millisecond
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = 1024
	}
	if opts.Ignore == nil {
		opts.Ignore = ignore.NewPulseIgnoreMatcher("/")
	}

	ctx, cancel := context.WithCancel(context.Background())

	pf := &PulseFetcher{
		Reader:         fetcher.Reader{FS: afero.NewOsFs()},
		watcher:        w,
		roots:          make(map[string]bool),
		dirs:           make(map[string]bool),
		ignore:         opts.Ignore,
		eventsChan:     make(chan interfaces.RawEvent, opts.EventBuffer),
		errorsChan:     make(chan error, 10),
		debouncePeriod: opts.DebouncePeriod,
		debounceTimers: make(map[string]*time.Timer),
		pending:        make(map[string]interfaces.EventKind),
		logger:         logger.WithComponent("local_fetcher"),
		ctx:            ctx,
		cancel:         cancel,
	}

	pf.wg.Add(1)
	go pf.pulseMonitor()

	return pf, nil
}

// Events returns the channel for receiving raw change events
func (pf *PulseFetcher) Events() <-chan interfaces.RawEvent {
	return pf.eventsChan
}

// Errors returns the channel for receiving watcher errors
func (pf *PulseFetcher) Errors() <-chan error {
	return pf.errorsChan
}

// Watch adds a root to watch (file or directory, recursively)
func (pf *PulseFetcher) Watch(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}

	pf.pathsMu.Lock()
	defer pf.pathsMu.Unlock()

	if pf.roots[absPath] {
		return nil
	}

	if info.IsDir() {
		if err := pf.pulseAddRecursive(absPath); err != nil {
			return err
		}
	} else {
		// Files are watched through their parent directory so that
		// editors replacing the file by rename are still observed
		parent := filepath.Dir(absPath)
		if !pf.dirs[parent] {
			if err := pf.watcher.Add(parent); err != nil {
				return fmt.Errorf("failed to add path to watcher: %w", err)
			}
			pf.dirs[parent] = true
		}
	}
	pf.roots[absPath] = true

	pf.logger.Info("Added path to watcher",
		zap.String("path", absPath),
		zap.Bool("is_directory", info.IsDir()),
	)

	return nil
}

// Unwatch removes a root and every directory registered beneath it
func (pf *PulseFetcher) Unwatch(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	pf.pathsMu.Lock()
	defer pf.pathsMu.Unlock()

	delete(pf.roots, absPath)
	for dir := range pf.dirs {
		if utils.IsWithin(absPath, dir) && !pf.coveredLocked(dir) {
			if err := pf.watcher.Remove(dir); err != nil {
				pf.logger.Warn("Failed to remove path from watcher",
					zap.String("path", dir),
					zap.Error(err),
				)
			}
			delete(pf.dirs, dir)
		}
	}

	pf.logger.Info("Removed path from watcher", zap.String("path", absPath))
	return nil
}

// WatchedRoots returns the currently watched roots
func (pf *PulseFetcher) WatchedRoots() []string {
	pf.pathsMu.RLock()
	defer pf.pathsMu.RUnlock()

	roots := make([]string, 0, len(pf.roots))
	for root := range pf.roots {
		roots = append(roots, root)
	}
	return roots
}

// Close stops the fetcher and closes its channels
func (pf *PulseFetcher) Close() error {
	var err error
	pf.closeOnce.Do(func() {
		pf.cancel()

		pf.debounceMu.Lock()
		for _, timer := range pf.debounceTimers {
			timer.Stop()
		}
		pf.debounceTimers = make(map[string]*time.Timer)
		pf.debounceMu.Unlock()

		err = pf.watcher.Close()
		pf.wg.Wait()

		pf.sendMu.Lock()
		pf.closed = true
		close(pf.eventsChan)
		close(pf.errorsChan)
		pf.sendMu.Unlock()
		pf.logger.Info("Local fetcher stopped")
	})
	return err
}

// coveredLocked reports whether path is still inside some watched root.
// Caller holds pathsMu.
func (pf *PulseFetcher) coveredLocked(path string) bool {
	for root := range pf.roots {
		if utils.IsWithin(root, path) {
			return true
		}
	}
	return false
}

// pulseMonitor is the main monitoring goroutine
func (pf *PulseFetcher) pulseMonitor() {
	defer pf.wg.Done()

	for {
		select {
		case <-pf.ctx.Done():
			return
		case event, ok := <-pf.watcher.Events:
			if !ok {
				return
			}
			pf.pulseHandleEvent(event)
		case err, ok := <-pf.watcher.Errors:
			if !ok {
				return
			}
			pf.logger.Error("File watcher error", zap.Error(err))
			select {
			case pf.errorsChan <- err:
			default:
			}
		}
	}
}

// pulseHandleEvent debounces a native event per path
func (pf *PulseFetcher) pulseHandleEvent(event fsnotify.Event) {
	kind, ok := mapEventKind(event.Op)
	if !ok {
		return
	}

	path := filepath.Clean(event.Name)

	pf.pathsMu.RLock()
	covered := pf.coveredLocked(path)
	pf.pathsMu.RUnlock()
	if !covered {
		return
	}

	if pf.ignore.ShouldIgnore(path, false) {
		return
	}

	// A directory that appears must be registered right away so events
	// for its children are not lost while the debounce timer runs
	if kind == interfaces.EventCreated {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			pf.pathsMu.Lock()
			if err := pf.pulseAddRecursive(path); err != nil {
				pf.logger.Warn("Failed to add new directory to watcher",
					zap.String("path", path),
					zap.Error(err),
				)
			}
			pf.pathsMu.Unlock()
		}
	}

	pf.debounceMu.Lock()
	defer pf.debounceMu.Unlock()

	pf.pending[path] = mergeKinds(pf.pending[path], kind)
	if timer, exists := pf.debounceTimers[path]; exists {
		timer.Stop()
	}
	pf.debounceTimers[path] = time.AfterFunc(pf.debouncePeriod, func() {
		pf.pulseFlush(path)
	})
}

// pulseFlush emits the coalesced event for path
func (pf *PulseFetcher) pulseFlush(path string) {
	pf.debounceMu.Lock()
	kind, ok := pf.pending[path]
	delete(pf.pending, path)
	delete(pf.debounceTimers, path)
	pf.debounceMu.Unlock()

	if !ok {
		return
	}

	if kind == interfaces.EventRemoved || kind == interfaces.EventRenamed {
		pf.pathsMu.Lock()
		if pf.dirs[path] {
			_ = pf.watcher.Remove(path)
			delete(pf.dirs, path)
		}
		pf.pathsMu.Unlock()
	}

	pf.sendMu.RLock()
	defer pf.sendMu.RUnlock()
	if pf.closed {
		return
	}

	select {
	case pf.eventsChan <- interfaces.RawEvent{Path: path, Kind: kind}:
		pf.logger.Debug("File change detected",
			zap.String("path", path),
			zap.String("kind", kind.String()),
		)
	case <-pf.ctx.Done():
	}
}

// pulseAddRecursive registers a directory and its subdirectories with
// fsnotify. Caller holds pathsMu.
func (pf *PulseFetcher) pulseAddRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Entries can vanish between listing and stat
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		if !info.IsDir() {
			return nil
		}

		if path != dir && pf.ignore.ShouldIgnore(path, true) {
			return filepath.SkipDir
		}

		if pf.dirs[path] {
			return nil
		}
		if err := pf.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to add directory %s: %w", path, err)
		}
		pf.dirs[path] = true
		return nil
	})
}

// mapEventKind maps fsnotify operations to raw event kinds
func mapEventKind(op fsnotify.Op) (interfaces.EventKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return interfaces.EventCreated, true
	case op.Has(fsnotify.Write):
		return interfaces.EventModified, true
	case op.Has(fsnotify.Remove):
		return interfaces.EventRemoved, true
	case op.Has(fsnotify.Rename):
		return interfaces.EventRenamed, true
	default:
		// Chmod carries no content change
		return "", false
	}
}

// mergeKinds folds a burst of kinds for one path into the kind that is
// reported. The consumer re-checks the path, so only "it changed" matters;
// the latest kind wins except that a created entry stays created.
func mergeKinds(prev, next interfaces.EventKind) interfaces.EventKind {
	if prev == interfaces.EventCreated && next == interfaces.EventModified {
		return prev
	}
	return next
}
