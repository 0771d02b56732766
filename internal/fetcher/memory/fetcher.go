// Package memory provides a Fetcher backed by an in-memory file system.
// Nothing happens on its own: content is changed through WriteFile,
// MkdirAll and Remove, and events are delivered only when a test raises
// them, which keeps engine tests deterministic.
package memory

import (
	"path/filepath"
	"sync"

	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	"github.com/pulsepoint/pulsetree/internal/fetcher"
	"github.com/pulsepoint/pulsetree/pkg/utils"
	"github.com/spf13/afero"
)

// eventBuffer is how many undelivered events a Fetcher holds
const eventBuffer = 1024

// Fetcher is the virtual interfaces.Fetcher
type Fetcher struct {
	fetcher.Reader

	mu     sync.Mutex
	roots  map[string]bool
	events chan interfaces.RawEvent
	errors chan error
	closed bool
}

// New creates an empty virtual fetcher
func New() *Fetcher {
	return &Fetcher{
		Reader: fetcher.Reader{FS: afero.NewMemMapFs()},
		roots:  make(map[string]bool),
		events: make(chan interfaces.RawEvent, eventBuffer),
		errors: make(chan error, 10),
	}
}

// WriteFile sets the contents of a file, creating parent directories
func (f *Fetcher) WriteFile(path string, data []byte) error {
	if err := f.FS.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return afero.WriteFile(f.FS, path, data, 0644)
}

// MkdirAll creates a directory and any missing parents
func (f *Fetcher) MkdirAll(path string) error {
	return f.FS.MkdirAll(path, 0755)
}

// Remove deletes a file or directory tree
func (f *Fetcher) Remove(path string) error {
	return f.FS.RemoveAll(path)
}

// Rename moves a file or directory
func (f *Fetcher) Rename(from, to string) error {
	return f.FS.Rename(from, to)
}

// RaiseEvent delivers an event for path. Events for paths outside every
// watched root, and events that find the buffer full, are dropped and
// RaiseEvent reports false.
func (f *Fetcher) RaiseEvent(path string, kind interfaces.EventKind) bool {
	path = filepath.Clean(path)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || !f.coveredLocked(path) {
		return false
	}
	select {
	case f.events <- interfaces.RawEvent{Path: path, Kind: kind}:
		return true
	default:
		return false
	}
}

// RaiseError delivers a watcher error
func (f *Fetcher) RaiseError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.errors <- err:
	default:
	}
}

// Watch registers path as a watched root
func (f *Fetcher) Watch(path string) error {
	if _, err := f.Stat(path); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots[filepath.Clean(path)] = true
	return nil
}

// Unwatch removes a watched root
func (f *Fetcher) Unwatch(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.roots, filepath.Clean(path))
	return nil
}

// Events returns the injected event stream
func (f *Fetcher) Events() <-chan interfaces.RawEvent {
	return f.events
}

// Errors returns the injected error stream
func (f *Fetcher) Errors() <-chan error {
	return f.errors
}

// Close closes the event and error channels
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	close(f.errors)
	return nil
}

func (f *Fetcher) coveredLocked(path string) bool {
	for root := range f.roots {
		if utils.IsWithin(root, path) {
			return true
		}
	}
	return false
}
