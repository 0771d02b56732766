// Package imfs keeps an in-memory mirror of the watched file system and
// turns raw fetcher events into structured entry-level changes.
//
// The mirror never trusts an event payload: every event causes the path to
// be re-checked through the fetcher, and the cache is corrected to match
// whatever is there now. Read failures count as absence.
package imfs

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	"github.com/pulsepoint/pulsetree/internal/fetcher/ignore"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"github.com/pulsepoint/pulsetree/pkg/utils"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Entry mirrors one file system path
type Entry struct {
	Path     string              `json:"path"`
	Kind     interfaces.FileType `json:"kind"`
	Contents []byte              `json:"-"`
	Hash     string              `json:"hash,omitempty"`
	Children []string            `json:"children,omitempty"`
}

// IsDir reports whether the entry is a directory
func (e Entry) IsDir() bool {
	return e.Kind == interfaces.FileTypeDirectory
}

// ChangeKind is the kind of an entry-level change
type ChangeKind string

const (
	// ChangeAdded means the path is newly present
	ChangeAdded ChangeKind = "added"
	// ChangeRemoved means the path is gone
	ChangeRemoved ChangeKind = "removed"
	// ChangeModified means a file's contents changed
	ChangeModified ChangeKind = "modified"
)

// Change is one entry-level difference against the previous snapshot
type Change struct {
	Path string              `json:"path"`
	Kind ChangeKind          `json:"kind"`
	Type interfaces.FileType `json:"type"`
}

// Options configures an Imfs
type Options struct {
	Ignore *ignore.PulseIgnoreMatcher

	// OnError is called for every path that could not be read. The path is
	// treated as absent either way.
	OnError func(path string, err error)
}

// Imfs is the cached mirror. It owns its fetcher.
type Imfs struct {
	fetcher interfaces.Fetcher
	ignore  *ignore.PulseIgnoreMatcher
	onError func(path string, err error)

	mu      sync.RWMutex
	entries map[string]*Entry
	roots   map[string]bool
	logger  *zap.Logger
}

// New creates an empty mirror over fetcher
func New(fetcher interfaces.Fetcher, opts Options) *Imfs {
	return &Imfs{
		fetcher: fetcher,
		ignore:  opts.Ignore,
		onError: opts.OnError,
		entries: make(map[string]*Entry),
		roots:   make(map[string]bool),
		logger:  logger.WithComponent("imfs"),
	}
}

// Fetcher returns the underlying fetcher
func (m *Imfs) Fetcher() interfaces.Fetcher {
	return m.fetcher
}

// LoadRoot reads path and everything below it into the cache and starts
// watching it. Unlike event processing, a missing root is an error.
func (m *Imfs) LoadRoot(path string) error {
	path = filepath.Clean(path)

	if _, err := m.fetcher.Stat(path); err != nil {
		return pperrors.NewFileSystemError(fmt.Sprintf("cannot load root %s", path), err)
	}

	m.mu.Lock()
	if !m.roots[path] {
		m.roots[path] = true
		var changes []Change
		m.reconcileLocked(path, &changes)
	}
	m.mu.Unlock()

	if err := m.fetcher.Watch(path); err != nil {
		return pperrors.NewFileSystemError(fmt.Sprintf("cannot watch %s", path), err)
	}

	m.logger.Debug("Loaded root", zap.String("path", path))
	return nil
}

// Roots returns the loaded roots in sorted order
func (m *Imfs) Roots() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roots := make([]string, 0, len(m.roots))
	for root := range m.roots {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Get returns a copy of the entry at path
func (m *Imfs) Get(path string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[filepath.Clean(path)]
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.Children = append([]string(nil), e.Children...)
	out.Contents = bytes.Clone(e.Contents)
	return out, true
}

// Children returns the sorted child paths of the directory at path
func (m *Imfs) Children(path string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.entries[filepath.Clean(path)]; ok {
		return append([]string(nil), e.Children...)
	}
	return nil
}

// Contents returns a copy of the cached bytes of the file at path
func (m *Imfs) Contents(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[filepath.Clean(path)]
	if !ok || e.IsDir() {
		return nil, false
	}
	return bytes.Clone(e.Contents), true
}

// Len returns the number of cached entries
func (m *Imfs) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Apply reconciles every event path and returns the resulting changes in
// order. Repeated events for the same path collapse naturally, since the
// second reconcile finds nothing left to do.
func (m *Imfs) Apply(events []interfaces.RawEvent) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []Change
	for _, ev := range events {
		m.reconcileLocked(filepath.Clean(ev.Path), &changes)
	}
	return changes
}

// Reconcile re-checks a single path
func (m *Imfs) Reconcile(path string) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []Change
	m.reconcileLocked(filepath.Clean(path), &changes)
	return changes
}

// Close closes the owned fetcher
func (m *Imfs) Close() error {
	return m.fetcher.Close()
}

// Dump writes a sorted listing of every cached entry
func (m *Imfs) Dump(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.entries))
	for path := range m.entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		e := m.entries[path]
		var err error
		if e.IsDir() {
			_, err = fmt.Fprintf(w, "%s/ (%d children)\n", path, len(e.Children))
		} else {
			_, err = fmt.Fprintf(w, "%s %d bytes %s\n", path, len(e.Contents), utils.TruncateString(e.Hash, 16))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Imfs) coveredLocked(path string) bool {
	for root := range m.roots {
		if utils.IsWithin(root, path) {
			return true
		}
	}
	return false
}

func (m *Imfs) isRootLocked(path string) bool {
	return m.roots[path]
}

// reconcileLocked brings the cache for path in line with the fetcher
func (m *Imfs) reconcileLocked(path string, changes *[]Change) {
	if !m.coveredLocked(path) {
		return
	}

	// A path whose parent is not cached yet is reached by reconciling the
	// parent, which lists it
	parent := filepath.Dir(path)
	if !m.isRootLocked(path) {
		if _, ok := m.entries[parent]; !ok {
			if m.coveredLocked(parent) {
				m.reconcileLocked(parent, changes)
			}
			return
		}
	}

	kind, ok := m.statLocked(path)
	cached := m.entries[path]

	if !ok {
		if cached != nil {
			m.removeLocked(path, changes)
		}
		return
	}

	if cached != nil && cached.Kind != kind {
		m.removeLocked(path, changes)
		cached = nil
	}

	switch kind {
	case interfaces.FileTypeFile:
		data, err := m.fetcher.Read(path)
		if err != nil {
			m.reportLocked(path, err)
			if cached != nil {
				m.removeLocked(path, changes)
			}
			return
		}
		hash := hashContents(data)
		if cached == nil {
			m.entries[path] = &Entry{Path: path, Kind: kind, Contents: data, Hash: hash}
			m.linkLocked(path)
			*changes = append(*changes, Change{Path: path, Kind: ChangeAdded, Type: kind})
			return
		}
		if cached.Hash != hash {
			cached.Contents = data
			cached.Hash = hash
			*changes = append(*changes, Change{Path: path, Kind: ChangeModified, Type: kind})
		}

	case interfaces.FileTypeDirectory:
		listed, err := m.fetcher.List(path)
		if err != nil {
			m.reportLocked(path, err)
			if cached != nil {
				m.removeLocked(path, changes)
			}
			return
		}
		listed = m.filterLocked(listed)

		if cached == nil {
			m.entries[path] = &Entry{Path: path, Kind: kind}
			m.linkLocked(path)
			*changes = append(*changes, Change{Path: path, Kind: ChangeAdded, Type: kind})
			cached = m.entries[path]
		}

		present := make(map[string]bool, len(listed))
		for _, child := range listed {
			present[child] = true
		}
		for _, child := range append([]string(nil), cached.Children...) {
			if !present[child] {
				m.removeLocked(child, changes)
			}
		}
		for _, child := range listed {
			m.reconcileLocked(child, changes)
		}
	}
}

// statLocked returns the entry type at path; false when absent, ignored
// or unreadable
func (m *Imfs) statLocked(path string) (interfaces.FileType, bool) {
	kind, err := m.fetcher.Stat(path)
	if err != nil {
		if !errors.Is(err, pperrors.ErrNotFound) {
			m.reportLocked(path, err)
		}
		return "", false
	}
	if !m.isRootLocked(path) && m.ignore != nil && m.ignore.ShouldIgnore(path, kind == interfaces.FileTypeDirectory) {
		return "", false
	}
	return kind, true
}

func (m *Imfs) filterLocked(paths []string) []string {
	if m.ignore == nil {
		return paths
	}
	out := paths[:0]
	for _, p := range paths {
		// Directory-only patterns are checked again when the child is stat'ed
		if !m.ignore.ShouldIgnore(p, false) {
			out = append(out, p)
		}
	}
	return out
}

func (m *Imfs) reportLocked(path string, err error) {
	m.logger.Warn("Treating unreadable path as absent",
		zap.String("path", path),
		zap.Error(err),
	)
	if m.onError != nil {
		m.onError(path, err)
	}
}

// removeLocked drops path and its cached descendants, descendants first
func (m *Imfs) removeLocked(path string, changes *[]Change) {
	e, ok := m.entries[path]
	if !ok {
		return
	}
	for _, child := range append([]string(nil), e.Children...) {
		m.removeLocked(child, changes)
	}
	delete(m.entries, path)
	m.unlinkLocked(path)
	*changes = append(*changes, Change{Path: path, Kind: ChangeRemoved, Type: e.Kind})
}

func (m *Imfs) linkLocked(path string) {
	parent, ok := m.entries[filepath.Dir(path)]
	if !ok || m.isRootLocked(path) {
		return
	}
	i := sort.SearchStrings(parent.Children, path)
	if i < len(parent.Children) && parent.Children[i] == path {
		return
	}
	parent.Children = append(parent.Children, "")
	copy(parent.Children[i+1:], parent.Children[i:])
	parent.Children[i] = path
}

func (m *Imfs) unlinkLocked(path string) {
	parent, ok := m.entries[filepath.Dir(path)]
	if !ok {
		return
	}
	i := sort.SearchStrings(parent.Children, path)
	if i < len(parent.Children) && parent.Children[i] == path {
		parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
	}
}

func hashContents(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Name returns the final element of path without any directory
func Name(path string) string {
	return filepath.Base(strings.TrimSuffix(path, string(filepath.Separator)))
}
