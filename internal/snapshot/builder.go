package snapshot

import (
	"path/filepath"
	"sync"

	"github.com/pulsepoint/pulsetree/internal/imfs"
	"github.com/pulsepoint/pulsetree/internal/project"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"go.uber.org/zap"
)

// Builder maps entry-level changes onto the instances they affect and
// computes the patch that brings those instances up to date
type Builder struct {
	fs      FileSource
	mu      sync.RWMutex
	project *project.Project
	logger  *zap.Logger
}

// NewBuilder creates a builder for proj over fs
func NewBuilder(fs FileSource, proj *project.Project) *Builder {
	return &Builder{
		fs:      fs,
		project: proj,
		logger:  logger.WithComponent("builder"),
	}
}

// Project returns the current manifest
func (b *Builder) Project() *project.Project {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.project
}

// Build snapshots the whole project into a new tree
func (b *Builder) Build(alloc *IDAllocator) *Tree {
	return NewTree(FromProject(b.fs, b.Project()), alloc)
}

// Compute returns the patch for a batch of entry changes. Each changed
// path rebuilds the nearest instance bound to it or to one of its
// ancestors; a changed manifest rebuilds from the root. A manifest that no
// longer parses is logged and the previous one stays in effect.
func (b *Builder) Compute(tree *Tree, changes []imfs.Change) PatchSet {
	var (
		targets  []models.InstanceID
		seen     = make(map[models.InstanceID]bool)
		fromRoot bool
	)

	manifest := b.Project().FilePath
	for _, c := range changes {
		if c.Path == manifest {
			if b.reload(c) {
				fromRoot = true
			}
			continue
		}
		for _, id := range b.bound(tree, c.Path) {
			if !seen[id] {
				seen[id] = true
				targets = append(targets, id)
			}
		}
	}

	if fromRoot {
		targets = []models.InstanceID{tree.RootID()}
	}

	var ps PatchSet
	for _, id := range targets {
		if coveredByAncestor(tree, id, targets) {
			continue
		}
		ps.Merge(ComputePatch(tree, id, b.resnapshot(tree, id)))
	}
	return ps
}

func (b *Builder) reload(c imfs.Change) bool {
	manifest := b.Project().FilePath

	data, ok := b.fs.Contents(manifest)
	if !ok {
		b.logger.Error("Project file disappeared, keeping previous tree",
			zap.String("path", manifest),
			zap.String("change", string(c.Kind)),
		)
		return false
	}

	proj, err := project.Parse(data, manifest)
	if err != nil {
		b.logger.Error("Project file is invalid, keeping previous tree",
			zap.String("path", manifest),
			zap.Error(err),
		)
		return false
	}

	b.mu.Lock()
	b.project = proj
	b.mu.Unlock()

	b.logger.Info("Reloaded project file", zap.String("path", manifest))
	return true
}

// bound returns the instances bound to path or its nearest bound ancestor
func (b *Builder) bound(tree *Tree, path string) []models.InstanceID {
	for p := path; ; p = filepath.Dir(p) {
		if ids := tree.IDsForPath(p); len(ids) > 0 {
			return ids
		}
		if filepath.Dir(p) == p {
			return nil
		}
	}
}

func (b *Builder) resnapshot(tree *Tree, id models.InstanceID) *InstanceSnapshot {
	if id == tree.RootID() {
		return FromProject(b.fs, b.Project())
	}
	meta, _ := tree.Metadata(id)
	if meta.ProjectNode != nil {
		return FromProjectNode(b.fs, meta.ProjectNode)
	}
	return FromPath(b.fs, meta.SourcePath)
}

func coveredByAncestor(tree *Tree, id models.InstanceID, targets []models.InstanceID) bool {
	for _, other := range targets {
		if other != id && tree.IsAncestor(other, id) {
			return true
		}
	}
	return false
}
