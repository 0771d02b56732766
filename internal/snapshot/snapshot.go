// Package snapshot turns mirrored file system state and the project
// manifest into the instance tree.
//
// A snapshot is a plain description of what an instance subtree should look
// like. The tree holds the live instances with their ids; ComputePatch
// compares a snapshot against the tree and ApplyPatch makes the tree match,
// returning the instance-level changes in client order.
package snapshot

import (
	"sort"

	"github.com/pulsepoint/pulsetree/internal/imfs"
	"github.com/pulsepoint/pulsetree/internal/project"
	"github.com/pulsepoint/pulsetree/pkg/models"
)

// FileSource is the mirrored file system a snapshot is built from
type FileSource interface {
	Get(path string) (imfs.Entry, bool)
	Children(path string) []string
	Contents(path string) ([]byte, bool)
}

// InstanceSnapshot describes one instance and its subtree
type InstanceSnapshot struct {
	Name       string
	ClassName  string
	Properties models.Properties
	Children   []*InstanceSnapshot
	Metadata   Metadata
}

// Metadata ties an instance back to where it came from
type Metadata struct {
	// SourcePath is the file or directory the instance was built from
	SourcePath string

	// RelevantPaths are every path whose change means this instance must be
	// rebuilt, SourcePath included
	RelevantPaths []string

	// ProjectNode is set for instances declared in the manifest
	ProjectNode *project.Node
}

// sortChildren orders children by name, then class
func sortChildren(children []*InstanceSnapshot) {
	sort.SliceStable(children, func(i, j int) bool {
		if children[i].Name != children[j].Name {
			return children[i].Name < children[j].Name
		}
		return children[i].ClassName < children[j].ClassName
	})
}

// sameShape reports whether two instances look identical apart from name,
// which is how a rename in place is recognized
func sameShape(inst models.Instance, snap *InstanceSnapshot) bool {
	if inst.ClassName != snap.ClassName || len(inst.Properties) != len(snap.Properties) {
		return false
	}
	for name, v := range snap.Properties {
		old, ok := inst.Properties[name]
		if !ok || !old.Equal(v) {
			return false
		}
	}
	return true
}
