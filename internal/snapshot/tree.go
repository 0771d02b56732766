package snapshot

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/models"
)

// IDAllocator hands out instance ids for one session. Ids start at 1 and
// are never reused.
type IDAllocator struct {
	last atomic.Uint64
}

// Next returns a fresh id
func (a *IDAllocator) Next() models.InstanceID {
	return models.InstanceID(a.last.Add(1))
}

// Last returns the most recently allocated id
func (a *IDAllocator) Last() models.InstanceID {
	return models.InstanceID(a.last.Load())
}

type node struct {
	inst models.Instance
	meta Metadata
}

// Tree is the live instance tree: a flat arena keyed by id. Parent and
// child links are ids only. Tree is not safe for concurrent use; the serve
// session guards it.
type Tree struct {
	nodes  map[models.InstanceID]*node
	byPath map[string][]models.InstanceID
	rootID models.InstanceID
	alloc  *IDAllocator
}

// NewTree builds a tree from a root snapshot
func NewTree(root *InstanceSnapshot, alloc *IDAllocator) *Tree {
	if alloc == nil {
		alloc = &IDAllocator{}
	}
	t := &Tree{
		nodes:  make(map[models.InstanceID]*node),
		byPath: make(map[string][]models.InstanceID),
		alloc:  alloc,
	}
	t.rootID = t.insert(models.NoInstance, -1, root, nil)
	return t
}

// RootID returns the id of the root instance
func (t *Tree) RootID() models.InstanceID {
	return t.rootID
}

// Len returns the number of live instances
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Get returns a copy of the instance with id
func (t *Tree) Get(id models.InstanceID) (models.Instance, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return models.Instance{}, false
	}
	return copyInstance(n.inst), true
}

// Metadata returns the metadata of the instance with id
func (t *Tree) Metadata(id models.InstanceID) (Metadata, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Metadata{}, false
	}
	return n.meta, true
}

// Subtree returns id and all its descendants, parents before children
func (t *Tree) Subtree(id models.InstanceID) []models.Instance {
	var out []models.Instance
	var walk func(id models.InstanceID)
	walk = func(id models.InstanceID) {
		n, ok := t.nodes[id]
		if !ok {
			return
		}
		out = append(out, copyInstance(n.inst))
		for _, c := range n.inst.Children {
			walk(c)
		}
	}
	walk(id)
	return out
}

// IDsForPath returns the instances that must be rebuilt when path changes
func (t *Tree) IDsForPath(path string) []models.InstanceID {
	return append([]models.InstanceID(nil), t.byPath[path]...)
}

// IsAncestor reports whether ancestor is a strict ancestor of id
func (t *Tree) IsAncestor(ancestor, id models.InstanceID) bool {
	n, ok := t.nodes[id]
	for ok && n.inst.Parent != models.NoInstance {
		if n.inst.Parent == ancestor {
			return true
		}
		n, ok = t.nodes[n.inst.Parent]
	}
	return false
}

// Validate checks that parent and child links agree in both directions
// and that the tree is connected from the root
func (t *Tree) Validate() error {
	if _, ok := t.nodes[t.rootID]; !ok {
		return pperrors.NewInternalError("root instance missing", nil)
	}

	seen := make(map[models.InstanceID]bool, len(t.nodes))
	var walk func(id models.InstanceID) error
	walk = func(id models.InstanceID) error {
		if seen[id] {
			return pperrors.NewInternalError(fmt.Sprintf("instance %s reachable twice", id), nil)
		}
		seen[id] = true
		n := t.nodes[id]
		for _, c := range n.inst.Children {
			child, ok := t.nodes[c]
			if !ok {
				return pperrors.NewInternalError(
					fmt.Sprintf("instance %s lists missing child %s", id, c), nil)
			}
			if child.inst.Parent != id {
				return pperrors.NewInternalError(
					fmt.Sprintf("instance %s lists child %s whose parent is %s", id, c, child.inst.Parent), nil)
			}
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.rootID); err != nil {
		return err
	}

	if len(seen) != len(t.nodes) {
		return pperrors.NewInternalError(
			fmt.Sprintf("%d instances unreachable from root", len(t.nodes)-len(seen)), nil)
	}
	return nil
}

// Dump writes an indented listing of the tree
func (t *Tree) Dump(w io.Writer) error {
	var walk func(id models.InstanceID, depth int) error
	walk = func(id models.InstanceID, depth int) error {
		n := t.nodes[id]
		if _, err := fmt.Fprintf(w, "%s%s (%s) [%s]\n",
			strings.Repeat("  ", depth), n.inst.Name, n.inst.ClassName, id); err != nil {
			return err
		}
		for _, name := range n.inst.Properties.Keys() {
			if _, err := fmt.Fprintf(w, "%s  .%s: %s\n",
				strings.Repeat("  ", depth), name, describe(n.inst.Properties[name])); err != nil {
				return err
			}
		}
		for _, c := range n.inst.Children {
			if err := walk(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(t.rootID, 0)
}

func describe(v models.Variant) string {
	s := fmt.Sprint(v.Value)
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return fmt.Sprintf("%s(%q)", v.Type, s)
}

// placed is an inserted instance and its index among its parent's children
type placed struct {
	id    models.InstanceID
	index int
}

// insert adds snap and its subtree under parent, parents first. The root of
// the subtree goes to index at of the parent's children, or last when at is
// out of range. Descendants keep the snapshot's order. Every inserted
// instance is appended to added when it is non-nil.
func (t *Tree) insert(parent models.InstanceID, at int, snap *InstanceSnapshot, added *[]placed) models.InstanceID {
	id := t.alloc.Next()
	n := &node{
		inst: models.Instance{
			ID:         id,
			Parent:     parent,
			Name:       snap.Name,
			ClassName:  snap.ClassName,
			Properties: snap.Properties.Clone(),
			Children:   []models.InstanceID{},
		},
		meta: snap.Metadata,
	}
	t.nodes[id] = n
	t.index(id, n.meta)

	index := 0
	if p, ok := t.nodes[parent]; ok {
		if at < 0 || at > len(p.inst.Children) {
			at = len(p.inst.Children)
		}
		p.inst.Children = slices.Insert(p.inst.Children, at, id)
		index = at
	}
	if added != nil {
		*added = append(*added, placed{id: id, index: index})
	}

	for _, child := range snap.Children {
		t.insert(id, -1, child, added)
	}
	return id
}

// remove deletes id and its subtree, descendants first, and unlinks it
// from its parent. Removed ids are appended to removed.
func (t *Tree) remove(id models.InstanceID, removed *[]models.InstanceID) {
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	for _, c := range append([]models.InstanceID(nil), n.inst.Children...) {
		t.remove(c, removed)
	}
	if p, ok := t.nodes[n.inst.Parent]; ok {
		p.inst.Children = without(p.inst.Children, id)
	}
	t.unindex(id, n.meta)
	delete(t.nodes, id)
	*removed = append(*removed, id)
}

func (t *Tree) index(id models.InstanceID, meta Metadata) {
	for _, p := range meta.RelevantPaths {
		t.byPath[p] = append(t.byPath[p], id)
	}
}

func (t *Tree) unindex(id models.InstanceID, meta Metadata) {
	for _, p := range meta.RelevantPaths {
		ids := without(t.byPath[p], id)
		if len(ids) == 0 {
			delete(t.byPath, p)
		} else {
			t.byPath[p] = ids
		}
	}
}

// Paths returns every indexed path in sorted order
func (t *Tree) Paths() []string {
	paths := make([]string, 0, len(t.byPath))
	for p := range t.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func without(ids []models.InstanceID, id models.InstanceID) []models.InstanceID {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func copyInstance(inst models.Instance) models.Instance {
	inst.Properties = inst.Properties.Clone()
	inst.Children = append([]models.InstanceID{}, inst.Children...)
	return inst
}
