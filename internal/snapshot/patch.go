package snapshot

import (
	"fmt"

	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/models"
)

// PatchSet is the difference between the tree and a set of snapshots. It
// holds no ids for instances that do not exist yet; those are allocated
// when the patch is applied.
type PatchSet struct {
	Removed []models.InstanceID
	Added   []PatchAdd
	Updated []PatchUpdate
}

// PatchAdd creates Snapshot and its subtree under Parent
type PatchAdd struct {
	Parent   models.InstanceID
	Snapshot *InstanceSnapshot
}

// PatchUpdate changes an existing instance in place. Nil fields are
// unchanged; a nil property value removes the property.
type PatchUpdate struct {
	ID                models.InstanceID
	ChangedName       *string
	ChangedClassName  *string
	ChangedProperties map[string]*models.Variant
	Metadata          *Metadata

	// Order is the complete new child order when children were added,
	// removed or moved
	Order []Slot
}

// Slot is one position in a new child order: an existing instance, or the
// root of Added[Add] when ID is NoInstance
type Slot struct {
	ID  models.InstanceID
	Add int
}

// IsEmpty reports whether applying the patch would change nothing
func (p PatchSet) IsEmpty() bool {
	return len(p.Removed) == 0 && len(p.Added) == 0 && len(p.Updated) == 0
}

// Merge appends other to p
func (p *PatchSet) Merge(other PatchSet) {
	shift := len(p.Added)
	p.Removed = append(p.Removed, other.Removed...)
	p.Added = append(p.Added, other.Added...)
	for _, u := range other.Updated {
		if u.Order != nil {
			order := make([]Slot, len(u.Order))
			for i, s := range u.Order {
				if s.ID == models.NoInstance {
					s.Add += shift
				}
				order[i] = s
			}
			u.Order = order
		}
		p.Updated = append(p.Updated, u)
	}
}

// ComputePatch compares the instance id against snap. A nil snapshot
// removes the instance.
func ComputePatch(t *Tree, id models.InstanceID, snap *InstanceSnapshot) PatchSet {
	var ps PatchSet
	if _, ok := t.nodes[id]; !ok {
		return ps
	}
	if snap == nil {
		ps.Removed = append(ps.Removed, id)
		return ps
	}
	t.computeUpdate(id, snap, &ps)
	return ps
}

func (t *Tree) computeUpdate(id models.InstanceID, snap *InstanceSnapshot, ps *PatchSet) {
	n := t.nodes[id]
	upd := PatchUpdate{ID: id}
	changed := false

	if n.inst.Name != snap.Name {
		name := snap.Name
		upd.ChangedName = &name
		changed = true
	}
	if n.inst.ClassName != snap.ClassName {
		className := snap.ClassName
		upd.ChangedClassName = &className
		changed = true
	}

	props := make(map[string]*models.Variant)
	for name, v := range snap.Properties {
		if old, ok := n.inst.Properties[name]; !ok || !old.Equal(v) {
			v := v
			props[name] = &v
		}
	}
	for name := range n.inst.Properties {
		if _, ok := snap.Properties[name]; !ok {
			props[name] = nil
		}
	}
	if len(props) > 0 {
		upd.ChangedProperties = props
		changed = true
	}

	if !metadataEqual(n.meta, snap.Metadata) {
		meta := snap.Metadata
		upd.Metadata = &meta
		changed = true
	}

	old := n.inst.Children
	matched := t.matchChildren(old, snap.Children)

	slots := make([]Slot, 0, len(snap.Children))
	reordered := false
	kept := 0
	for i, child := range snap.Children {
		if matched[i] != models.NoInstance {
			t.computeUpdate(matched[i], child, ps)
			slots = append(slots, Slot{ID: matched[i]})
			if kept >= len(old) || old[kept] != matched[i] {
				reordered = true
			}
			kept++
			continue
		}
		ps.Added = append(ps.Added, PatchAdd{Parent: id, Snapshot: child})
		slots = append(slots, Slot{Add: len(ps.Added) - 1})
		reordered = true
	}

	used := make(map[models.InstanceID]bool, len(matched))
	for _, m := range matched {
		used[m] = true
	}
	for _, c := range old {
		if !used[c] {
			ps.Removed = append(ps.Removed, c)
			reordered = true
		}
	}

	if reordered {
		upd.Order = slots
		changed = true
	}
	if changed {
		ps.Updated = append(ps.Updated, upd)
	}
}

// matchChildren pairs new child snapshots with existing children: by
// source path first, then by name and class, then by identical shape
// (a rename). Unmatched entries are NoInstance.
func (t *Tree) matchChildren(old []models.InstanceID, children []*InstanceSnapshot) []models.InstanceID {
	matched := make([]models.InstanceID, len(children))
	used := make(map[models.InstanceID]bool, len(old))

	pass := func(match func(n *node, snap *InstanceSnapshot) bool) {
		for i, snap := range children {
			if matched[i] != models.NoInstance {
				continue
			}
			for _, c := range old {
				if used[c] {
					continue
				}
				if match(t.nodes[c], snap) {
					matched[i] = c
					used[c] = true
					break
				}
			}
		}
	}

	pass(func(n *node, snap *InstanceSnapshot) bool {
		return snap.Metadata.SourcePath != "" && n.meta.SourcePath == snap.Metadata.SourcePath
	})
	pass(func(n *node, snap *InstanceSnapshot) bool {
		return n.inst.Name == snap.Name && n.inst.ClassName == snap.ClassName
	})
	pass(func(n *node, snap *InstanceSnapshot) bool {
		return sameShape(n.inst, snap)
	})
	return matched
}

// ApplyPatch makes the tree match the patch and returns the changes in
// the order a client must apply them: removals (descendants before their
// parent), property updates, additions (parents before children), then
// child reorders. Add records carry no children; each names its parent and
// the index it was inserted at among the parent's current children. A
// reorder is only emitted when existing children changed places.
//
// A patch that references unknown instances is rejected before anything
// is changed.
func (t *Tree) ApplyPatch(ps PatchSet) ([]models.Change, error) {
	if err := t.checkPatch(ps); err != nil {
		return nil, err
	}

	var changes []models.Change

	for _, id := range ps.Removed {
		var removed []models.InstanceID
		t.remove(id, &removed)
		for _, r := range removed {
			changes = append(changes, models.Change{Kind: models.ChangeRemove, ID: r})
		}
	}

	for _, u := range ps.Updated {
		n, ok := t.nodes[u.ID]
		if !ok {
			continue
		}
		if u.Metadata != nil {
			t.unindex(u.ID, n.meta)
			n.meta = *u.Metadata
			t.index(u.ID, n.meta)
		}
		if u.ChangedName == nil && u.ChangedClassName == nil && len(u.ChangedProperties) == 0 {
			continue
		}
		if u.ChangedName != nil {
			n.inst.Name = *u.ChangedName
		}
		if u.ChangedClassName != nil {
			n.inst.ClassName = *u.ChangedClassName
		}
		for name, v := range u.ChangedProperties {
			if v == nil {
				delete(n.inst.Properties, name)
			} else {
				n.inst.Properties[name] = *v
			}
		}
		changes = append(changes, models.Change{
			Kind:              models.ChangeUpdateProperties,
			ID:                u.ID,
			ChangedName:       u.ChangedName,
			ChangedClassName:  u.ChangedClassName,
			ChangedProperties: u.ChangedProperties,
		})
	}

	slots := make(map[int]slotRef, len(ps.Added))
	for _, u := range ps.Updated {
		for pos, s := range u.Order {
			if s.ID == models.NoInstance {
				slots[s.Add] = slotRef{parent: u.ID, order: u.Order, pos: pos}
			}
		}
	}

	addRoots := make([]models.InstanceID, len(ps.Added))
	for i, a := range ps.Added {
		at := -1
		if ref, ok := slots[i]; ok && ref.parent == a.Parent {
			at = t.slotIndex(ref, addRoots)
		}
		var added []placed
		addRoots[i] = t.insert(a.Parent, at, a.Snapshot, &added)
		for _, p := range added {
			inst := copyInstance(t.nodes[p.id].inst)
			inst.Children = []models.InstanceID{}
			index := p.index
			changes = append(changes, models.Change{Kind: models.ChangeAdd, ID: p.id, Instance: &inst, Index: &index})
		}
	}

	for _, u := range ps.Updated {
		if u.Order == nil {
			continue
		}
		n, ok := t.nodes[u.ID]
		if !ok {
			continue
		}
		order := make([]models.InstanceID, 0, len(u.Order))
		for _, s := range u.Order {
			if s.ID != models.NoInstance {
				order = append(order, s.ID)
			} else {
				order = append(order, addRoots[s.Add])
			}
		}
		if !sameIDs(n.inst.Children, order) {
			n.inst.Children = order
			changes = append(changes, models.Change{
				Kind:     models.ChangeUpdateChildren,
				ID:       u.ID,
				Children: append([]models.InstanceID(nil), order...),
			})
		}
	}

	return changes, nil
}

// slotRef locates an addition in its parent's new child order
type slotRef struct {
	parent models.InstanceID
	order  []Slot
	pos    int
}

// slotIndex counts the entries before ref.pos in the new order that are
// already children of the parent. Inserting there keeps every addition in
// its final place as long as existing children keep their relative order.
func (t *Tree) slotIndex(ref slotRef, addRoots []models.InstanceID) int {
	present := make(map[models.InstanceID]bool)
	for _, c := range t.nodes[ref.parent].inst.Children {
		present[c] = true
	}
	at := 0
	for _, s := range ref.order[:ref.pos] {
		id := s.ID
		if id == models.NoInstance {
			id = addRoots[s.Add]
		}
		if present[id] {
			at++
		}
	}
	return at
}

func (t *Tree) checkPatch(ps PatchSet) error {
	removing := make(map[models.InstanceID]bool)
	for _, id := range ps.Removed {
		if id == t.rootID {
			return pperrors.NewInternalError("patch removes the root instance", nil)
		}
		if _, ok := t.nodes[id]; !ok {
			return pperrors.NewInternalError(fmt.Sprintf("patch removes unknown instance %s", id), nil)
		}
		removing[id] = true
	}
	for _, a := range ps.Added {
		if _, ok := t.nodes[a.Parent]; !ok || removing[a.Parent] {
			return pperrors.NewInternalError(fmt.Sprintf("patch adds under unknown parent %s", a.Parent), nil)
		}
	}
	for _, u := range ps.Updated {
		if _, ok := t.nodes[u.ID]; !ok {
			return pperrors.NewInternalError(fmt.Sprintf("patch updates unknown instance %s", u.ID), nil)
		}
		for _, s := range u.Order {
			if s.ID == models.NoInstance && (s.Add < 0 || s.Add >= len(ps.Added)) {
				return pperrors.NewInternalError(fmt.Sprintf("patch orders missing addition %d", s.Add), nil)
			}
		}
	}
	return nil
}

func metadataEqual(a, b Metadata) bool {
	return a.SourcePath == b.SourcePath && a.ProjectNode == b.ProjectNode && sameStrings(a.RelevantPaths, b.RelevantPaths)
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameIDs(a, b []models.InstanceID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
