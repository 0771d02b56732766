package models

import (
	"fmt"
)

// ChangeKind defines the type of instance-level mutation
type ChangeKind string

const (
	// ChangeAdd indicates a new instance was created
	ChangeAdd ChangeKind = "add"

	// ChangeRemove indicates an instance was removed and its id retired
	ChangeRemove ChangeKind = "remove"

	// ChangeUpdateProperties indicates name, class or properties changed in place
	ChangeUpdateProperties ChangeKind = "update_properties"

	// ChangeUpdateChildren indicates an instance's child order changed
	ChangeUpdateChildren ChangeKind = "update_children"
)

// String returns the string representation of the change kind
func (k ChangeKind) String() string {
	return string(k)
}

// Change describes one instance-level mutation before it is logged.
type Change struct {
	Kind ChangeKind `json:"kind"`
	ID   InstanceID `json:"id"`

	// Instance is the full instance for adds
	Instance *Instance `json:"instance,omitempty"`

	// Index is where an add was inserted among its parent's children
	Index *int `json:"index,omitempty"`

	// Update fields; nil means unchanged. A property mapped to a nil
	// Variant pointer was removed.
	ChangedName       *string             `json:"changedName,omitempty"`
	ChangedClassName  *string             `json:"changedClassName,omitempty"`
	ChangedProperties map[string]*Variant `json:"changedProperties,omitempty"`
	Children          []InstanceID        `json:"children,omitempty"`
}

// ChangeRecord is an immutable change log entry tagged with its cursor
type ChangeRecord struct {
	Cursor uint64 `json:"cursor"`
	Change
}

// String returns a compact human readable description
func (c Change) String() string {
	return fmt.Sprintf("%s(%s)", c.Kind, c.ID)
}

// IsAdd checks if the change adds an instance
func (c Change) IsAdd() bool {
	return c.Kind == ChangeAdd
}

// IsRemove checks if the change removes an instance
func (c Change) IsRemove() bool {
	return c.Kind == ChangeRemove
}

// IsUpdate checks if the change mutates an existing instance
func (c Change) IsUpdate() bool {
	return c.Kind == ChangeUpdateProperties || c.Kind == ChangeUpdateChildren
}
