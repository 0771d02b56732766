package models

import (
	"fmt"
	"sort"
	"strconv"
)

// InstanceID identifies an instance for the lifetime of a serve session.
// IDs are allocated monotonically and never reused.
type InstanceID uint64

// NoInstance is the zero id; it is never allocated and marks "no parent".
const NoInstance InstanceID = 0

// String returns the decimal form used in URLs and logs
func (id InstanceID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseInstanceID parses the decimal form of an InstanceID
func ParseInstanceID(s string) (InstanceID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return NoInstance, fmt.Errorf("invalid instance id %q: %w", s, err)
	}
	if v == 0 {
		return NoInstance, fmt.Errorf("invalid instance id %q", s)
	}
	return InstanceID(v), nil
}

// VariantType names the type carried by a Variant
type VariantType string

const (
	// VariantString is a UTF-8 string value
	VariantString VariantType = "String"
	// VariantBool is a boolean value
	VariantBool VariantType = "Bool"
	// VariantFloat64 is a double precision number
	VariantFloat64 VariantType = "Float64"
	// VariantInt64 is a signed integer
	VariantInt64 VariantType = "Int64"
	// VariantBinary is an opaque byte string
	VariantBinary VariantType = "BinaryString"
)

// Variant is a typed property value
type Variant struct {
	Type  VariantType `json:"Type" yaml:"Type"`
	Value interface{} `json:"Value" yaml:"Value"`
}

// StringValue creates a String variant
func StringValue(s string) Variant {
	return Variant{Type: VariantString, Value: s}
}

// BoolValue creates a Bool variant
func BoolValue(b bool) Variant {
	return Variant{Type: VariantBool, Value: b}
}

// Float64Value creates a Float64 variant
func Float64Value(f float64) Variant {
	return Variant{Type: VariantFloat64, Value: f}
}

// Equal reports whether two variants carry the same type and value
func (v Variant) Equal(other Variant) bool {
	if v.Type != other.Type {
		return false
	}
	switch a := v.Value.(type) {
	case []byte:
		b, ok := other.Value.([]byte)
		return ok && string(a) == string(b)
	default:
		return fmt.Sprint(v.Value) == fmt.Sprint(other.Value)
	}
}

// Properties is a property name to value map
type Properties map[string]Variant

// Clone returns a shallow copy of the property map
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the property names in sorted order
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Instance is the wire form of one node of the synced tree
type Instance struct {
	ID         InstanceID   `json:"Id"`
	Parent     InstanceID   `json:"Parent,omitempty"`
	Name       string       `json:"Name"`
	ClassName  string       `json:"ClassName"`
	Properties Properties   `json:"Properties"`
	Children   []InstanceID `json:"Children"`
}
