package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstanceID(t *testing.T) {
	id, err := ParseInstanceID("42")
	require.NoError(t, err)
	assert.Equal(t, InstanceID(42), id)
	assert.Equal(t, "42", id.String())

	for _, bad := range []string{"", "0", "-1", "abc"} {
		_, err := ParseInstanceID(bad)
		assert.Error(t, err, bad)
	}
}

func TestVariantEqual(t *testing.T) {
	assert.True(t, StringValue("x").Equal(StringValue("x")))
	assert.False(t, StringValue("x").Equal(StringValue("y")))
	assert.False(t, StringValue("true").Equal(BoolValue(true)))
	assert.True(t, Float64Value(1.5).Equal(Float64Value(1.5)))
	assert.True(t, Variant{Type: VariantBinary, Value: []byte("ab")}.Equal(Variant{Type: VariantBinary, Value: []byte("ab")}))
}

func TestPropertiesKeysSorted(t *testing.T) {
	p := Properties{"b": StringValue("1"), "a": StringValue("2")}
	assert.Equal(t, []string{"a", "b"}, p.Keys())

	clone := p.Clone()
	clone["c"] = BoolValue(true)
	assert.Len(t, p, 2)
}

func TestChangePredicates(t *testing.T) {
	assert.True(t, Change{Kind: ChangeAdd}.IsAdd())
	assert.True(t, Change{Kind: ChangeRemove}.IsRemove())
	assert.True(t, Change{Kind: ChangeUpdateChildren}.IsUpdate())
	assert.Equal(t, "add(3)", Change{Kind: ChangeAdd, ID: 3}.String())
}
