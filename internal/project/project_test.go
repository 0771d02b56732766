package project

import (
	"testing"

	"github.com/pulsepoint/pulsetree/internal/fetcher/memory"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsoncManifest = `{
  // comments are fine
  "name": "demo",
  "servePort": 34900,
  "servePlaceIds": [1818, 42],
  "tree": {
    "$className": "DataModel",
    "Zeta": { "$path": "src/zeta" },
    "Alpha": {
      "$className": "Folder",
      "$ignoreUnknownInstances": true,
      "$properties": {
        "Label": "hello",
        "Enabled": true,
        "Weight": 2.5,
        "Count": { "Type": "Int64", "Value": 7 },
      },
    },
  },
}`

func TestParseJSONC(t *testing.T) {
	p, err := Parse([]byte(jsoncManifest), "/proj/default.project.json")
	require.NoError(t, err)

	assert.Equal(t, "demo", p.Name)
	assert.Equal(t, 34900, p.ServePort)
	assert.Equal(t, []uint64{1818, 42}, p.ServePlaceIDs)
	assert.Equal(t, "/proj", p.Dir())

	require.NotNil(t, p.Tree)
	assert.Equal(t, "demo", p.Tree.Name)
	assert.Equal(t, "DataModel", p.Tree.ClassName)

	// Children keep manifest order
	require.Len(t, p.Tree.Children, 2)
	assert.Equal(t, "Zeta", p.Tree.Children[0].Name)
	assert.Equal(t, "/proj/src/zeta", p.Tree.Children[0].Path)

	alpha := p.Tree.Children[1]
	require.NotNil(t, alpha.IgnoreUnknownInstances)
	assert.True(t, *alpha.IgnoreUnknownInstances)
	assert.Equal(t, models.StringValue("hello"), alpha.Properties["Label"])
	assert.Equal(t, models.BoolValue(true), alpha.Properties["Enabled"])
	assert.Equal(t, models.Float64Value(2.5), alpha.Properties["Weight"])
	assert.Equal(t, models.Variant{Type: models.VariantInt64, Value: int64(7)}, alpha.Properties["Count"])

	assert.Equal(t, []string{"/proj/src/zeta"}, p.Paths())
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
name: yamlproj
tree:
  $className: Folder
  Server:
    $path: server
`)
	p, err := Parse(data, "/work/default.project.yaml")
	require.NoError(t, err)
	assert.Equal(t, "yamlproj", p.Name)
	assert.Equal(t, "/work/server", p.Tree.Children[0].Path)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", `{"name": `},
		{"empty", ``},
		{"not an object", `[1, 2]`},
		{"missing name", `{"tree": {"$className": "Folder"}}`},
		{"missing tree", `{"name": "x"}`},
		{"unknown top level field", `{"name": "x", "bogus": 1, "tree": {"$className": "Folder"}}`},
		{"unknown dollar field", `{"name": "x", "tree": {"$className": "Folder", "$nope": 1}}`},
		{"node without class or path", `{"name": "x", "tree": {"$className": "Folder", "Child": {}}}`},
		{"bad property type", `{"name": "x", "tree": {"$className": "Folder", "$properties": {"A": {"Type": "Vector9", "Value": 1}}}}`},
		{"port out of range", `{"name": "x", "servePort": 70000, "tree": {"$className": "Folder"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), "/proj/default.project.json")
			require.Error(t, err)
			assert.True(t, pperrors.IsProjectError(err) || pperrors.IsValidationError(err))
		})
	}
}

func TestLoadFromDirectory(t *testing.T) {
	f := memory.New()
	require.NoError(t, f.WriteFile("/proj/default.project.json", DefaultManifest("starter")))

	p, err := Load(f, "/proj")
	require.NoError(t, err)
	assert.Equal(t, "starter", p.Name)
	assert.Equal(t, "/proj/default.project.json", p.FilePath)
	assert.Equal(t, []string{"/proj/src/shared", "/proj/src/server", "/proj/src/client"}, p.Paths())

	_, err = Load(f, "/missing")
	assert.True(t, pperrors.IsProjectError(err))

	require.NoError(t, f.MkdirAll("/empty"))
	_, err = Load(f, "/empty")
	assert.True(t, pperrors.IsProjectError(err))
}

func TestLoadYAMLFallback(t *testing.T) {
	f := memory.New()
	require.NoError(t, f.WriteFile("/proj/default.project.yaml", []byte("name: y\ntree:\n  $className: Folder\n")))

	file, err := Locate(f, "/proj")
	require.NoError(t, err)
	assert.Equal(t, "/proj/default.project.yaml", file)
}

func TestIsManifest(t *testing.T) {
	assert.True(t, IsManifest("/p/default.project.json"))
	assert.True(t, IsManifest("game.project.yaml"))
	assert.False(t, IsManifest("/p/src/init.lua"))
	assert.False(t, IsManifest("/p/project.json"))
}
