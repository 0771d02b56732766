// Package project loads project manifests: the file that names the project
// and lays out the logical tree that the instance builder mirrors.
package project

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFileName is looked up when a directory is given
	DefaultFileName = "default.project.json"
	// DefaultYAMLFileName is the YAML fallback
	DefaultYAMLFileName = "default.project.yaml"
)

// Source is the read access a manifest needs. Every interfaces.Fetcher
// satisfies it.
type Source interface {
	Stat(path string) (interfaces.FileType, error)
	Read(path string) ([]byte, error)
}

// Project is a parsed manifest
type Project struct {
	Name          string   `json:"name"`
	Tree          *Node    `json:"tree"`
	ServePort     int      `json:"servePort,omitempty"`
	ServePlaceIDs []uint64 `json:"servePlaceIds,omitempty"`

	// FilePath is the absolute manifest location
	FilePath string `json:"-"`
}

// Dir returns the directory $path values are resolved against
func (p *Project) Dir() string {
	return filepath.Dir(p.FilePath)
}

// Paths returns every resolved $path in tree order
func (p *Project) Paths() []string {
	var paths []string
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Path != "" {
			paths = append(paths, n.Path)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	if p.Tree != nil {
		walk(p.Tree)
	}
	return paths
}

// Node is one manifest tree node
type Node struct {
	Name                   string            `json:"name"`
	ClassName              string            `json:"$className,omitempty"`
	Path                   string            `json:"$path,omitempty"`
	Properties             models.Properties `json:"$properties,omitempty"`
	IgnoreUnknownInstances *bool             `json:"$ignoreUnknownInstances,omitempty"`
	Children               []*Node           `json:"children,omitempty"`
}

// Locate resolves path to a manifest file. A directory resolves to its
// default manifest.
func Locate(src Source, path string) (string, error) {
	path = filepath.Clean(path)

	kind, err := src.Stat(path)
	if err != nil {
		return "", pperrors.NewProjectError(fmt.Sprintf("project path %s does not exist", path), err)
	}
	if kind == interfaces.FileTypeFile {
		return path, nil
	}

	for _, name := range []string{DefaultFileName, DefaultYAMLFileName} {
		candidate := filepath.Join(path, name)
		if k, err := src.Stat(candidate); err == nil && k == interfaces.FileTypeFile {
			return candidate, nil
		}
	}
	return "", pperrors.NewProjectError(fmt.Sprintf("no %s found in %s", DefaultFileName, path), nil)
}

// IsManifest reports whether a file name looks like a project manifest
func IsManifest(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".project.json") ||
		strings.HasSuffix(base, ".project.yaml") ||
		strings.HasSuffix(base, ".project.yml")
}

// Load locates, reads and parses a manifest
func Load(src Source, path string) (*Project, error) {
	file, err := Locate(src, path)
	if err != nil {
		return nil, err
	}

	data, err := src.Read(file)
	if err != nil {
		return nil, pperrors.NewProjectError(fmt.Sprintf("failed to read %s", file), err)
	}

	return Parse(data, file)
}

// Parse decodes manifest bytes. filePath determines the format and the
// directory $path values are resolved against.
func Parse(data []byte, filePath string) (*Project, error) {
	if !strings.HasSuffix(filePath, ".yaml") && !strings.HasSuffix(filePath, ".yml") {
		// Comments and trailing commas are accepted in JSON manifests
		data = jsonc.ToJSON(data)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, pperrors.NewProjectError(fmt.Sprintf("malformed project file %s", filePath), err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, pperrors.NewProjectError(fmt.Sprintf("project file %s is empty", filePath), nil)
	}

	abs, err := filepath.Abs(filePath)
	if err != nil {
		abs = filePath
	}
	p := &Project{FilePath: abs}
	if err := p.decode(doc.Content[0]); err != nil {
		return nil, pperrors.NewProjectError(fmt.Sprintf("invalid project file %s", filePath), err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the structural rules a manifest must follow
func (p *Project) Validate() error {
	if p.Name == "" {
		return pperrors.NewValidationError("project name is required", nil)
	}
	if p.Tree == nil {
		return pperrors.NewValidationError("project tree is required", nil)
	}
	if p.ServePort < 0 || p.ServePort > 65535 {
		return pperrors.NewValidationError(fmt.Sprintf("servePort %d out of range", p.ServePort), nil)
	}

	var check func(n *Node, where string) error
	check = func(n *Node, where string) error {
		if n.ClassName == "" && n.Path == "" {
			return pperrors.NewValidationError(
				fmt.Sprintf("node %s needs $className or $path", where), nil)
		}
		seen := make(map[string]bool, len(n.Children))
		for _, c := range n.Children {
			if seen[c.Name] {
				return pperrors.NewValidationError(
					fmt.Sprintf("node %s has duplicate child %q", where, c.Name), nil)
			}
			seen[c.Name] = true
			if err := check(c, where+"."+c.Name); err != nil {
				return err
			}
		}
		return nil
	}
	return check(p.Tree, p.Name)
}

func (p *Project) decode(root *yaml.Node) error {
	if root.Kind != yaml.MappingNode {
		return errors.New("top level must be an object")
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i].Value, root.Content[i+1]
		switch key {
		case "name":
			if err := value.Decode(&p.Name); err != nil {
				return fmt.Errorf("name: %w", err)
			}
		case "servePort":
			if err := value.Decode(&p.ServePort); err != nil {
				return fmt.Errorf("servePort: %w", err)
			}
		case "servePlaceIds":
			if err := value.Decode(&p.ServePlaceIDs); err != nil {
				return fmt.Errorf("servePlaceIds: %w", err)
			}
		case "tree":
			tree, err := p.decodeNode(key, value)
			if err != nil {
				return err
			}
			p.Tree = tree
		default:
			return fmt.Errorf("unknown field %q", key)
		}
	}

	if p.Tree != nil {
		p.Tree.Name = p.Name
	}
	return nil
}

func (p *Project) decodeNode(name string, value *yaml.Node) (*Node, error) {
	if value.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("node %q must be an object", name)
	}

	n := &Node{Name: name}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, v := value.Content[i].Value, value.Content[i+1]
		switch key {
		case "$className":
			if err := v.Decode(&n.ClassName); err != nil {
				return nil, fmt.Errorf("%s.$className: %w", name, err)
			}
		case "$path":
			var rel string
			if err := v.Decode(&rel); err != nil {
				return nil, fmt.Errorf("%s.$path: %w", name, err)
			}
			n.Path = p.resolve(rel)
		case "$properties":
			props, err := decodeProperties(v)
			if err != nil {
				return nil, fmt.Errorf("%s.$properties: %w", name, err)
			}
			n.Properties = props
		case "$ignoreUnknownInstances":
			var b bool
			if err := v.Decode(&b); err != nil {
				return nil, fmt.Errorf("%s.$ignoreUnknownInstances: %w", name, err)
			}
			n.IgnoreUnknownInstances = &b
		default:
			if strings.HasPrefix(key, "$") {
				return nil, fmt.Errorf("%s: unknown field %q", name, key)
			}
			child, err := p.decodeNode(key, v)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		}
	}
	return n, nil
}

func (p *Project) resolve(rel string) string {
	rel = filepath.FromSlash(rel)
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(p.Dir(), rel)
}
