package snapshot

import (
	"path/filepath"
	"strings"

	"github.com/pulsepoint/pulsetree/internal/imfs"
	"github.com/pulsepoint/pulsetree/pkg/models"
)

// scriptKind pairs a file suffix with the class it produces
type scriptKind struct {
	suffix    string
	className string
}

// Longest suffix first so ".server.lua" is not taken for ".lua"
var scriptKinds = []scriptKind{
	{".server.lua", "Script"},
	{".client.lua", "LocalScript"},
	{".lua", "ModuleScript"},
}

// initFiles turn their directory into a script, in priority order
var initFiles = []string{"init.lua", "init.server.lua", "init.client.lua"}

// FromPath snapshots the file or directory at path. It returns nil when
// the path is absent or has no instance representation.
func FromPath(fs FileSource, path string) *InstanceSnapshot {
	entry, ok := fs.Get(path)
	if !ok {
		return nil
	}
	if entry.IsDir() {
		return fromDirectory(fs, entry)
	}
	return fromFile(fs, entry)
}

func fromDirectory(fs FileSource, entry imfs.Entry) *InstanceSnapshot {
	snap := &InstanceSnapshot{
		Name:       imfs.Name(entry.Path),
		ClassName:  "Folder",
		Properties: models.Properties{},
		Metadata: Metadata{
			SourcePath:    entry.Path,
			RelevantPaths: []string{entry.Path},
		},
	}

	var initPath string
	for _, name := range initFiles {
		candidate := filepath.Join(entry.Path, name)
		snap.Metadata.RelevantPaths = append(snap.Metadata.RelevantPaths, candidate)
		if initPath != "" {
			continue
		}
		if e, ok := fs.Get(candidate); ok && !e.IsDir() {
			initPath = candidate
		}
	}

	if initPath != "" {
		if script := fromFile(fs, imfs.Entry{Path: initPath}); script != nil {
			snap.ClassName = script.ClassName
			snap.Properties = script.Properties
		}
	}

	for _, child := range entry.Children {
		if child == initPath {
			continue
		}
		if c := FromPath(fs, child); c != nil {
			snap.Children = append(snap.Children, c)
		}
	}
	sortChildren(snap.Children)
	return snap
}

func fromFile(fs FileSource, entry imfs.Entry) *InstanceSnapshot {
	base := imfs.Name(entry.Path)
	contents, ok := fs.Contents(entry.Path)
	if !ok {
		return nil
	}

	meta := Metadata{
		SourcePath:    entry.Path,
		RelevantPaths: []string{entry.Path},
	}

	for _, kind := range scriptKinds {
		if strings.HasSuffix(base, kind.suffix) && len(base) > len(kind.suffix) {
			return &InstanceSnapshot{
				Name:       strings.TrimSuffix(base, kind.suffix),
				ClassName:  kind.className,
				Properties: models.Properties{"Source": models.StringValue(string(contents))},
				Metadata:   meta,
			}
		}
	}

	switch ext := filepath.Ext(base); ext {
	case ".txt":
		return &InstanceSnapshot{
			Name:       strings.TrimSuffix(base, ext),
			ClassName:  "StringValue",
			Properties: models.Properties{"Value": models.StringValue(string(contents))},
			Metadata:   meta,
		}
	case ".csv":
		return &InstanceSnapshot{
			Name:       strings.TrimSuffix(base, ext),
			ClassName:  "LocalizationTable",
			Properties: models.Properties{"Contents": models.StringValue(string(contents))},
			Metadata:   meta,
		}
	}
	return nil
}
