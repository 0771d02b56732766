package snapshot

import (
	"github.com/pulsepoint/pulsetree/internal/project"
	"github.com/pulsepoint/pulsetree/pkg/logger"
	"go.uber.org/zap"
)

// FromProject snapshots the manifest tree, overlaying each $path
func FromProject(fs FileSource, proj *project.Project) *InstanceSnapshot {
	snap := FromProjectNode(fs, proj.Tree)
	snap.Metadata.RelevantPaths = append(snap.Metadata.RelevantPaths, proj.FilePath)
	return snap
}

// FromProjectNode snapshots one manifest node and its declared children.
// A $path that does not exist yet leaves a plain instance of the node's
// class; the path stays relevant so the instance fills in when it appears.
func FromProjectNode(fs FileSource, node *project.Node) *InstanceSnapshot {
	var snap *InstanceSnapshot
	if node.Path != "" {
		snap = FromPath(fs, node.Path)
		if snap == nil {
			logger.WithComponent("snapshot").Warn("Project path has no instance",
				zap.String("node", node.Name),
				zap.String("path", node.Path),
			)
		}
	}

	if snap == nil {
		className := node.ClassName
		if className == "" {
			className = "Folder"
		}
		snap = &InstanceSnapshot{ClassName: className}
		if node.Path != "" {
			snap.Metadata = Metadata{SourcePath: node.Path, RelevantPaths: []string{node.Path}}
		}
	}

	snap.Name = node.Name
	if node.ClassName != "" {
		snap.ClassName = node.ClassName
	}

	props := snap.Properties.Clone()
	for name, v := range node.Properties {
		props[name] = v
	}
	snap.Properties = props
	snap.Metadata.ProjectNode = node

	for _, child := range node.Children {
		snap.Children = append(snap.Children, FromProjectNode(fs, child))
	}
	return snap
}
