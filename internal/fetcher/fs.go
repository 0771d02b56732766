// Package fetcher holds the file system access shared by the local and
// in-memory Fetcher implementations. Both read through an afero.Fs so the
// stat/read/list semantics are identical and only change notification
// differs between them.
package fetcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/spf13/afero"
)

// Reader implements the read half of interfaces.Fetcher over an afero.Fs
type Reader struct {
	FS afero.Fs
}

// Stat returns the file type of path
func (r Reader) Stat(path string) (interfaces.FileType, error) {
	info, err := r.FS.Stat(path)
	if err != nil {
		return "", wrapNotFound(path, err)
	}
	if info.IsDir() {
		return interfaces.FileTypeDirectory, nil
	}
	return interfaces.FileTypeFile, nil
}

// Read returns the contents of the file at path
func (r Reader) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(r.FS, path)
	if err != nil {
		return nil, wrapNotFound(path, err)
	}
	return data, nil
}

// List returns the sorted child paths of the directory at path
func (r Reader) List(path string) ([]string, error) {
	infos, err := afero.ReadDir(r.FS, path)
	if err != nil {
		return nil, wrapNotFound(path, err)
	}

	children := make([]string, 0, len(infos))
	for _, info := range infos {
		children = append(children, filepath.Join(path, info.Name()))
	}
	sort.Strings(children)
	return children, nil
}

func wrapNotFound(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, pperrors.ErrNotFound)
	}
	return pperrors.NewFileSystemError(fmt.Sprintf("failed to access %s", path), err)
}
