package fetcher

import (
	"errors"
	"testing"

	"github.com/pulsepoint/pulsetree/internal/core/interfaces"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderOverMemMapFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/proj/src", 0755))
	require.NoError(t, afero.WriteFile(fs, "/proj/src/b.lua", []byte("return 2"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/proj/src/a.lua", []byte("return 1"), 0644))

	r := Reader{FS: fs}

	kind, err := r.Stat("/proj/src")
	require.NoError(t, err)
	assert.Equal(t, interfaces.FileTypeDirectory, kind)

	kind, err = r.Stat("/proj/src/a.lua")
	require.NoError(t, err)
	assert.Equal(t, interfaces.FileTypeFile, kind)

	children, err := r.List("/proj/src")
	require.NoError(t, err)
	assert.Equal(t, []string{"/proj/src/a.lua", "/proj/src/b.lua"}, children)

	data, err := r.Read("/proj/src/a.lua")
	require.NoError(t, err)
	assert.Equal(t, "return 1", string(data))
}

func TestReaderNotFound(t *testing.T) {
	r := Reader{FS: afero.NewMemMapFs()}

	_, err := r.Stat("/missing")
	assert.True(t, errors.Is(err, pperrors.ErrNotFound))

	_, err = r.Read("/missing")
	assert.True(t, errors.Is(err, pperrors.ErrNotFound))

	_, err = r.List("/missing")
	assert.True(t, errors.Is(err, pperrors.ErrNotFound))
}
