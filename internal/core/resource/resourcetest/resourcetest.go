// Package resourcetest builds in-memory workspaces for tests.
package resourcetest

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/variantsync/internal/core/resource"
)

// Workspace creates a MemMapFs backed workspace. Keys ending in "/" are
// created as directories, everything else as files with the given content.
func Workspace(t testing.TB, entries map[string]string) *resource.FsWorkspace {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for p, content := range entries {
		Write(t, fsys, p, content)
	}
	return resource.NewWorkspace(fsys, "/")
}

// Write creates a file or directory (trailing slash) on fsys.
func Write(t testing.TB, fsys afero.Fs, p, content string) {
	t.Helper()
	if strings.HasSuffix(p, "/") {
		require.NoError(t, fsys.MkdirAll(filepath.Clean(p), 0o755))
		return
	}
	require.NoError(t, fsys.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, afero.WriteFile(fsys, p, []byte(content), 0o644))
}

// Touch sets the modification time of p, which changes its stamp.
func Touch(t testing.TB, ws *resource.FsWorkspace, p string, at time.Time) {
	t.Helper()
	require.NoError(t, ws.Fs().Chtimes(p, at, at))
}

// File returns a file handle.
func File(ws resource.Workspace, p string) resource.Resource {
	return ws.Handle(p, resource.File)
}

// Folder returns a container handle.
func Folder(ws resource.Workspace, p string) resource.Resource {
	return ws.Handle(p, resource.Folder)
}
