package injector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/variantsync/internal/config"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants/subscriber"
)

func write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
}

func TestInitializeApp(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.LogLevel = "silent"
	cfg.Workspace = filepath.Join(dir, "ws")
	cfg.Remote.Mirror.Dir = filepath.Join(dir, "remote")
	cfg.Roots = []string{"/p"}
	cfg.Ignore = []string{"*.tmp"}
	require.NoError(t, cfg.Validate())

	write(t, filepath.Join(cfg.Workspace, "p", "a.txt"), "alpha")
	write(t, filepath.Join(cfg.Workspace, "p", "scratch.tmp"), "x")
	write(t, filepath.Join(cfg.Remote.Mirror.Dir, "p", "a.txt"), "alpha")
	write(t, filepath.Join(cfg.Remote.Mirror.Dir, "p", "b", "c.txt"), "gamma")

	app, cleanup, err := InitializeApp(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	require.Len(t, app.Roots(), 1)
	require.NoError(t, app.Subscriber.Refresh(context.Background(), app.Roots(), resource.DepthInfinite))

	t.Run("lookup types remote only paths", func(t *testing.T) {
		b, err := app.Lookup("/p/b")
		require.NoError(t, err)
		assert.True(t, b.Type().IsContainer())
		assert.False(t, b.Exists())

		c, err := app.Lookup("/p/b/c.txt")
		require.NoError(t, err)
		assert.Equal(t, resource.File, c.Type())
	})

	t.Run("sync info", func(t *testing.T) {
		c, err := app.Lookup("/p/b/c.txt")
		require.NoError(t, err)
		info, err := app.Subscriber.SyncInfo(c)
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, subscriber.Incoming|subscriber.Addition, info.Kind)

		tmp, err := app.Lookup("/p/scratch.tmp")
		require.NoError(t, err)
		info, err = app.Subscriber.SyncInfo(tmp)
		require.NoError(t, err)
		assert.Nil(t, info, "configured ignore patterns apply")
	})

	t.Run("unknown remote kind", func(t *testing.T) {
		bad := *cfg
		bad.Remote.Kind = "ftp"
		_, _, err := InitializeApp(context.Background(), &bad)
		require.Error(t, err)
	})
}
