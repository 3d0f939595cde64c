package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/variantsync/internal/config"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/injector"
)

func TestMain(m *testing.M) {
	_ = os.Unsetenv(config.EnvDatabaseURL)
	_ = os.Unsetenv(config.EnvLogLevel)
	os.Exit(m.Run())
}

func write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
}

// fixture lays out a workspace and a mirror and returns the config file.
func fixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ws, remote := filepath.Join(dir, "ws"), filepath.Join(dir, "remote")
	write(t, filepath.Join(ws, "p", "local.txt"), "mine")
	write(t, filepath.Join(remote, "p", "incoming.txt"), "theirs")

	name := filepath.Join(dir, "variantsync.yaml")
	write(t, name, fmt.Sprintf(`
workspace: %s
roots: [/p]
log_level: silent
remote:
  kind: mirror
  mirror:
    dir: %s
serve:
  feed_addr: 127.0.0.1:0
  metrics_addr: ""
  refresh_interval: 0s
  purge_interval: 0s
`, ws, remote))
	return name
}

func execute(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	cfg := fixture(t)

	t.Run("refresh", func(t *testing.T) {
		out, err := execute(ctx, "-c", cfg, "refresh")
		require.NoError(t, err)
		assert.Equal(t, "2 resources changed\n", out)
	})

	t.Run("status", func(t *testing.T) {
		out, err := execute(ctx, "-c", cfg, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "incoming-addition")
		assert.Contains(t, out, "/p/incoming.txt")
		assert.Contains(t, out, "outgoing-addition")
		assert.Contains(t, out, "/p/local.txt")
	})

	t.Run("accept", func(t *testing.T) {
		out, err := execute(ctx, "-c", cfg, "accept", "/p/incoming.txt")
		require.NoError(t, err)
		assert.Equal(t, "accepted /p/incoming.txt\n", out)
	})

	t.Run("ignore", func(t *testing.T) {
		out, err := execute(ctx, "-c", cfg, "ignore", "/p/local.txt")
		require.NoError(t, err)
		assert.Equal(t, "ignored /p/local.txt\n", out)
	})

	t.Run("bad depth", func(t *testing.T) {
		_, err := execute(ctx, "-c", cfg, "refresh", "--depth", "deep")
		require.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := execute(ctx, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "status")
		require.Error(t, err)
	})
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(ctx, "-c", cfg, "serve")
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestRefreshRoots(t *testing.T) {
	name := fixture(t)
	cfg, err := config.Load(name)
	require.NoError(t, err)
	write(t, filepath.Join(cfg.Workspace, "q", "local.txt"), "mine")
	write(t, filepath.Join(cfg.Remote.Mirror.Dir, "q", "other.txt"), "theirs")
	cfg.Roots = []string{"/p", "/q"}

	ctx := context.Background()
	app, cleanup, err := injector.InitializeApp(ctx, cfg)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, refreshRoots(ctx, app, 2))
	for _, p := range []string{"/p/incoming.txt", "/q/other.txt"} {
		r, err := app.Lookup(p)
		require.NoError(t, err)
		remote, err := app.Synchronizer.RemoteBytes(r)
		require.NoError(t, err)
		assert.NotNil(t, remote, p)
	}

	t.Run("canceled", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		err := refreshRoots(canceled, app, 2)
		require.Error(t, err)
		assert.True(t, variants.IsCanceled(err))
	})
}
