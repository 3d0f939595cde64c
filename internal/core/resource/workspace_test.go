package resource_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/resource/resourcetest"
)

func TestFsWorkspace_Handles(t *testing.T) {
	ws := resourcetest.Workspace(t, map[string]string{
		"/proj/a.txt":     "a",
		"/proj/sub/b.txt": "b",
	})

	t.Run("types follow tree position", func(t *testing.T) {
		require.Equal(t, resource.Root, ws.Root().Type())
		require.Equal(t, resource.Project, ws.Handle("/proj", resource.Folder).Type())
		require.Equal(t, resource.Folder, ws.Handle("/proj/sub", resource.Folder).Type())
		require.Equal(t, resource.File, ws.Handle("/proj/a.txt", resource.File).Type())
	})

	t.Run("existence respects type", func(t *testing.T) {
		require.True(t, ws.Handle("/proj/a.txt", resource.File).Exists())
		require.False(t, ws.Handle("/proj/a.txt", resource.Folder).Exists())
		require.False(t, ws.Handle("/proj/missing", resource.File).Exists())
		require.Equal(t, resource.NullStamp, ws.Handle("/proj/missing", resource.File).ModificationStamp())
	})

	t.Run("members", func(t *testing.T) {
		members, err := ws.Handle("/proj", resource.Folder).Members()
		require.NoError(t, err)
		require.Equal(t, []string{"/proj/a.txt", "/proj/sub"}, resource.Paths(members))
		require.Equal(t, resource.Folder, members[1].Type())

		_, err = ws.Handle("/nope", resource.Folder).Members()
		require.ErrorIs(t, err, resource.ErrNotFound)

		files, err := ws.Handle("/proj/a.txt", resource.File).Members()
		require.NoError(t, err)
		require.Empty(t, files)
	})

	t.Run("child and parent", func(t *testing.T) {
		file := ws.Handle("/proj/a.txt", resource.File)
		_, err := file.Child("x", resource.File)
		require.ErrorIs(t, err, resource.ErrNotContainer)

		child, err := ws.Handle("/proj", resource.Folder).Child("c", resource.Folder)
		require.NoError(t, err)
		require.Equal(t, "/proj/c", child.Path())
		require.Equal(t, "/proj", child.Parent().Path())
		require.Nil(t, ws.Root().Parent())
	})

	t.Run("stamp follows mtime", func(t *testing.T) {
		file := ws.Handle("/proj/a.txt", resource.File)
		at := time.Unix(1700000000, 0)
		resourcetest.Touch(t, ws, "/proj/a.txt", at)
		require.Equal(t, at.UnixNano(), file.ModificationStamp())
	})
}

func TestFsWorkspace_TreeLock(t *testing.T) {
	ws := resourcetest.Workspace(t, nil)
	ctx := context.Background()
	require.False(t, ws.IsTreeLocked(ctx))

	var escaped context.Context
	err := ws.RunLocked(ctx, func(inner context.Context) error {
		require.True(t, ws.IsTreeLocked(inner))
		require.False(t, ws.IsTreeLocked(ctx), "only the holder's context is locked")

		other := resourcetest.Workspace(t, nil)
		require.False(t, other.IsTreeLocked(inner), "regions are per workspace")

		escaped = inner
		return ws.RunLocked(inner, func(nested context.Context) error {
			require.True(t, ws.IsTreeLocked(nested))
			return nil
		})
	})
	require.NoError(t, err)
	require.False(t, ws.IsTreeLocked(ctx))
	require.False(t, ws.IsTreeLocked(escaped), "the region ended")

	t.Run("other goroutines wait", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = ws.RunLocked(ctx, func(context.Context) error {
				close(entered)
				<-release
				return nil
			})
		}()
		<-entered
		require.False(t, ws.IsTreeLocked(ctx))

		acquired := make(chan struct{})
		go func() {
			_ = ws.RunLocked(ctx, func(context.Context) error {
				close(acquired)
				return nil
			})
		}()
		select {
		case <-acquired:
			t.Fatal("second region entered while the first was held")
		case <-time.After(50 * time.Millisecond):
		}
		close(release)
		<-acquired
	})
}

func TestPathHelpers(t *testing.T) {
	require.True(t, resource.IsPrefixOf("/", "/p"))
	require.True(t, resource.IsPrefixOf("/p", "/p/a"))
	require.True(t, resource.IsPrefixOf("/p", "/p"))
	require.False(t, resource.IsPrefixOf("/p", "/pa"))
	require.Equal(t, "/x", resource.ChildPath("/", "x"))
	require.Equal(t, "/p/x", resource.ChildPath("/p", "x"))

	d, err := resource.ParseDepth("infinite")
	require.NoError(t, err)
	require.Equal(t, resource.DepthInfinite, d)
	require.Equal(t, resource.DepthZero, resource.DepthOne.Child())
}
