package tree

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/resource/resourcetest"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/varianttest"
)

type visit struct {
	local  string
	remote string
}

// recordingCaps serves members from a fixed map and records SetVariant calls.
type recordingCaps struct {
	*varianttest.Remote
	members map[string][]resource.Resource
	changed map[string]bool
	visits  []visit
}

func (c *recordingCaps) SetVariant(_ context.Context, local resource.Resource, remote variants.ResourceVariant) (bool, error) {
	v := visit{local: local.Path()}
	if remote != nil {
		v.remote = remote.(*varianttest.Variant).Path()
	}
	c.visits = append(c.visits, v)
	return c.changed[local.Path()], nil
}

func (c *recordingCaps) Members(local resource.Resource) ([]resource.Resource, error) {
	return c.members[local.Path()], nil
}

func TestCollectChangesCompleteness(t *testing.T) {
	ws := resourcetest.Workspace(t, map[string]string{"/p/A": "a", "/p/B": "b"})
	p := resourcetest.Folder(ws, "/p")
	remote := varianttest.NewRemote().
		Folder("/p", "1").
		File("/p/B", "b2").
		Folder("/p/C", "c1")

	caps := &recordingCaps{
		Remote: remote,
		members: map[string][]resource.Resource{
			"/p": {resourcetest.File(ws, "/p/A"), resourcetest.File(ws, "/p/B")},
		},
		changed: map[string]bool{"/p/A": true, "/p/C": true},
	}
	e := NewEngine(caps, log.Nop())

	changed, err := e.CollectChanges(context.Background(), p, remote.Lookup("/p"), resource.DepthInfinite)
	require.NoError(t, err)

	assert.Equal(t, []visit{
		{local: "/p", remote: "/p"},
		{local: "/p/A"},
		{local: "/p/B", remote: "/p/B"},
		{local: "/p/C", remote: "/p/C"},
	}, caps.visits)
	assert.Equal(t, []string{"/p/A", "/p/C"}, resource.Paths(changed))
}

func TestCollectChangesSynthesizesTypedHandles(t *testing.T) {
	ws := resourcetest.Workspace(t, nil)
	p := resourcetest.Folder(ws, "/p")
	remote := varianttest.NewRemote().Folder("/p", "1").Folder("/p/dir", "1").File("/p/dir/f", "1")

	var seen []resource.Resource
	caps := &recordingCaps{Remote: remote, members: map[string][]resource.Resource{}}
	capture := &captureCaps{recordingCaps: caps, seen: &seen}
	_, err := NewEngine(capture, log.Nop()).CollectChanges(context.Background(), p, remote.Lookup("/p"), resource.DepthInfinite)
	require.NoError(t, err)

	require.Len(t, seen, 3)
	assert.True(t, seen[1].Type().IsContainer(), seen[1].Path())
	assert.Equal(t, resource.File, seen[2].Type())
}

type captureCaps struct {
	*recordingCaps
	seen *[]resource.Resource
}

func (c *captureCaps) SetVariant(ctx context.Context, local resource.Resource, remote variants.ResourceVariant) (bool, error) {
	*c.seen = append(*c.seen, local)
	return c.recordingCaps.SetVariant(ctx, local, remote)
}

func TestCollectChangesDepth(t *testing.T) {
	ws := resourcetest.Workspace(t, nil)
	p := resourcetest.Folder(ws, "/p")
	remote := varianttest.NewRemote().Folder("/p", "1").Folder("/p/a", "1").File("/p/a/b", "1")

	for _, tt := range []struct {
		depth resource.Depth
		want  []visit
	}{
		{resource.DepthZero, []visit{{"/p", "/p"}}},
		{resource.DepthOne, []visit{{"/p", "/p"}, {"/p/a", "/p/a"}}},
		{resource.DepthInfinite, []visit{{"/p", "/p"}, {"/p/a", "/p/a"}, {"/p/a/b", "/p/a/b"}}},
	} {
		t.Run(tt.depth.String(), func(t *testing.T) {
			caps := &recordingCaps{Remote: remote}
			_, err := NewEngine(caps, log.Nop()).CollectChanges(context.Background(), p, remote.Lookup("/p"), tt.depth)
			require.NoError(t, err)
			assert.Equal(t, tt.want, caps.visits)
		})
	}
}

func TestFileParentPairingIsDropped(t *testing.T) {
	ws := resourcetest.Workspace(t, map[string]string{"/p/f": "x"})
	f := resourcetest.File(ws, "/p/f")
	remote := varianttest.NewRemote().Folder("/p/f", "1").File("/p/f/child", "1")

	core, logs := observer.New(zap.ErrorLevel)
	caps := &recordingCaps{Remote: remote}
	_, err := NewEngine(caps, log.NewWithZap(zap.New(core), log.LevelDebug)).
		CollectChanges(context.Background(), f, remote.Lookup("/p/f"), resource.DepthInfinite)
	require.NoError(t, err)

	assert.Equal(t, []visit{{"/p/f", "/p/f"}}, caps.visits)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "/p/f", logs.All()[0].ContextMap()["path"])
}

func TestRefresh(t *testing.T) {
	ws := resourcetest.Workspace(t, nil)
	a := resourcetest.Folder(ws, "/a")
	b := resourcetest.Folder(ws, "/b")

	t.Run("aggregates changes", func(t *testing.T) {
		remote := varianttest.NewRemote().Folder("/a", "1").Folder("/b", "1")
		caps := &recordingCaps{Remote: remote, changed: map[string]bool{"/a": true, "/b": true}}
		changed, err := NewEngine(caps, nil).Refresh(context.Background(), []resource.Resource{a, b}, resource.DepthOne)
		require.NoError(t, err)
		assert.Equal(t, []string{"/a", "/b"}, resource.Paths(changed))
	})

	t.Run("fetch failure is a remote error", func(t *testing.T) {
		boom := errors.New("unreachable")
		remote := varianttest.NewRemote().Folder("/a", "1").Fail("/b", boom)
		caps := &recordingCaps{Remote: remote, changed: map[string]bool{"/a": true}}
		changed, err := NewEngine(caps, nil).Refresh(context.Background(), []resource.Resource{a, b}, resource.DepthOne)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, variants.CodeRemote, variants.CodeOf(err))
		assert.Equal(t, []string{"/a"}, resource.Paths(changed))
	})

	t.Run("cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		remote := varianttest.NewRemote().Folder("/a", "1").File("/a/x", "1").CancelOnFetch(cancel)
		caps := &recordingCaps{Remote: remote}
		_, err := NewEngine(caps, nil).Refresh(ctx, []resource.Resource{a, b}, resource.DepthInfinite)
		require.Error(t, err)
		assert.True(t, variants.IsCanceled(err))
	})
}
