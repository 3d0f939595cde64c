package threeway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/variantsync/internal/core/kv"
	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/resource/resourcetest"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/store"
)

type recorder struct {
	mu     sync.Mutex
	events [][]string
}

func (r *recorder) SyncStateChanged(resources []resource.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, resource.Paths(resources))
}

func (r *recorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.events...)
}

func newTestSynchronizer(t *testing.T, entries map[string]string) (*Synchronizer, *resource.FsWorkspace, *recorder) {
	t.Helper()
	ws := resourcetest.Workspace(t, entries)
	cache := store.NewPersistent(kv.NewMemory(), kv.QualifiedName{Qualifier: "test", Local: "sync"})
	s := New(cache, WithTreeLock(ws), WithLogger(log.Nop()))
	rec := &recorder{}
	_, err := s.AddListener(rec)
	require.NoError(t, err)
	return s, ws, rec
}

func TestSynchronizerScenario(t *testing.T) {
	ctx := context.Background()
	s, ws, rec := newTestSynchronizer(t, map[string]string{"/proj/file.txt": "v1"})
	file := resourcetest.File(ws, "/proj/file.txt")

	changed, err := s.SetRemoteBytes(ctx, file, []byte("rev1"))
	require.NoError(t, err)
	assert.True(t, changed)

	remote, err := s.RemoteBytes(file)
	require.NoError(t, err)
	assert.Equal(t, []byte("rev1"), remote)
	base, err := s.BaseBytes(file)
	require.NoError(t, err)
	assert.Nil(t, base)

	modified, err := s.IsLocallyModified(file)
	require.NoError(t, err)
	assert.True(t, modified, "record without timestamp")

	require.NoError(t, s.SetBaseBytes(ctx, file, []byte("rev1")))
	modified, err = s.IsLocallyModified(file)
	require.NoError(t, err)
	assert.False(t, modified)

	resourcetest.Touch(t, ws, "/proj/file.txt", time.Now().Add(time.Hour))
	modified, err = s.IsLocallyModified(file)
	require.NoError(t, err)
	assert.True(t, modified)

	base, err = s.BaseBytes(file)
	require.NoError(t, err)
	assert.Equal(t, []byte("rev1"), base)
	remote, err = s.RemoteBytes(file)
	require.NoError(t, err)
	assert.Equal(t, []byte("rev1"), remote)

	assert.Equal(t, [][]string{{"/proj/file.txt"}, {"/proj/file.txt"}}, rec.snapshot())
}

func TestSetBaseBytesIdempotent(t *testing.T) {
	ctx := context.Background()
	s, ws, rec := newTestSynchronizer(t, map[string]string{"/p/f": "x"})
	f := resourcetest.File(ws, "/p/f")

	for i := 0; i < 2; i++ {
		require.NoError(t, s.SetBaseBytes(ctx, f, []byte("B")))
		modified, err := s.IsLocallyModified(f)
		require.NoError(t, err)
		assert.False(t, modified)
	}
	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, events[0], events[1])
}

func TestSetBaseBytesRequiresBytes(t *testing.T) {
	s, ws, _ := newTestSynchronizer(t, nil)
	err := s.SetBaseBytes(context.Background(), resourcetest.File(ws, "/p/f"), nil)
	require.ErrorIs(t, err, variants.ErrInvalidBytes)
	_, err = s.SetRemoteBytes(context.Background(), resourcetest.File(ws, "/p/f"), []byte{})
	require.ErrorIs(t, err, variants.ErrInvalidBytes)
}

func TestRemoteBytes(t *testing.T) {
	ctx := context.Background()
	s, ws, rec := newTestSynchronizer(t, map[string]string{"/p/f": "x"})
	f := resourcetest.File(ws, "/p/f")

	t.Run("identical remote is not a change", func(t *testing.T) {
		changed, err := s.SetRemoteBytes(ctx, f, []byte("r1"))
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = s.SetRemoteBytes(ctx, f, []byte("r1"))
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("remove", func(t *testing.T) {
		changed, err := s.RemoveRemoteBytes(ctx, f)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = s.RemoveRemoteBytes(ctx, f)
		require.NoError(t, err)
		assert.False(t, changed)

		has, err := s.HasSyncBytes(f)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("remove without record", func(t *testing.T) {
		changed, err := s.RemoveRemoteBytes(ctx, resourcetest.File(ws, "/p/none"))
		require.NoError(t, err)
		assert.False(t, changed)
	})

	assert.Len(t, rec.snapshot(), 2)
}

func TestBaseExistsButResourceDeleted(t *testing.T) {
	ctx := context.Background()
	s, ws, _ := newTestSynchronizer(t, nil)
	gone := resourcetest.File(ws, "/p/gone")
	require.NoError(t, s.SetBaseBytes(ctx, gone, []byte("r1")))

	modified, err := s.IsLocallyModified(gone)
	require.NoError(t, err)
	assert.True(t, modified)
}

func TestBatchNotification(t *testing.T) {
	ctx := context.Background()
	entries := map[string]string{"/p/a": "a", "/p/b": "b", "/p/c": "c"}

	t.Run("one event per batch", func(t *testing.T) {
		s, ws, rec := newTestSynchronizer(t, entries)
		root := resourcetest.Folder(ws, "/p")
		err := s.Run(ctx, root, func(ctx context.Context) error {
			for _, name := range []string{"a", "b", "c"} {
				if _, err := s.SetRemoteBytes(ctx, resourcetest.File(ws, "/p/"+name), []byte("r")); err != nil {
					return err
				}
			}
			return s.Run(ctx, root, func(ctx context.Context) error {
				_, err := s.SetRemoteBytes(ctx, resourcetest.File(ws, "/p/a"), []byte("r2"))
				return err
			})
		})
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"/p/a", "/p/b", "/p/c"}}, rec.snapshot())
	})

	t.Run("one event per change without batch", func(t *testing.T) {
		s, ws, rec := newTestSynchronizer(t, entries)
		for _, name := range []string{"a", "b", "c"} {
			_, err := s.SetRemoteBytes(ctx, resourcetest.File(ws, "/p/"+name), []byte("r"))
			require.NoError(t, err)
		}
		assert.Len(t, rec.snapshot(), 3)
	})

	t.Run("no event without change", func(t *testing.T) {
		s, ws, rec := newTestSynchronizer(t, entries)
		err := s.Run(ctx, resourcetest.Folder(ws, "/p"), func(ctx context.Context) error {
			_, err := s.RemoveRemoteBytes(ctx, resourcetest.File(ws, "/p/a"))
			return err
		})
		require.NoError(t, err)
		assert.Empty(t, rec.snapshot())
	})

	t.Run("failed batch still reports", func(t *testing.T) {
		s, ws, rec := newTestSynchronizer(t, entries)
		err := s.Run(ctx, resourcetest.Folder(ws, "/p"), func(ctx context.Context) error {
			if _, err := s.SetRemoteBytes(ctx, resourcetest.File(ws, "/p/a"), []byte("r")); err != nil {
				return err
			}
			return variants.NewError(variants.CodeRemote, "fetch", nil)
		})
		assert.Equal(t, variants.CodeRemote, variants.CodeOf(err))
		assert.Equal(t, [][]string{{"/p/a"}}, rec.snapshot())
	})

	t.Run("batch is scoped to its caller", func(t *testing.T) {
		s, ws, rec := newTestSynchronizer(t, entries)
		touched := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- s.Run(ctx, resourcetest.Folder(ws, "/p"), func(ctx context.Context) error {
				if _, err := s.SetRemoteBytes(ctx, resourcetest.File(ws, "/p/a"), []byte("r")); err != nil {
					return err
				}
				close(touched)
				<-release
				return nil
			})
		}()
		<-touched

		_, err := s.SetRemoteBytes(ctx, resourcetest.File(ws, "/p/b"), []byte("r"))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"/p/b"}}, rec.snapshot(), "reported when it happened")

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, [][]string{{"/p/b"}, {"/p/a"}}, rec.snapshot())
	})

	t.Run("rolled back batch does not report", func(t *testing.T) {
		ws := resourcetest.Workspace(t, entries)
		backend := &rollbackKV{Memory: kv.NewMemory()}
		s := New(store.NewPersistent(backend, kv.QualifiedName{Qualifier: "test", Local: "sync"}), WithTreeLock(ws))
		rec := &recorder{}
		_, err := s.AddListener(rec)
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.Run(ctx, resourcetest.Folder(ws, "/p"), func(ctx context.Context) error {
			if _, err := s.SetRemoteBytes(ctx, resourcetest.File(ws, "/p/a"), []byte("r")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		require.ErrorIs(t, err, store.ErrRolledBack)
		assert.Empty(t, rec.snapshot())

		remote, err := s.RemoteBytes(resourcetest.File(ws, "/p/a"))
		require.NoError(t, err)
		assert.Nil(t, remote)
	})

	t.Run("canceled batch does not run", func(t *testing.T) {
		s, ws, _ := newTestSynchronizer(t, entries)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := s.Run(cctx, resourcetest.Folder(ws, "/p"), func(context.Context) error {
			t.Fatal("batch body ran")
			return nil
		})
		assert.True(t, variants.IsCanceled(err))
	})
}

func TestIgnored(t *testing.T) {
	ctx := context.Background()
	s, ws, _ := newTestSynchronizer(t, map[string]string{"/p/keep": "k", "/p/skip": "s"})
	parent := resourcetest.Folder(ws, "/p")
	skip := resourcetest.File(ws, "/p/skip")
	keep := resourcetest.File(ws, "/p/keep")

	require.NoError(t, s.SetBaseBytes(ctx, skip, []byte("r1")))
	require.NoError(t, s.SetIgnored(ctx, skip))

	ignored, err := s.IsIgnored(skip)
	require.NoError(t, err)
	assert.True(t, ignored)

	members, err := s.Members(parent)
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/keep"}, resource.Paths(members))

	resourcetest.Touch(t, ws, "/p/skip", time.Now().Add(time.Hour))
	modified, err := s.IsLocallyModified(skip)
	require.NoError(t, err)
	assert.False(t, modified)

	base, err := s.BaseBytes(skip)
	require.NoError(t, err)
	assert.Nil(t, base)
	has, err := s.HasSyncBytes(skip)
	require.NoError(t, err)
	assert.False(t, has)

	modified, err = s.IsLocallyModified(keep)
	require.NoError(t, err)
	assert.True(t, modified, "no record")

	t.Run("remote bytes do not clear the marker", func(t *testing.T) {
		changed, err := s.SetRemoteBytes(ctx, skip, []byte("r2"))
		require.NoError(t, err)
		assert.False(t, changed)
		ignored, err := s.IsIgnored(skip)
		require.NoError(t, err)
		assert.True(t, ignored)
		remote, err := s.RemoteBytes(skip)
		require.NoError(t, err)
		assert.Nil(t, remote)

		removed, err := s.RemoveRemoteBytes(ctx, skip)
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("base bytes end ignoring", func(t *testing.T) {
		require.NoError(t, s.SetBaseBytes(ctx, skip, []byte("r3")))
		ignored, err := s.IsIgnored(skip)
		require.NoError(t, err)
		assert.False(t, ignored)
	})
}

func TestMembers(t *testing.T) {
	ctx := context.Background()
	s, ws, _ := newTestSynchronizer(t, map[string]string{"/p/local": "l", "/p/dir/": ""})
	parent := resourcetest.Folder(ws, "/p")

	require.NoError(t, s.SetBaseBytes(ctx, resourcetest.File(ws, "/p/deleted"), []byte("r1")))
	_, err := s.SetRemoteBytes(ctx, resourcetest.File(ws, "/p/incoming"), []byte("r1"))
	require.NoError(t, err)

	members, err := s.Members(parent)
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/deleted", "/p/dir", "/p/incoming", "/p/local"}, resource.Paths(members))

	members, err = s.Members(resourcetest.File(ws, "/p/local"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestFlushDepth(t *testing.T) {
	ctx := context.Background()
	s, ws, rec := newTestSynchronizer(t, map[string]string{"/p/a/b": "b"})
	p := resourcetest.Folder(ws, "/p")
	a := resourcetest.Folder(ws, "/p/a")
	b := resourcetest.File(ws, "/p/a/b")
	for _, r := range []resource.Resource{p, a, b} {
		require.NoError(t, s.SetBaseBytes(ctx, r, []byte("r1")))
	}

	require.NoError(t, s.Flush(ctx, a, resource.DepthZero))
	for r, want := range map[resource.Resource]bool{p: true, a: false, b: true} {
		has, err := s.HasSyncBytes(r)
		require.NoError(t, err)
		assert.Equal(t, want, has, r.Path())
	}

	require.NoError(t, s.Flush(ctx, p, resource.DepthInfinite))
	for _, r := range []resource.Resource{p, b} {
		has, err := s.HasSyncBytes(r)
		require.NoError(t, err)
		assert.False(t, has, r.Path())
	}

	before := len(rec.snapshot())
	require.NoError(t, s.Flush(ctx, p, resource.DepthInfinite))
	assert.Len(t, rec.snapshot(), before, "flushing nothing is not a change")
}

func TestListenerIsolation(t *testing.T) {
	s, ws, rec := newTestSynchronizer(t, nil)
	_, err := s.AddListener(ListenerFunc(func([]resource.Resource) { panic("listener bug") }))
	require.NoError(t, err)
	late := &recorder{}
	sub, err := s.AddListener(late)
	require.NoError(t, err)

	_, err = s.SetRemoteBytes(context.Background(), resourcetest.File(ws, "/p/f"), []byte("r"))
	require.NoError(t, err)
	assert.Len(t, rec.snapshot(), 1)
	assert.Len(t, late.snapshot(), 1)

	require.NoError(t, s.RemoveListener(sub))
	_, err = s.SetRemoteBytes(context.Background(), resourcetest.File(ws, "/p/f"), []byte("r2"))
	require.NoError(t, err)
	assert.Len(t, late.snapshot(), 1)
}

func TestTreeLockSkipsMutex(t *testing.T) {
	s, ws, _ := newTestSynchronizer(t, nil)
	f := resourcetest.File(ws, "/p/f")

	s.mu.Lock()
	locked := true
	unlock := func() {
		if locked {
			locked = false
			s.mu.Unlock()
		}
	}
	defer unlock()

	t.Run("holder skips the mutex", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			done <- ws.RunLocked(context.Background(), func(ctx context.Context) error {
				_, err := s.SetRemoteBytes(ctx, f, []byte("r"))
				return err
			})
		}()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("accessor blocked although the caller held the tree lock")
		}
	})

	t.Run("other goroutines keep the mutex", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		holder := make(chan error, 1)
		go func() {
			holder <- ws.RunLocked(context.Background(), func(context.Context) error {
				close(entered)
				<-release
				return nil
			})
		}()
		<-entered

		done := make(chan error, 1)
		go func() {
			_, err := s.SetRemoteBytes(context.Background(), f, []byte("r2"))
			done <- err
		}()
		select {
		case <-done:
			t.Fatal("mutation outside the tree lock ran while the mutex was held")
		case <-time.After(100 * time.Millisecond):
		}

		unlock()
		require.NoError(t, <-done)
		close(release)
		require.NoError(t, <-holder)

		remote, err := s.RemoteBytes(f)
		require.NoError(t, err)
		assert.Equal(t, []byte("r2"), remote)
	})
}

// rollbackKV discards every write made inside a batch whose function fails.
type rollbackKV struct {
	*kv.Memory
	mu      sync.Mutex
	pending *kv.Memory
}

func (r *rollbackKV) target() kv.Synchronizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return r.pending
	}
	return r.Memory
}

func (r *rollbackKV) Get(name kv.QualifiedName, res resource.Resource) ([]byte, error) {
	return r.target().Get(name, res)
}

func (r *rollbackKV) Set(name kv.QualifiedName, res resource.Resource, value []byte) error {
	return r.target().Set(name, res, value)
}

func (r *rollbackKV) Batch(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	r.pending = kv.NewMemory()
	r.mu.Unlock()
	err := fn(ctx)
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", kv.ErrRolledBack, err)
	}
	return nil
}

func TestCorruptRecord(t *testing.T) {
	ws := resourcetest.Workspace(t, nil)
	cache := store.NewSession()
	f := resourcetest.File(ws, "/p/f")
	_, err := cache.Set(f, []byte{0xff})
	require.NoError(t, err)

	s := New(cache)
	_, err = s.BaseBytes(f)
	require.ErrorIs(t, err, variants.ErrCorruptRecord)
	assert.Equal(t, variants.CodeCorrupt, variants.CodeOf(err))
}
