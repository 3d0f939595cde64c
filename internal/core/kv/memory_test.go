package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/variantsync/internal/core/kv"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/resource/resourcetest"
)

var testName = kv.QualifiedName{Qualifier: "test", Local: "bytes"}

func TestMemory(t *testing.T) {
	ws := resourcetest.Workspace(t, nil)
	p := resourcetest.Folder(ws, "/p")
	a := resourcetest.Folder(ws, "/p/a")
	b := resourcetest.File(ws, "/p/a/b")
	c := resourcetest.File(ws, "/p/c")

	seed := func(t *testing.T) *kv.Memory {
		m := kv.NewMemory()
		for _, r := range []resource.Resource{p, a, b, c} {
			require.NoError(t, m.Set(testName, r, []byte(r.Path())))
		}
		return m
	}

	t.Run("get set", func(t *testing.T) {
		m := seed(t)
		v, err := m.Get(testName, b)
		require.NoError(t, err)
		require.Equal(t, []byte("/p/a/b"), v)

		other := kv.QualifiedName{Qualifier: "test", Local: "other"}
		v, err = m.Get(other, b)
		require.NoError(t, err)
		require.Nil(t, v)
	})

	t.Run("members include missing resources", func(t *testing.T) {
		m := seed(t)
		members, err := m.Members(testName, p)
		require.NoError(t, err)
		require.Equal(t, []string{"/p/a", "/p/c"}, resource.Paths(members))
	})

	t.Run("flush depth zero", func(t *testing.T) {
		m := seed(t)
		n, err := m.Flush(testName, a, resource.DepthZero)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, 3, m.Len(testName))
		v, _ := m.Get(testName, b)
		require.NotNil(t, v)
	})

	t.Run("flush depth one", func(t *testing.T) {
		m := seed(t)
		n, err := m.Flush(testName, p, resource.DepthOne)
		require.NoError(t, err)
		require.Equal(t, 3, n)
		require.Equal(t, 1, m.Len(testName))
		v, _ := m.Get(testName, b)
		require.NotNil(t, v)
	})

	t.Run("flush depth infinite", func(t *testing.T) {
		m := seed(t)
		n, err := m.Flush(testName, p, resource.DepthInfinite)
		require.NoError(t, err)
		require.Equal(t, 4, n)
		require.Equal(t, 0, m.Len(testName))

		n, err = m.Flush(testName, p, resource.DepthInfinite)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("batch runs inline", func(t *testing.T) {
		m := kv.NewMemory()
		err := m.Batch(context.Background(), func(ctx context.Context) error {
			return m.Set(testName, c, []byte("x"))
		})
		require.NoError(t, err)
		require.Equal(t, 1, m.Len(testName))
	})
}
