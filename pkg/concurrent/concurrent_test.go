package concurrent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelMap(t *testing.T) {
	t.Run("preserves order", func(t *testing.T) {
		out, err := ParallelMap(context.Background(), 3, []int{1, 2, 3, 4, 5}, func(_ context.Context, v int) (int, error) {
			return v * v, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 4, 9, 16, 25}, out)
	})

	t.Run("bounded", func(t *testing.T) {
		var running, peak atomic.Int32
		in := make([]int, 32)
		_, err := ParallelMap(context.Background(), 2, in, func(_ context.Context, v int) (int, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			running.Add(-1)
			return v, nil
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("first error wins", func(t *testing.T) {
		boom := errors.New("boom")
		out, err := ParallelMap(context.Background(), 1, []int{1, 2, 3}, func(_ context.Context, v int) (int, error) {
			if v == 2 {
				return 0, boom
			}
			return v, nil
		})
		require.ErrorIs(t, err, boom)
		assert.Nil(t, out)
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var calls atomic.Int32
		err := Concurrent(ctx, 0, []int{1, 2}, func(context.Context, int) error {
			calls.Add(1)
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls.Load())
	})
}
