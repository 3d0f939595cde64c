package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ParallelMap applies mapFn to each element of in, preserving order.
// At most workers calls run at once; workers <= 0 means unbounded. The first
// error cancels the context handed to the remaining calls and is returned.
func ParallelMap[T any, R any](ctx context.Context, workers int, in []T, mapFn func(context.Context, T) (R, error)) ([]R, error) {
	out := make([]R, len(in))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for idx, val := range in {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := mapFn(ctx, val)
			if err != nil {
				return err
			}
			out[idx] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Concurrent runs action for each element of in, at most workers at once,
// and returns the first error.
func Concurrent[T any](ctx context.Context, workers int, in []T, action func(context.Context, T) error) error {
	_, err := ParallelMap(ctx, workers, in, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, action(ctx, v)
	})
	return err
}
