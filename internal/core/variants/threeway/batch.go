package threeway

import (
	"context"
	"sync"

	"github.com/zeusync/variantsync/internal/core/resource"
)

// batchKey carries the open batch of one synchronizer on the context Run
// hands to its function.
type batchKey struct{ s *Synchronizer }

// batch accumulates the resources changed by the caller of one outermost Run.
// Goroutines started by that caller share it through the context.
type batch struct {
	mu      sync.Mutex
	closed  bool
	seen    map[string]struct{}
	changed []resource.Resource
}

func (s *Synchronizer) batchOf(ctx context.Context) *batch {
	b, _ := ctx.Value(batchKey{s: s}).(*batch)
	return b
}

// add records r and reports whether the batch is still open.
func (b *batch) add(r resource.Resource) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if b.seen == nil {
		b.seen = make(map[string]struct{})
	}
	if _, ok := b.seen[r.Path()]; !ok {
		b.seen[r.Path()] = struct{}{}
		b.changed = append(b.changed, r)
	}
	return true
}

// close ends the batch and returns what it accumulated. Later adds are
// refused so their callers notify on their own.
func (b *batch) close() []resource.Resource {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	changed := b.changed
	b.changed, b.seen = nil, nil
	return changed
}
