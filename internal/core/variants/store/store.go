// Package store holds byte stores: keyed caches that map a local resource to
// the bytes identifying one of its variants.
package store

import (
	"context"

	"github.com/zeusync/variantsync/internal/core/kv"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
)

// ByteStore maps resources to variant bytes. A nil result from Get means the
// variant is unknown or known not to exist; IsVariantKnown tells them apart.
type ByteStore interface {
	Get(r resource.Resource) ([]byte, error)
	// Set stores non-empty bytes and reports whether they differ from the
	// previous value.
	Set(r resource.Resource, b []byte) (bool, error)
	// Delete records that the variant of r does not exist.
	Delete(r resource.Resource) (bool, error)
	Flush(r resource.Resource, depth resource.Depth) (bool, error)
	// Members lists children of r that have an entry, existing or not.
	Members(r resource.Resource) ([]resource.Resource, error)
	IsVariantKnown(r resource.Resource) (bool, error)
	// Run executes fn as one unit of work below root. Stores backed by an
	// external service batch their side effects until fn returns.
	Run(ctx context.Context, root resource.Resource, fn func(ctx context.Context) error) error
	Dispose()
}

// ErrRolledBack is wrapped by Run errors of stores whose unit of work was
// discarded, so nothing fn wrote was persisted.
var ErrRolledBack = kv.ErrRolledBack

func requireBytes(r resource.Resource, b []byte) error {
	if len(b) == 0 {
		return variants.NewError(variants.CodeInvalidArgument, "set bytes", variants.ErrInvalidBytes).
			WithResource(r.Path())
	}
	return nil
}

// run is the default unit of work: check cancellation, execute fn and
// translate its failure into the uniform error type.
func run(ctx context.Context, root resource.Resource, fn func(ctx context.Context) error) error {
	if err := variants.CheckCanceled(ctx); err != nil {
		return err
	}
	return variants.Wrap(fn(ctx), variants.CodeStore, "run below "+root.Path())
}
