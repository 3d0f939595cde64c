package tree

import (
	"context"

	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/store"
)

// ResourceVariantTree is the view a subscriber has of one lineup.
type ResourceVariantTree interface {
	Roots() []resource.Resource
	// ResourceVariant returns the cached variant of r, nil when none.
	ResourceVariant(r resource.Resource) (variants.ResourceVariant, error)
	HasResourceVariant(r resource.Resource) (bool, error)
	Members(r resource.Resource) ([]resource.Resource, error)
	// Refresh updates the cache below resources and returns the resources
	// whose variant changed.
	Refresh(ctx context.Context, resources []resource.Resource, depth resource.Depth) ([]resource.Resource, error)
	Flush(r resource.Resource, depth resource.Depth) error
}

// Fetcher is the variant producing collaborator of a lineup, such as a
// version control client.
type Fetcher interface {
	FetchVariant(ctx context.Context, local resource.Resource, depth resource.Depth) (variants.ResourceVariant, error)
	FetchMembers(ctx context.Context, remote variants.ResourceVariant) ([]variants.ResourceVariant, error)
}

// RootsFunc supplies the roots of a tree.
type RootsFunc func() []resource.Resource

var (
	_ ResourceVariantTree = (*StoreTree)(nil)
	_ Capabilities        = (*StoreTree)(nil)
	_ MemberCollector     = (*StoreTree)(nil)
	_ Runner              = (*StoreTree)(nil)
)

// StoreTree caches variant bytes in a ByteStore and rebuilds variants from
// them with a Factory.
type StoreTree struct {
	store    store.ByteStore
	fetcher  Fetcher
	factory  variants.Factory
	roots    RootsFunc
	readOnly bool
	engine   *Engine
}

// NewStoreTree builds a tree over s. Refresh pulls variants from fetcher.
func NewStoreTree(s store.ByteStore, fetcher Fetcher, factory variants.Factory, roots RootsFunc, logger log.Log) *StoreTree {
	t := &StoreTree{store: s, fetcher: fetcher, factory: factory, roots: roots}
	t.engine = NewEngine(t, logger)
	return t
}

// Store returns the backing byte store.
func (t *StoreTree) Store() store.ByteStore {
	return t.store
}

func (t *StoreTree) Roots() []resource.Resource {
	if t.roots == nil {
		return nil
	}
	return t.roots()
}

func (t *StoreTree) ResourceVariant(r resource.Resource) (variants.ResourceVariant, error) {
	b, err := t.store.Get(r)
	if err != nil || b == nil {
		return nil, err
	}
	v, err := t.factory.ResourceVariant(r, b)
	if err != nil {
		return nil, variants.Wrap(err, variants.CodeRemote, "rebuild variant of "+r.Path())
	}
	return v, nil
}

func (t *StoreTree) HasResourceVariant(r resource.Resource) (bool, error) {
	b, err := t.store.Get(r)
	return b != nil, err
}

func (t *StoreTree) Members(r resource.Resource) ([]resource.Resource, error) {
	return t.store.Members(r)
}

func (t *StoreTree) Flush(r resource.Resource, depth resource.Depth) error {
	_, err := t.store.Flush(r, depth)
	return err
}

// Refresh diffs resources against the lineup. Read only trees report no
// changes.
func (t *StoreTree) Refresh(ctx context.Context, resources []resource.Resource, depth resource.Depth) ([]resource.Resource, error) {
	if t.readOnly {
		return nil, nil
	}
	return t.engine.Refresh(ctx, resources, depth)
}

// CollectChanges caches remote for local and its descendants up to depth.
func (t *StoreTree) CollectChanges(ctx context.Context, local resource.Resource, remote variants.ResourceVariant, depth resource.Depth) ([]resource.Resource, error) {
	return t.engine.CollectChanges(ctx, local, remote, depth)
}

func (t *StoreTree) FetchVariant(ctx context.Context, local resource.Resource, depth resource.Depth) (variants.ResourceVariant, error) {
	if t.fetcher == nil {
		return nil, variants.NewError(variants.CodeNotSupported, "fetch variant", variants.ErrNotSupported)
	}
	return t.fetcher.FetchVariant(ctx, local, depth)
}

func (t *StoreTree) FetchMembers(ctx context.Context, remote variants.ResourceVariant) ([]variants.ResourceVariant, error) {
	if t.fetcher == nil {
		return nil, variants.NewError(variants.CodeNotSupported, "fetch members", variants.ErrNotSupported)
	}
	return t.fetcher.FetchMembers(ctx, remote)
}

// contextWriter is a ByteStore whose writes take the caller's context, so
// its cancellation and batch reach the backend.
type contextWriter interface {
	SetContext(ctx context.Context, r resource.Resource, b []byte) (bool, error)
	DeleteContext(ctx context.Context, r resource.Resource) (bool, error)
}

// SetVariant stores the bytes of remote, or records that local has no
// variant when remote is nil.
func (t *StoreTree) SetVariant(ctx context.Context, local resource.Resource, remote variants.ResourceVariant) (bool, error) {
	b := variants.BytesOf(remote)
	if w, ok := t.store.(contextWriter); ok {
		if b != nil {
			return w.SetContext(ctx, local, b)
		}
		return w.DeleteContext(ctx, local)
	}
	if b != nil {
		return t.store.Set(local, b)
	}
	return t.store.Delete(local)
}

// CollectedMembers purges stored children of local that were not visited and
// reports them as changed.
func (t *StoreTree) CollectedMembers(_ context.Context, local resource.Resource, members []resource.Resource) ([]resource.Resource, error) {
	stored, err := t.storedMembers(local)
	if err != nil {
		return nil, err
	}
	visited := make(map[string]struct{}, len(members))
	for _, m := range members {
		visited[m.Path()] = struct{}{}
	}
	var cleared []resource.Resource
	for _, r := range stored {
		if _, ok := visited[r.Path()]; ok {
			continue
		}
		if _, err = t.store.Flush(r, resource.DepthInfinite); err != nil {
			return cleared, err
		}
		cleared = append(cleared, r)
	}
	return cleared, nil
}

// Run wraps a change collection in the store's unit of work.
func (t *StoreTree) Run(ctx context.Context, root resource.Resource, fn func(ctx context.Context) error) error {
	return t.store.Run(ctx, root, fn)
}

// storedMembers lists the children of local that have a variant.
func (t *StoreTree) storedMembers(local resource.Resource) ([]resource.Resource, error) {
	if !local.Type().IsContainer() {
		return nil, nil
	}
	children, err := t.store.Members(local)
	if err != nil {
		return nil, err
	}
	out := children[:0:0]
	for _, c := range children {
		b, err := t.store.Get(c)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, c)
		}
	}
	return out, nil
}
