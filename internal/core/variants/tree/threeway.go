package tree

import (
	"context"

	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/store"
	"github.com/zeusync/variantsync/internal/core/variants/threeway"
)

// NewRemoteTree returns the tree of the remote lineup, cached in the remote
// slot of s. Refreshes run as one synchronizer batch per resource.
func NewRemoteTree(s *threeway.Synchronizer, fetcher Fetcher, factory variants.Factory, roots RootsFunc, logger log.Log) *StoreTree {
	return NewStoreTree(&remoteStore{sync: s}, fetcher, factory, roots, logger)
}

// NewBaseTree returns the read only tree of the base lineup. Base bytes are
// only established through Synchronizer.SetBaseBytes, so refreshing it
// reports nothing.
func NewBaseTree(s *threeway.Synchronizer, factory variants.Factory, roots RootsFunc, logger log.Log) *StoreTree {
	t := NewStoreTree(&baseStore{sync: s}, nil, factory, roots, logger)
	t.readOnly = true
	return t
}

var (
	_ store.ByteStore = (*remoteStore)(nil)
	_ contextWriter   = (*remoteStore)(nil)
	_ store.ByteStore = (*baseStore)(nil)
)

// remoteStore exposes the remote slot of a synchronizer as a ByteStore.
type remoteStore struct {
	sync *threeway.Synchronizer
}

func (s *remoteStore) Get(r resource.Resource) ([]byte, error) {
	return s.sync.RemoteBytes(r)
}

func (s *remoteStore) Set(r resource.Resource, b []byte) (bool, error) {
	return s.SetContext(context.Background(), r, b)
}

func (s *remoteStore) Delete(r resource.Resource) (bool, error) {
	return s.DeleteContext(context.Background(), r)
}

func (s *remoteStore) SetContext(ctx context.Context, r resource.Resource, b []byte) (bool, error) {
	return s.sync.SetRemoteBytes(ctx, r, b)
}

func (s *remoteStore) DeleteContext(ctx context.Context, r resource.Resource) (bool, error) {
	return s.sync.RemoveRemoteBytes(ctx, r)
}

// Flush is a no-op: stale remote bytes are dropped with the whole record by
// Synchronizer.Flush.
func (s *remoteStore) Flush(resource.Resource, resource.Depth) (bool, error) {
	return false, nil
}

func (s *remoteStore) Members(r resource.Resource) ([]resource.Resource, error) {
	return s.sync.Members(r)
}

func (s *remoteStore) IsVariantKnown(r resource.Resource) (bool, error) {
	return s.sync.HasSyncBytes(r)
}

func (s *remoteStore) Run(ctx context.Context, root resource.Resource, fn func(ctx context.Context) error) error {
	return s.sync.Run(ctx, root, fn)
}

func (s *remoteStore) Dispose() {}

// baseStore exposes the base slot of a synchronizer as a read only ByteStore.
type baseStore struct {
	sync *threeway.Synchronizer
}

func (s *baseStore) Get(r resource.Resource) ([]byte, error) {
	return s.sync.BaseBytes(r)
}

func (s *baseStore) Set(resource.Resource, []byte) (bool, error) {
	return false, nil
}

func (s *baseStore) Delete(resource.Resource) (bool, error) {
	return false, nil
}

func (s *baseStore) Flush(resource.Resource, resource.Depth) (bool, error) {
	return false, nil
}

func (s *baseStore) Members(r resource.Resource) ([]resource.Resource, error) {
	return s.sync.Members(r)
}

func (s *baseStore) IsVariantKnown(r resource.Resource) (bool, error) {
	b, err := s.sync.BaseBytes(r)
	return b != nil, err
}

func (s *baseStore) Run(ctx context.Context, root resource.Resource, fn func(ctx context.Context) error) error {
	return s.sync.Run(ctx, root, fn)
}

func (s *baseStore) Dispose() {}
