package store

import (
	"bytes"
	"context"

	"github.com/zeusync/variantsync/internal/core/kv"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
)

var _ ByteStore = (*Persistent)(nil)

// Persistent delegates to a kv.Synchronizer under a fixed qualified name, so
// its entries live as long as the synchronizer does.
type Persistent struct {
	sync kv.Synchronizer
	name kv.QualifiedName
}

func NewPersistent(synchronizer kv.Synchronizer, name kv.QualifiedName) *Persistent {
	return &Persistent{sync: synchronizer, name: name}
}

// Name is the qualified name entries are stored under.
func (p *Persistent) Name() kv.QualifiedName {
	return p.name
}

func (p *Persistent) Get(r resource.Resource) ([]byte, error) {
	b, err := p.load(r)
	if err != nil || len(b) == 0 {
		return nil, err
	}
	return b, nil
}

func (p *Persistent) Set(r resource.Resource, b []byte) (bool, error) {
	if err := requireBytes(r, b); err != nil {
		return false, err
	}
	return p.store(r, b)
}

func (p *Persistent) Delete(r resource.Resource) (bool, error) {
	return p.store(r, []byte{})
}

// Flush reports a change when any entry of r or its descendants up to depth
// was removed.
func (p *Persistent) Flush(r resource.Resource, depth resource.Depth) (bool, error) {
	n, err := p.sync.Flush(p.name, r, depth)
	if err != nil {
		return false, p.translate(err, "flush", r)
	}
	return n > 0, nil
}

func (p *Persistent) Members(r resource.Resource) ([]resource.Resource, error) {
	members, err := p.sync.Members(p.name, r)
	if err != nil {
		return nil, p.translate(err, "members", r)
	}
	return members, nil
}

func (p *Persistent) IsVariantKnown(r resource.Resource) (bool, error) {
	b, err := p.load(r)
	return b != nil, err
}

// Run batches the writes of fn in the synchronizer. When the synchronizer
// discards the batch the error wraps ErrRolledBack.
func (p *Persistent) Run(ctx context.Context, root resource.Resource, fn func(ctx context.Context) error) error {
	return run(ctx, root, func(ctx context.Context) error {
		return p.sync.Batch(ctx, fn)
	})
}

// Dispose leaves stored entries in place; they outlive the store.
func (p *Persistent) Dispose() {}

func (p *Persistent) load(r resource.Resource) ([]byte, error) {
	b, err := p.sync.Get(p.name, r)
	if err != nil {
		return nil, p.translate(err, "get", r)
	}
	return b, nil
}

func (p *Persistent) store(r resource.Resource, b []byte) (bool, error) {
	old, err := p.load(r)
	if err != nil {
		return false, err
	}
	if old != nil && bytes.Equal(old, b) {
		return false, nil
	}
	if err = p.sync.Set(p.name, r, b); err != nil {
		return false, p.translate(err, "set", r)
	}
	return true, nil
}

func (p *Persistent) translate(err error, op string, r resource.Resource) error {
	err = variants.Wrap(err, variants.CodeStore, op+" "+p.name.String())
	if e, ok := err.(*variants.Error); ok && e.Resource == "" {
		e.Resource = r.Path()
	}
	return err
}
