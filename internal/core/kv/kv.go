// Package kv is the persistent byte-blob collaborator: an association of
// opaque byte arrays with workspace resources, partitioned by qualified name.
package kv

import (
	"context"
	"errors"

	"github.com/zeusync/variantsync/internal/core/resource"
)

// QualifiedName partitions a Synchronizer so several clients can keep their
// own bytes for the same resource.
type QualifiedName struct {
	Qualifier string
	Local     string
}

func (n QualifiedName) String() string {
	return n.Qualifier + ":" + n.Local
}

// Synchronizer associates byte arrays with resources. Entries may exist for
// resources that are missing locally; Members lists them.
type Synchronizer interface {
	// Get returns nil when no entry exists.
	Get(name QualifiedName, r resource.Resource) ([]byte, error)
	Set(name QualifiedName, r resource.Resource, value []byte) error
	// Flush removes the entries of r and its descendants up to depth and
	// returns how many were removed.
	Flush(name QualifiedName, r resource.Resource, depth resource.Depth) (int, error)
	// Members returns the direct children of r that have an entry.
	Members(name QualifiedName, r resource.Resource) ([]resource.Resource, error)
	// Batch groups the writes performed by fn. Implementations may defer
	// side effects to the end of the outermost batch.
	// A batch whose writes were discarded returns an error wrapping
	// ErrRolledBack.
	Batch(ctx context.Context, fn func(ctx context.Context) error) error
}

// ErrRolledBack marks a batch whose writes were not persisted.
var ErrRolledBack = errors.New("batch rolled back")
