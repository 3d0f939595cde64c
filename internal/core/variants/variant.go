// Package variants defines resource variants: immutable handles to a
// resource as it exists in another lineup, such as the remote repository
// state or the common ancestor.
package variants

import (
	"bytes"
	"context"
	"io"

	"github.com/zeusync/variantsync/internal/core/resource"
)

// ResourceVariant is one version of a local resource as seen in a lineup.
// Variants are value objects; two variants are equal when their Bytes are.
type ResourceVariant interface {
	Name() string
	IsContainer() bool
	// ContentIdentifier is a human readable version string.
	ContentIdentifier() string
	// Bytes uniquely identifies the variant and allows rebuilding it later.
	Bytes() []byte
	// Storage gives access to the contents; it is nil for containers.
	Storage(ctx context.Context) (Storage, error)
	// Size is the content size when known, 0 otherwise.
	Size() int64
}

// Storage is the content of a file variant.
type Storage interface {
	Name() string
	FullPath() string
	Contents() (io.ReadCloser, error)
}

// Factory rebuilds a variant for local from bytes previously returned by
// ResourceVariant.Bytes.
type Factory interface {
	ResourceVariant(local resource.Resource, b []byte) (ResourceVariant, error)
}

type FactoryFunc func(local resource.Resource, b []byte) (ResourceVariant, error)

func (f FactoryFunc) ResourceVariant(local resource.Resource, b []byte) (ResourceVariant, error) {
	return f(local, b)
}

// BytesOf returns v.Bytes, or nil for a nil variant.
func BytesOf(v ResourceVariant) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

// Equal compares two variants by their bytes.
func Equal(a, b ResourceVariant) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}

// Clone copies b so callers cannot alias stored bytes.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
