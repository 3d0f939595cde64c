package threeway

import (
	"bytes"

	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
)

// Comparator decides whether a local resource matches a remote variant using
// the base bytes and modification state kept by a Synchronizer.
type Comparator struct {
	sync *Synchronizer
}

func NewComparator(s *Synchronizer) *Comparator {
	return &Comparator{sync: s}
}

// Compare reports whether local is unmodified and its base equals remote.
func (c *Comparator) Compare(local resource.Resource, remote variants.ResourceVariant) (bool, error) {
	if remote == nil {
		return false, nil
	}
	if local.Type().IsContainer() != remote.IsContainer() {
		return false, nil
	}
	if !local.Type().IsContainer() {
		modified, err := c.sync.IsLocallyModified(local)
		if err != nil || modified {
			return false, err
		}
	}
	base, err := c.sync.BaseBytes(local)
	if err != nil || base == nil {
		return false, err
	}
	return bytes.Equal(base, remote.Bytes()), nil
}

// CompareVariants compares two variants by their bytes.
func (c *Comparator) CompareVariants(base, remote variants.ResourceVariant) bool {
	return variants.Equal(base, remote)
}

// IsThreeWay is always true: the comparator relies on base state.
func (c *Comparator) IsThreeWay() bool {
	return true
}
