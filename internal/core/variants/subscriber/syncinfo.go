package subscriber

import (
	"strings"

	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
)

// Kind describes how a local resource relates to its base and remote
// variants. It combines a direction with a change type.
type Kind int

const (
	InSync   Kind = 0
	Addition Kind = 1
	Deletion Kind = 2
	Change   Kind = 3

	Outgoing    Kind = 4
	Incoming    Kind = 8
	Conflicting Kind = 12

	// PseudoConflict marks a conflict where local and remote agree.
	PseudoConflict Kind = 16

	changeMask    = Change
	directionMask = Conflicting
)

// Direction returns Outgoing, Incoming, Conflicting or InSync.
func (k Kind) Direction() Kind { return k & directionMask }

// ChangeType returns Addition, Deletion, Change or InSync.
func (k Kind) ChangeType() Kind { return k & changeMask }

func (k Kind) IsPseudoConflict() bool { return k&PseudoConflict != 0 }

func (k Kind) String() string {
	if k == InSync {
		return "in-sync"
	}
	var parts []string
	switch k.Direction() {
	case Outgoing:
		parts = append(parts, "outgoing")
	case Incoming:
		parts = append(parts, "incoming")
	case Conflicting:
		parts = append(parts, "conflicting")
	}
	switch k.ChangeType() {
	case Addition:
		parts = append(parts, "addition")
	case Deletion:
		parts = append(parts, "deletion")
	case Change:
		parts = append(parts, "change")
	}
	if k.IsPseudoConflict() {
		parts = append(parts, "pseudo")
	}
	return strings.Join(parts, "-")
}

// Comparator decides equivalence between a local resource and variants.
type Comparator interface {
	Compare(local resource.Resource, remote variants.ResourceVariant) (bool, error)
	CompareVariants(base, remote variants.ResourceVariant) bool
	// IsThreeWay reports whether base state is tracked.
	IsThreeWay() bool
}

// SyncInfo is the synchronization state of one local resource.
type SyncInfo struct {
	Local  resource.Resource
	Base   variants.ResourceVariant
	Remote variants.ResourceVariant
	Kind   Kind
}

// NewSyncInfo computes the kind of local against base and remote.
func NewSyncInfo(local resource.Resource, base, remote variants.ResourceVariant, cmp Comparator) (*SyncInfo, error) {
	kind, err := calculateKind(local, base, remote, cmp)
	if err != nil {
		return nil, err
	}
	return &SyncInfo{Local: local, Base: base, Remote: remote, Kind: kind}, nil
}

func calculateKind(local resource.Resource, base, remote variants.ResourceVariant, cmp Comparator) (Kind, error) {
	exists := local.Exists()
	if !cmp.IsThreeWay() {
		switch {
		case remote == nil && !exists:
			return InSync, nil
		case remote == nil:
			return Deletion, nil
		case !exists:
			return Addition, nil
		}
		same, err := cmp.Compare(local, remote)
		if err != nil || same {
			return InSync, err
		}
		return Change, nil
	}

	if base == nil {
		switch {
		case remote == nil && !exists:
			return InSync, nil
		case remote == nil:
			return Outgoing | Addition, nil
		case !exists:
			return Incoming | Addition, nil
		}
		same, err := cmp.Compare(local, remote)
		if err != nil {
			return InSync, err
		}
		if same {
			return Conflicting | Addition | PseudoConflict, nil
		}
		return Conflicting | Addition, nil
	}

	if !exists {
		switch {
		case remote == nil:
			return Conflicting | Deletion | PseudoConflict, nil
		case cmp.CompareVariants(base, remote):
			return Outgoing | Deletion, nil
		default:
			return Conflicting | Change, nil
		}
	}

	localIsBase, err := cmp.Compare(local, base)
	if err != nil {
		return InSync, err
	}
	if remote == nil {
		if localIsBase {
			return Incoming | Deletion, nil
		}
		return Conflicting | Change, nil
	}

	baseIsRemote := cmp.CompareVariants(base, remote)
	switch {
	case localIsBase && baseIsRemote:
		return InSync, nil
	case localIsBase:
		return Incoming | Change, nil
	case baseIsRemote:
		return Outgoing | Change, nil
	}
	same, err := cmp.Compare(local, remote)
	if err != nil {
		return InSync, err
	}
	if same {
		return Conflicting | Change | PseudoConflict, nil
	}
	return Conflicting | Change, nil
}
