package subscriber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/resource/resourcetest"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/varianttest"
)

// revComparator treats the local resource as having revision local.
type revComparator struct {
	local    string
	threeWay bool
}

func (c revComparator) Compare(_ resource.Resource, v variants.ResourceVariant) (bool, error) {
	return v != nil && v.ContentIdentifier() == c.local, nil
}

func (c revComparator) CompareVariants(a, b variants.ResourceVariant) bool {
	return variants.Equal(a, b)
}

func (c revComparator) IsThreeWay() bool { return c.threeWay }

func TestKindString(t *testing.T) {
	assert.Equal(t, "in-sync", InSync.String())
	assert.Equal(t, "incoming-addition", (Incoming | Addition).String())
	assert.Equal(t, "conflicting-deletion-pseudo", (Conflicting | Deletion | PseudoConflict).String())
	assert.Equal(t, Conflicting, (Conflicting | Change).Direction())
	assert.Equal(t, Change, (Outgoing | Change).ChangeType())
}

func TestSyncInfoKinds(t *testing.T) {
	ws := resourcetest.Workspace(t, map[string]string{"/p/here": "x"})
	here := resourcetest.File(ws, "/p/here")
	gone := resourcetest.File(ws, "/p/gone")
	factory := varianttest.NewRemote()
	rev := func(r string) variants.ResourceVariant {
		v, err := factory.ResourceVariant(here, []byte("f:"+r))
		require.NoError(t, err)
		return v
	}

	tests := []struct {
		name     string
		local    resource.Resource
		localRev string
		base     variants.ResourceVariant
		remote   variants.ResourceVariant
		want     Kind
	}{
		{"nothing anywhere", gone, "", nil, nil, InSync},
		{"local only", here, "1", nil, nil, Outgoing | Addition},
		{"remote only", gone, "", nil, rev("1"), Incoming | Addition},
		{"both added differently", here, "1", nil, rev("2"), Conflicting | Addition},
		{"both added the same", here, "1", nil, rev("1"), Conflicting | Addition | PseudoConflict},
		{"deleted everywhere", gone, "", rev("1"), nil, Conflicting | Deletion | PseudoConflict},
		{"deleted locally", gone, "", rev("1"), rev("1"), Outgoing | Deletion},
		{"deleted locally changed remotely", gone, "", rev("1"), rev("2"), Conflicting | Change},
		{"deleted remotely", here, "1", rev("1"), nil, Incoming | Deletion},
		{"deleted remotely changed locally", here, "2", rev("1"), nil, Conflicting | Change},
		{"unchanged", here, "1", rev("1"), rev("1"), InSync},
		{"changed remotely", here, "1", rev("1"), rev("2"), Incoming | Change},
		{"changed locally", here, "2", rev("1"), rev("1"), Outgoing | Change},
		{"changed on both sides", here, "3", rev("1"), rev("2"), Conflicting | Change},
		{"changed the same on both sides", here, "2", rev("1"), rev("2"), Conflicting | Change | PseudoConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := NewSyncInfo(tt.local, tt.base, tt.remote, revComparator{local: tt.localRev, threeWay: true})
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.Kind, info.Kind.String())
		})
	}

	t.Run("two way", func(t *testing.T) {
		cmp := revComparator{local: "1"}
		cases := []struct {
			local  resource.Resource
			remote variants.ResourceVariant
			want   Kind
		}{
			{gone, nil, InSync},
			{here, nil, Deletion},
			{gone, rev("1"), Addition},
			{here, rev("1"), InSync},
			{here, rev("2"), Change},
		}
		for _, c := range cases {
			info, err := NewSyncInfo(c.local, rev("ignored"), c.remote, cmp)
			require.NoError(t, err)
			assert.Equal(t, c.want, info.Kind, c.local.Path())
		}
	})
}
