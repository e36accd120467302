package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

func TestLookupOwnerDefaultsToNoNode(t *testing.T) {
	d := New()
	assert.Equal(t, dsmtypes.NoNode, d.LookupOwner(1))
}

func TestSetWriterInvalidatesSharersAndOwner(t *testing.T) {
	d := New()
	d.SetOwner(1, 5)
	require.NoError(t, d.AddReader(1, 6))
	require.NoError(t, d.AddReader(1, 7))

	invalidate := d.SetWriter(1, 6)

	assert.ElementsMatch(t, []dsmtypes.NodeID{5, 7}, invalidate)
	assert.Equal(t, dsmtypes.NodeID(6), d.LookupOwner(1))
	assert.Empty(t, d.GetSharers(1))
}

func TestAddReaderDedupesAndCapsSharers(t *testing.T) {
	d := New()
	require.NoError(t, d.AddReader(1, 2))
	require.NoError(t, d.AddReader(1, 2)) // duplicate is a no-op
	assert.Len(t, d.GetSharers(1), 1)

	for i := 0; i < dsmtypes.MaxSharersPerPage; i++ {
		_ = d.AddReader(1, dsmtypes.NodeID(100+i))
	}
	err := d.AddReader(1, dsmtypes.NodeID(999))
	assert.ErrorIs(t, err, dsmtypes.ErrBusy)
}

func TestRemoveSharer(t *testing.T) {
	d := New()
	require.NoError(t, d.AddReader(1, 2))
	require.NoError(t, d.AddReader(1, 3))
	d.RemoveSharer(1, 2)
	assert.Equal(t, []dsmtypes.NodeID{3}, d.GetSharers(1))
}

func TestRemoveRange(t *testing.T) {
	d := New()
	d.SetOwner(1, 9)
	d.SetOwner(2, 9)
	d.SetOwner(3, 9)
	d.RemoveRange(1, 3)

	assert.Equal(t, dsmtypes.NoNode, d.LookupOwner(1))
	assert.Equal(t, dsmtypes.NoNode, d.LookupOwner(2))
	// RemoveRange is exclusive of end and LookupOwner lazily recreates the
	// entry, so page 3 still reports its real owner.
	assert.Equal(t, dsmtypes.NodeID(9), d.LookupOwner(3))
}

func TestReclaimOwnership(t *testing.T) {
	d := New()
	d.SetOwner(1, 2)
	require.NoError(t, d.AddReader(1, 3))

	d.ReclaimOwnership(1, 4)

	assert.Equal(t, dsmtypes.NodeID(4), d.LookupOwner(1))
	assert.Empty(t, d.GetSharers(1))
}

func TestHandleNodeFailureScrubsOwnerAndSharers(t *testing.T) {
	d := New()
	d.SetOwner(1, 2)
	require.NoError(t, d.AddReader(1, 3))
	require.NoError(t, d.AddReader(1, 2))

	d.HandleNodeFailure(2)

	assert.Equal(t, dsmtypes.NoNode, d.LookupOwner(1))
	assert.Equal(t, []dsmtypes.NodeID{3}, d.GetSharers(1))
}

func TestSnapshotAndApplySnapshot(t *testing.T) {
	src := New()
	src.SetOwner(1, 2)
	require.NoError(t, src.AddReader(1, 3))

	snaps := src.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, dsmtypes.PageID(1), snaps[0].PageID)
	assert.Equal(t, dsmtypes.NodeID(2), snaps[0].Owner)
	assert.Equal(t, []dsmtypes.NodeID{3}, snaps[0].Sharers)

	dst := New()
	dst.ApplySnapshot(snaps[0])
	assert.Equal(t, dsmtypes.NodeID(2), dst.LookupOwner(1))
	assert.Equal(t, []dsmtypes.NodeID{3}, dst.GetSharers(1))
}

func TestSnapshotSkipsUnownedEntries(t *testing.T) {
	d := New()
	d.LookupOwner(1) // lazily creates the entry with NoNode owner
	assert.Empty(t, d.Snapshot())
}
