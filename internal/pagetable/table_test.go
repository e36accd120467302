package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

func TestTableLookupByAddrAndID(t *testing.T) {
	const base = uintptr(0x10000)
	tbl := New(base, 3*dsmtypes.PageSize, 100)

	require.Equal(t, 3, tbl.NumPages)
	require.Equal(t, dsmtypes.PageID(103), tbl.EndPageID())

	e, ok := tbl.LookupByAddr(base + dsmtypes.PageSize)
	require.True(t, ok)
	assert.Equal(t, dsmtypes.PageID(101), e.ID)

	_, ok = tbl.LookupByAddr(base - 1)
	assert.False(t, ok)
	_, ok = tbl.LookupByAddr(base + 3*dsmtypes.PageSize)
	assert.False(t, ok)

	e2, ok := tbl.LookupByID(102)
	require.True(t, ok)
	assert.Equal(t, base+2*dsmtypes.PageSize, e2.LocalAddr)

	_, ok = tbl.LookupByID(99)
	assert.False(t, ok)
	_, ok = tbl.LookupByID(103)
	assert.False(t, ok)
}

func TestTableAcquireReleaseUnlink(t *testing.T) {
	tbl := New(0x20000, dsmtypes.PageSize, 0)

	assert.True(t, tbl.Acquire()) // refcount now 2
	assert.False(t, tbl.Release())
	assert.False(t, tbl.IsUnlinked())

	tbl.Unlink()
	assert.True(t, tbl.IsUnlinked())

	// the creator's original reference is still live until Release reaches 0
	assert.True(t, tbl.Release())
	assert.False(t, tbl.Acquire())
}
