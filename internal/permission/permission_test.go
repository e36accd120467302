//go:build linux

package permission

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/pagetable"
)

func mmapPage(t *testing.T) uintptr {
	t.Helper()
	data, err := unix.Mmap(-1, 0, int(dsmtypes.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(data) })
	return uintptr(unsafe.Pointer(&data[0]))
}

func TestApplyRejectsUnalignedAddress(t *testing.T) {
	err := Apply(1, dsmtypes.PageSize, Read, nil)
	assert.ErrorIs(t, err, dsmtypes.ErrPermission)
}

func TestApplyUpdatesEntryState(t *testing.T) {
	addr := mmapPage(t)
	entry := pagetable.NewEntry(1, addr)

	require.NoError(t, Apply(addr, dsmtypes.PageSize, ReadWrite, entry))
	assert.Equal(t, pagetable.ReadWrite, entry.State())

	require.NoError(t, Apply(addr, dsmtypes.PageSize, Read, entry))
	assert.Equal(t, pagetable.ReadOnly, entry.State())

	require.NoError(t, Apply(addr, dsmtypes.PageSize, None, entry))
	assert.Equal(t, pagetable.Invalid, entry.State())
}

func TestApplyToEntryUsesEntryLocalAddr(t *testing.T) {
	addr := mmapPage(t)
	entry := pagetable.NewEntry(1, addr)

	require.NoError(t, ApplyToEntry(entry, ReadWrite))
	assert.Equal(t, pagetable.ReadWrite, entry.State())
}

func TestApplyToleratesNilEntry(t *testing.T) {
	addr := mmapPage(t)
	require.NoError(t, Apply(addr, dsmtypes.PageSize, Read, nil))
}
