package migration

import (
	"unsafe"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

// rawPage views the page at addr as a byte slice without copying it; the
// caller must already hold at least read access (directly, or — as
// handlePageReply and zeroAndGrant do — through an RW grant made before the
// access).
func rawPage(addr uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), dsmtypes.PageSize)
}

// zero clears one page in place. Its only caller is zeroAndGrant, which
// grants this process RW on addr first.
func zero(addr uintptr) {
	page := rawPage(addr)
	for i := range page {
		page[i] = 0
	}
}
