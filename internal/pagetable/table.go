package pagetable

import (
	"sync"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

// PageTable is one allocation's contiguous sequence of *PageEntry, the
// arena holding the entries (Design Note 9's "pointer graph ->
// arena-plus-index" guidance: PageEntry.owner is a NodeID, never a
// pointer, and a table's entries are looked up by index, never chased
// through a pointer graph).
type PageTable struct {
	BaseAddr    uintptr
	TotalSize   uintptr
	NumPages    int
	StartPageID dsmtypes.PageID

	entries []*PageEntry

	tableMu  sync.Mutex
	refCount int32
	unlinked bool
}

// New creates a table of ceil(size/PageSize) entries. Local tables pass
// their own start_page_id (drawn from the allocating node's local-slot
// counter); remote tables (built in response to an AllocNotify) pass the
// originator's start_page_id so lookups by global id agree cluster-wide.
func New(base uintptr, size uintptr, startPageID dsmtypes.PageID) *PageTable {
	numPages := int((size + dsmtypes.PageSize - 1) / dsmtypes.PageSize)
	t := &PageTable{
		BaseAddr:    base,
		TotalSize:   size,
		NumPages:    numPages,
		StartPageID: startPageID,
		entries:     make([]*PageEntry, numPages),
		refCount:    1, // the creator's reference
	}
	for i := 0; i < numPages; i++ {
		addr := base + uintptr(i)*dsmtypes.PageSize
		t.entries[i] = NewEntry(startPageID+dsmtypes.PageID(i), addr)
	}
	return t
}

// Acquire increments the refcount so dsm_free on another goroutine can't
// free the table out from under an in-flight fault handler.
func (t *PageTable) Acquire() bool {
	t.tableMu.Lock()
	defer t.tableMu.Unlock()
	if t.unlinked && t.refCount == 0 {
		return false
	}
	t.refCount++
	return true
}

// Release decrements the refcount; the caller that drops it to zero is
// responsible for actually unmapping the OS region (done by the
// allocator, which owns the mmap handle).
func (t *PageTable) Release() (reachedZero bool) {
	t.tableMu.Lock()
	defer t.tableMu.Unlock()
	t.refCount--
	return t.refCount <= 0
}

// Unlink marks the table as removed from the context so new lookups stop
// finding it, without touching the refcount — in-flight handlers that
// already hold a reference keep running.
func (t *PageTable) Unlink() {
	t.tableMu.Lock()
	t.unlinked = true
	t.tableMu.Unlock()
}

func (t *PageTable) IsUnlinked() bool {
	t.tableMu.Lock()
	defer t.tableMu.Unlock()
	return t.unlinked
}

// LookupByAddr is O(1): subtract base, divide by page size.
func (t *PageTable) LookupByAddr(addr uintptr) (*PageEntry, bool) {
	if addr < t.BaseAddr || addr >= t.BaseAddr+t.TotalSize {
		return nil, false
	}
	idx := int((addr - t.BaseAddr) / dsmtypes.PageSize)
	if idx < 0 || idx >= len(t.entries) {
		return nil, false
	}
	return t.entries[idx], true
}

// LookupByID is O(1): subtract start_page_id.
func (t *PageTable) LookupByID(id dsmtypes.PageID) (*PageEntry, bool) {
	if id < t.StartPageID {
		return nil, false
	}
	idx := int(id - t.StartPageID)
	if idx < 0 || idx >= len(t.entries) {
		return nil, false
	}
	return t.entries[idx], true
}

func (t *PageTable) Entries() []*PageEntry {
	return t.entries
}

func (t *PageTable) EndPageID() dsmtypes.PageID {
	return t.StartPageID + dsmtypes.PageID(t.NumPages)
}
