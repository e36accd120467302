//go:build linux

// Package allocator owns the single virtual address space (SVAS): the
// mmap reservation every node's page tables are carved out of, the local
// slot counter that hands out non-colliding page-id ranges, and the
// allocation broadcast's acknowledgement tracker. The slot-bookkeeping
// bitset is the same github.com/bits-and-blooms/bitset the teacher uses
// for "which slot is free" in block-storage/pkg/nbd/pool.go's
// NbdDevicePool; the ack tracker generalizes that file's ReleaseDevice
// ticker-and-context poll loop into an event-driven countdown, since here
// the thing being waited for (an AllocAck) arrives as a message rather
// than a filesystem state change.
package allocator

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/pagetable"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// byteSliceAt builds the []byte golang.org/x/sys/unix's mmap/mprotect/munmap
// wrappers want from a raw address and length, without copying the
// underlying pages.
func byteSliceAt(addr uintptr, length int) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// mmapFixed maps length bytes at the exact virtual address addr. The x/sys
// unix package's Mmap wrapper has no address parameter (mmap(2)'s addr
// hint is always 0), so the fixed-address form is called directly via the
// raw syscall, the same way the teacher's uffd-facing code in the broader
// pack drops to unix.Syscall for ioctls libc's wrapper doesn't expose.
//
// Every allocation in this package is a sub-range of one larger reservation
// (the per-node SVAS span, or a single remote AllocNotify region) that gets
// individually mprotect'd and, on Free, individually unmapped. x/sys/unix's
// Mmap/Munmap wrappers track whole-region mappings in an internal table and
// reject a munmap whose address wasn't returned by their own Mmap, so this
// package talks to the raw mmap/munmap syscalls throughout instead — the
// kernel itself is happy to partially unmap or reprotect a sub-range of a
// larger mapping; only the x/sys bookkeeping is not.
func mmapFixed(addr uintptr, length int, prot int, flags int) error {
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return errno
	}
	if r1 != addr {
		// The kernel honored MAP_FIXED but mmap's own return-value contract
		// is to echo back the address on success; anything else means the
		// call silently mapped somewhere else, which must never happen for
		// an SVAS region.
		_, _, _ = unix.Syscall6(unix.SYS_MUNMAP, r1, uintptr(length), 0, 0, 0, 0)
		return fmt.Errorf("allocator: kernel mapped %#x instead of requested %#x", r1, addr)
	}
	return nil
}

// mmapAnon reserves length bytes of anonymous memory at a kernel-chosen
// address, the raw-syscall equivalent of unix.Mmap used so the resulting
// address can later be punched into sub-ranges by munmapRange without
// tripping x/sys/unix's own mapping bookkeeping.
func mmapAnon(length int, prot int, flags int) (uintptr, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, uintptr(length), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

func munmapRange(addr uintptr, length int) error {
	_, _, errno := unix.Syscall6(unix.SYS_MUNMAP, addr, uintptr(length), 0, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// MaxSlotsPerNode bounds how many live allocations one node can own at
// once (spec.md: "up to 32 per node").
const MaxSlotsPerNode = 32

// svasRegionSize is the span of address space reserved per node's slot:
// enough for MaxPagesPerAllocation pages, so a slot's region never needs
// to grow once mapped.
const svasRegionSize = uintptr(dsmtypes.MaxPagesPerAllocation) * dsmtypes.PageSize

// Sender is the narrow transport capability the allocator needs: fan the
// AllocNotify out to every directly connected peer. The number it reports
// reaching is deliberately not used as the ack target — in the star
// topology a worker's Broadcast only ever reaches the manager directly, so
// the manager relays the notify on to the rest of the cluster and Alloc
// waits for numNodes-1 acks regardless of how many this node's own
// Broadcast call reached.
type Sender interface {
	Broadcast(ctx context.Context, msg wire.Message) (peers int, err error)
}

// RemoteAllocHandler is invoked once a remote allocation's page table has
// been built and mapped, so the caller (pkg/dsm's Context) can register it
// in its table list and install directory ownership. Kept as a callback
// rather than a direct dependency so this package never imports
// internal/directory.
type RemoteAllocHandler func(table *pagetable.PageTable, owner dsmtypes.NodeID)

// Allocator carves per-allocation regions out of a reserved SVAS span and
// tracks the ACKs a broadcast allocation is waiting on.
type Allocator struct {
	nodeID dsmtypes.NodeID
	sender Sender
	onRemoteAlloc RemoteAllocHandler

	mu      sync.Mutex
	slots   *bitset.BitSet
	tables  []*pagetable.PageTable // index == local slot, nil once freed
	svasBase uintptr

	ackMu    sync.Mutex
	acksLeft int32
	ackDone  chan struct{}
}

// New reserves this node's span of the SVAS (PROT_NONE until individual
// allocations mprotect their own pages) and returns an Allocator ready to
// serve Alloc/Free.
func New(nodeID dsmtypes.NodeID, sender Sender, onRemoteAlloc RemoteAllocHandler) (*Allocator, error) {
	total := svasRegionSize * uintptr(MaxSlotsPerNode)
	base, err := mmapAnon(int(total), unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "allocator: reserve SVAS span")
	}

	return &Allocator{
		nodeID:        nodeID,
		sender:        sender,
		onRemoteAlloc: onRemoteAlloc,
		slots:         bitset.New(MaxSlotsPerNode),
		tables:        make([]*pagetable.PageTable, MaxSlotsPerNode),
		svasBase:      base,
	}, nil
}

func (a *Allocator) slotBase(slot uint) uintptr {
	return a.svasBase + svasRegionSize*uintptr(slot)
}

// Alloc reserves a local slot, mprotects it RW for this (the owning) node,
// builds its page table and — if the cluster has more than one member —
// broadcasts AllocNotify and blocks until every peer has ACKed or the
// allocation-ACK deadline passes.
func (a *Allocator) Alloc(ctx context.Context, size uintptr, numNodes int) (*pagetable.PageTable, error) {
	numPages := (size + dsmtypes.PageSize - 1) / dsmtypes.PageSize
	if numPages == 0 {
		numPages = 1
	}
	if numPages > dsmtypes.MaxPagesPerAllocation {
		return nil, fmt.Errorf("allocator: %d pages exceeds max %d: %w", numPages, dsmtypes.MaxPagesPerAllocation, dsmtypes.ErrInvalid)
	}

	a.mu.Lock()
	slot, ok := a.slots.NextClear(0)
	if !ok || slot >= MaxSlotsPerNode {
		a.mu.Unlock()
		return nil, fmt.Errorf("allocator: no free slots on node %d: %w", a.nodeID, dsmtypes.ErrMemory)
	}
	a.slots.Set(slot)

	base := a.slotBase(slot)
	totalSize := numPages * dsmtypes.PageSize
	startPageID := dsmtypes.MakePageID(a.nodeID, uint32(slot), 0)

	if err := unix.Mprotect(byteSliceAt(base, totalSize), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		a.slots.Clear(slot)
		a.mu.Unlock()
		return nil, errors.Wrap(err, "allocator: mprotect new allocation")
	}

	table := pagetable.New(base, totalSize, startPageID)
	a.tables[slot] = table
	a.mu.Unlock()

	if numNodes <= 1 {
		return table, nil
	}

	notify := &wire.AllocNotify{
		StartPageID: startPageID,
		EndPageID:   table.EndPageID(),
		Owner:       a.nodeID,
		NumPages:    uint32(numPages),
		BaseAddr:    uint64(base),
		TotalSize:   uint64(totalSize),
	}

	if _, err := a.sender.Broadcast(ctx, notify); err != nil {
		return nil, errors.Wrap(err, "allocator: broadcast AllocNotify")
	}

	// Every other node in the cluster must ack, not just the peers this
	// node's own Broadcast directly reached — a worker's Broadcast only
	// reaches the manager in the star topology, and the manager relays the
	// notify (and forwards back every resulting ack) to the rest.
	if err := a.waitForAcks(ctx, numNodes-1); err != nil {
		return nil, errors.Wrap(err, "allocator: waiting for AllocAck")
	}

	return table, nil
}

func (a *Allocator) waitForAcks(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	a.ackMu.Lock()
	a.acksLeft = int32(n)
	done := make(chan struct{})
	a.ackDone = done
	a.ackMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return dsmtypes.ErrTimeout
	}
}

// HandleAllocAck feeds one peer's acknowledgement into the in-flight
// countdown, if any. Acks that arrive after the countdown has already
// been satisfied (a retransmit, a straggler past the deadline) are
// silently dropped.
func (a *Allocator) HandleAllocAck(_ dsmtypes.NodeID) {
	a.ackMu.Lock()
	defer a.ackMu.Unlock()
	if a.ackDone == nil || a.acksLeft <= 0 {
		return
	}
	a.acksLeft--
	if a.acksLeft <= 0 {
		close(a.ackDone)
		a.ackDone = nil
	}
}

// HandleAllocNotify is the peer side: map the originator's base_addr at
// the identical virtual address (MAP_FIXED_NOREPLACE so a collision is an
// error, not silent corruption of whatever already lived there), build a
// page table pinned to the originator's start_page_id, hand it to the
// registered RemoteAllocHandler, and reply with AllocAck.
func (a *Allocator) HandleAllocNotify(notify *wire.AllocNotify) (*wire.AllocAck, error) {
	base := uintptr(notify.BaseAddr)
	size := uintptr(notify.TotalSize)

	const mapFixedNoreplace = 0x100000 // MAP_FIXED_NOREPLACE, Linux-only, absent from x/sys/unix's constant table on some GOOS builds
	err := mmapFixed(base, int(size), unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_SHARED|mapFixedNoreplace)
	if err != nil {
		// The kernel this runs on may not understand MAP_FIXED_NOREPLACE;
		// fall back to a plain MAP_FIXED, accepting the (rare, in-practice
		// single-writer-per-VA) risk of clobbering an existing mapping at
		// that exact address.
		err = mmapFixed(base, int(size), unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_SHARED|unix.MAP_FIXED)
		if err != nil {
			return nil, errors.Wrapf(err, "allocator: map remote allocation at %#x", base)
		}
	}

	table := pagetable.New(base, size, notify.StartPageID)

	a.mu.Lock()
	a.tables = append(a.tables, table)
	a.mu.Unlock()

	if a.onRemoteAlloc != nil {
		a.onRemoteAlloc(table, notify.Owner)
	}

	return &wire.AllocAck{Start: notify.StartPageID, End: notify.EndPageID, Acker: a.nodeID}, nil
}

// Free unmaps addr's allocation and, if the allocation belongs to this
// node's own ID range, releases the local slot back to the bitset. It does
// not touch the directory; the caller clears the returned table's page
// range there.
func (a *Allocator) Free(addr uintptr) (*pagetable.PageTable, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, t := range a.tables {
		if t == nil || t.BaseAddr != addr {
			continue
		}
		t.Unlink()
		if t.Release() {
			if err := munmapRange(t.BaseAddr, int(t.TotalSize)); err != nil {
				return nil, errors.Wrap(err, "allocator: munmap freed allocation")
			}
		}
		if uint(i) < MaxSlotsPerNode && a.slots.Test(uint(i)) {
			a.slots.Clear(uint(i))
		}
		a.tables[i] = nil
		return t, nil
	}
	return nil, fmt.Errorf("allocator: %#x is not a live allocation base: %w", addr, dsmtypes.ErrNotFound)
}

// GetAllocation returns the i-th live allocation's base address.
func (a *Allocator) GetAllocation(i int) (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := 0
	for _, t := range a.tables {
		if t == nil {
			continue
		}
		if idx == i {
			return t.BaseAddr, true
		}
		idx++
	}
	return 0, false
}

// LookupTable returns the allocation owning addr, if any.
func (a *Allocator) LookupTable(addr uintptr) (*pagetable.PageTable, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tables {
		if t != nil && addr >= t.BaseAddr && addr < t.BaseAddr+t.TotalSize {
			return t, true
		}
	}
	return nil, false
}

// LookupTableByPage returns the allocation owning a global page id.
func (a *Allocator) LookupTableByPage(id dsmtypes.PageID) (*pagetable.PageTable, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tables {
		if t != nil && id >= t.StartPageID && id < t.EndPageID() {
			return t, true
		}
	}
	return nil, false
}
