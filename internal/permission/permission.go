//go:build linux

// Package permission wraps the OS page-protection primitive
// (golang.org/x/sys/unix.Mprotect) and reflects the resulting state into a
// PageEntry. golang.org/x/sys/unix is used here rather than the teacher's
// edsrzf/mmap-go, which only models whole-region remap-to-change-protection
// and has no API for an in-place mprotect transition on a fixed, already
// mapped, shared anonymous region — exactly what every coherence
// transition in this runtime needs (see DESIGN.md).
package permission

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/pagetable"
)

// Level mirrors pagetable.State but names the OS-facing concept: the
// protection to apply, independent of whatever PageEntry bookkeeping the
// caller also wants updated.
type Level int

const (
	None Level = iota
	Read
	ReadWrite
)

func (l Level) prot() int {
	switch l {
	case None:
		return unix.PROT_NONE
	case Read:
		return unix.PROT_READ
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	default:
		return unix.PROT_NONE
	}
}

func (l Level) toState() pagetable.State {
	switch l {
	case None:
		return pagetable.Invalid
	case Read:
		return pagetable.ReadOnly
	case ReadWrite:
		return pagetable.ReadWrite
	default:
		return pagetable.Invalid
	}
}

// alignedSlice builds the []byte unix.Mprotect wants from a raw address
// and length, without ever copying the underlying page.
func alignedSlice(addr uintptr, length uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length))
}

// Apply changes the OS protection on the page-aligned region starting at
// addr and reflects the resulting level into entry's state (entry may be
// nil, e.g. when called for a page this process doesn't have an entry for
// yet — the protection change still happens, per spec.md section 4.E).
func Apply(addr uintptr, length uintptr, level Level, entry *pagetable.PageEntry) error {
	if addr%dsmtypes.PageSize != 0 {
		return fmt.Errorf("permission: address %#x is not page-aligned: %w", addr, dsmtypes.ErrPermission)
	}

	if err := unix.Mprotect(alignedSlice(addr, length), level.prot()); err != nil {
		return fmt.Errorf("permission: mprotect(%#x, %d, %v): %w: %w", addr, length, level, err, dsmtypes.ErrPermission)
	}

	if entry != nil {
		entry.Lock()
		entry.SetStateLocked(level.toState())
		entry.Unlock()
	}

	return nil
}

// ApplyToEntry is the common single-page case: length is always
// dsmtypes.PageSize and the entry, if present, is updated under its own
// lock by Apply.
func ApplyToEntry(entry *pagetable.PageEntry, level Level) error {
	var addr uintptr
	if entry != nil {
		addr = entry.LocalAddr
	}
	return Apply(addr, dsmtypes.PageSize, level, entry)
}
