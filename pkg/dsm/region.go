package dsm

import (
	"context"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/fault"
	"github.com/e2b-dev/infra/packages/dsm/internal/pagetable"
)

// Region is a live allocation's handle: the base address a caller reads and
// writes through, and the Context it belongs to. Every Load*/Store* call
// drives the coherence protocol first (Open Question 1: Load* ensures
// fetch_for_read, Store* ensures fetch_for_write), so the byte access itself
// is never the thing that observes a SIGSEGV in the ordinary path — only a
// revoked-permission race between the ensure step and the access does, and
// that is exactly what internal/fault.Guard retries once.
type Region struct {
	ctx   *Context
	table *pagetable.PageTable
}

func newRegion(c *Context, t *pagetable.PageTable) *Region {
	return &Region{ctx: c, table: t}
}

// Base returns the region's starting virtual address.
func (r *Region) Base() uintptr { return r.table.BaseAddr }

// Size returns the region's total byte length.
func (r *Region) Size() uintptr { return r.table.TotalSize }

func (r *Region) checkRange(offset, length uintptr) error {
	if offset+length > r.table.TotalSize {
		return fmt.Errorf("dsm: offset %d length %d exceeds region size %d: %w", offset, length, r.table.TotalSize, dsmtypes.ErrInvalid)
	}
	return nil
}

func (r *Region) ensureRead(ctx context.Context, addr uintptr) func() error {
	return func() error {
		r.ctx.stats.PageFaults.Add(1)
		r.ctx.stats.ReadFaults.Add(1)
		return r.ctx.engine.FetchForRead(ctx, addr)
	}
}

func (r *Region) ensureWrite(ctx context.Context, addr uintptr) func() error {
	return func() error {
		r.ctx.stats.PageFaults.Add(1)
		r.ctx.stats.WriteFaults.Add(1)
		return r.ctx.engine.FetchForWrite(ctx, addr)
	}
}

func byteSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// LoadBytes copies length bytes starting at offset into a freshly allocated
// slice, after ensuring read access to every page the range spans.
func (r *Region) LoadBytes(ctx context.Context, offset uintptr, length uintptr) ([]byte, error) {
	if err := r.checkRange(offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	err := r.forEachPage(offset, length, func(pageOff, segOff, segLen uintptr) error {
		addr := r.table.BaseAddr + pageOff
		return fault.Guard(r.ensureRead(ctx, addr), func() {
			copy(out[segOff:segOff+segLen], byteSlice(addr, int(segLen)))
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StoreBytes writes data at offset, after ensuring write access to every
// page the range spans.
func (r *Region) StoreBytes(ctx context.Context, offset uintptr, data []byte) error {
	length := uintptr(len(data))
	if err := r.checkRange(offset, length); err != nil {
		return err
	}
	return r.forEachPage(offset, length, func(pageOff, segOff, segLen uintptr) error {
		addr := r.table.BaseAddr + pageOff
		return fault.Guard(r.ensureWrite(ctx, addr), func() {
			copy(byteSlice(addr, int(segLen)), data[segOff:segOff+segLen])
		})
	})
}

// forEachPage splits [offset, offset+length) into per-page segments, since
// an access spanning two pages needs independent fault handling for each.
func (r *Region) forEachPage(offset, length uintptr, fn func(pageOff, segOff, segLen uintptr) error) error {
	end := offset + length
	for cur := offset; cur < end; {
		pageBase := (cur / dsmtypes.PageSize) * dsmtypes.PageSize
		pageEnd := pageBase + dsmtypes.PageSize
		segEnd := end
		if pageEnd < segEnd {
			segEnd = pageEnd
		}
		segLen := segEnd - cur
		if err := fn(pageBase, cur-offset, segLen); err != nil {
			return err
		}
		cur = segEnd
	}
	return nil
}

// Load32 reads one little-endian uint32 at offset.
func (r *Region) Load32(ctx context.Context, offset uintptr) (uint32, error) {
	b, err := r.LoadBytes(ctx, offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Store32 writes one little-endian uint32 at offset.
func (r *Region) Store32(ctx context.Context, offset uintptr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return r.StoreBytes(ctx, offset, b[:])
}

// Load64 reads one little-endian uint64 at offset.
func (r *Region) Load64(ctx context.Context, offset uintptr) (uint64, error) {
	b, err := r.LoadBytes(ctx, offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Store64 writes one little-endian uint64 at offset.
func (r *Region) Store64(ctx context.Context, offset uintptr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return r.StoreBytes(ctx, offset, b[:])
}

// Load8 reads one byte at offset.
func (r *Region) Load8(ctx context.Context, offset uintptr) (byte, error) {
	b, err := r.LoadBytes(ctx, offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Store8 writes one byte at offset.
func (r *Region) Store8(ctx context.Context, offset uintptr, v byte) error {
	return r.StoreBytes(ctx, offset, []byte{v})
}
