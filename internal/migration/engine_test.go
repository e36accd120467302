//go:build linux

package migration

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/dsm/internal/directory"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/pagetable"
	"github.com/e2b-dev/infra/packages/dsm/internal/permission"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// mmapPage reserves one real, page-aligned page so permission.Apply's
// mprotect calls have a legitimate mapping to operate on.
func mmapPage(t *testing.T) uintptr {
	t.Helper()
	data, err := unix.Mmap(-1, 0, int(dsmtypes.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(data) })
	return uintptr(unsafe.Pointer(&data[0]))
}

type fakeTables struct {
	table *pagetable.PageTable
}

func (f *fakeTables) LookupTable(addr uintptr) (*pagetable.PageTable, bool) {
	if addr < f.table.BaseAddr || addr >= f.table.BaseAddr+f.table.TotalSize {
		return nil, false
	}
	return f.table, true
}

func (f *fakeTables) LookupTableByPage(id dsmtypes.PageID) (*pagetable.PageTable, bool) {
	if id < f.table.StartPageID || id >= f.table.EndPageID() {
		return nil, false
	}
	return f.table, true
}

type fakeFailureChecker struct{ failed map[dsmtypes.NodeID]bool }

func (f *fakeFailureChecker) IsFailed(id dsmtypes.NodeID) bool { return f.failed[id] }

// bus routes Send calls directly to the peer engine's registered handlers,
// simulating the transport dispatcher without an actual socket. Each engine
// gets its own busSender so the handler on the receiving end sees the real
// sender id as "peer", exactly as transport.Dispatcher.Serve would supply it
// from the frame header.
type bus struct {
	engines map[dsmtypes.NodeID]*Engine
}

type busSender struct {
	b    *bus
	self dsmtypes.NodeID
}

func (s *busSender) Send(id dsmtypes.NodeID, msg wire.Message) error {
	e, ok := s.b.engines[id]
	if !ok {
		return dsmtypes.ErrNetwork
	}
	from := s.self
	go dispatch(e, from, msg)
	return nil
}

// dispatch calls the handler on e that Register would have wired for msg's
// type, looked up by concrete type rather than standing up a real
// transport.Dispatcher.
func dispatch(e *Engine, from dsmtypes.NodeID, msg wire.Message) {
	frame := wire.Frame{Payload: msg}
	switch msg.Type() {
	case wire.MsgPageRequest:
		e.handlePageRequest(from, frame)
	case wire.MsgPageReply:
		e.handlePageReply(from, frame)
	case wire.MsgInvalidate:
		e.handleInvalidate(from, frame)
	case wire.MsgInvalidateAck:
		e.handleInvalidateAck(from, frame)
	case wire.MsgDirQuery:
		e.handleDirQuery(from, frame)
	case wire.MsgDirReply:
		e.handleDirReply(from, frame)
	case wire.MsgOwnerUpdate:
		e.handleOwnerUpdate(from, frame)
	case wire.MsgError:
		e.handleError(from, frame)
	}
}

func testConfig() dsmtypes.Config {
	return dsmtypes.Config{
		MaxRetries:        2,
		ReadFetchTimeout:  time.Second,
		WriteFetchTimeout: time.Second,
	}
}

func TestFetchForReadNoopWhenAlreadyOwner(t *testing.T) {
	addr := mmapPage(t)
	table := pagetable.New(addr, dsmtypes.PageSize, 1)
	dir := directory.New()
	dir.SetOwner(1, 7)

	e := New(7, testConfig(), &fakeTables{table: table}, dir, nil, &fakeFailureChecker{}, &dsmtypes.Stats{}, true, 0)

	require.NoError(t, e.FetchForRead(context.Background(), addr))
	entry, _ := table.LookupByAddr(addr)
	assert.Equal(t, pagetable.ReadOnly, entry.State())
}

func TestFetchForReadFetchesFromRemoteOwner(t *testing.T) {
	ownerAddr := mmapPage(t)
	ownerTable := pagetable.New(ownerAddr, dsmtypes.PageSize, 1)
	ownerDir := directory.New()
	ownerDir.SetOwner(1, 0)

	requesterAddr := mmapPage(t)
	requesterTable := pagetable.New(requesterAddr, dsmtypes.PageSize, 1)
	requesterDir := directory.New()
	requesterDir.SetOwner(1, 0)

	b := &bus{engines: map[dsmtypes.NodeID]*Engine{}}
	stats := &dsmtypes.Stats{}

	owner := New(0, testConfig(), &fakeTables{table: ownerTable}, ownerDir, &busSender{b: b, self: 0}, &fakeFailureChecker{}, stats, true, 0)
	requester := New(1, testConfig(), &fakeTables{table: requesterTable}, requesterDir, &busSender{b: b, self: 1}, &fakeFailureChecker{}, stats, false, 0)

	b.engines[0] = owner
	b.engines[1] = requester

	ownerEntry, _ := ownerTable.LookupByAddr(ownerAddr)
	require.NoError(t, permission.ApplyToEntry(ownerEntry, permission.ReadWrite))
	ownerEntry.Lock()
	ownerEntry.SetOwnerLocked(0)
	ownerEntry.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, requester.FetchForRead(ctx, requesterAddr))

	entry, _ := requesterTable.LookupByAddr(requesterAddr)
	assert.Equal(t, pagetable.ReadOnly, entry.State())
	assert.EqualValues(t, 1, stats.PagesFetched.Load())
}

func TestFetchForWriteByLocalOwnerGrantsReadWrite(t *testing.T) {
	addr := mmapPage(t)
	table := pagetable.New(addr, dsmtypes.PageSize, 1)
	dir := directory.New()
	dir.SetOwner(1, 5)

	e := New(5, testConfig(), &fakeTables{table: table}, dir, nil, &fakeFailureChecker{}, &dsmtypes.Stats{}, true, 0)

	require.NoError(t, e.FetchForWrite(context.Background(), addr))
	entry, _ := table.LookupByAddr(addr)
	assert.Equal(t, pagetable.ReadWrite, entry.State())
	assert.Equal(t, dsmtypes.NodeID(5), dir.LookupOwner(1))
}

func TestFetchForReadReclaimsOwnershipAfterOwnerFailure(t *testing.T) {
	addr := mmapPage(t)
	table := pagetable.New(addr, dsmtypes.PageSize, 1)
	dir := directory.New()
	dir.SetOwner(1, 9) // owner 9 is unreachable and will be declared failed

	cfg := testConfig()
	cfg.ReadFetchTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0

	e := New(3, cfg, &fakeTables{table: table}, dir, &droppingSender{}, &fakeFailureChecker{failed: map[dsmtypes.NodeID]bool{9: true}}, &dsmtypes.Stats{}, true, 0)

	require.NoError(t, e.FetchForRead(context.Background(), addr))
	entry, _ := table.LookupByAddr(addr)
	assert.Equal(t, pagetable.ReadOnly, entry.State())
	assert.Equal(t, dsmtypes.NodeID(3), dir.LookupOwner(1))
	assert.EqualValues(t, 1, e.stats.OwnershipReclamations.Load())
}

// droppingSender accepts every Send but never answers, simulating a dead
// peer for the timeout-then-reclaim path.
type droppingSender struct{}

func (droppingSender) Send(dsmtypes.NodeID, wire.Message) error { return nil }
