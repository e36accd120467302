// Package migration implements the SWMR page-coherence state machine:
// fetch_for_read, fetch_for_write, and the peer-side handlers that answer
// PageRequest/Invalidate/DirQuery from other nodes. The "try the fast
// local path, miss => fetch from the owner, populate, retry" shape
// generalizes block-device/pkg/overlay/overlay.go's cache/base-layer
// lookup into this runtime's entry/owner lookup.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/e2b-dev/infra/packages/dsm/internal/directory"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmlog"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/pagetable"
	"github.com/e2b-dev/infra/packages/dsm/internal/permission"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// Sender is the narrow transport capability this engine needs.
type Sender interface {
	Send(id dsmtypes.NodeID, msg wire.Message) error
}

// FailureChecker lets the engine ask the transport layer whether a node has
// been declared failed by the heartbeat monitor, for the timeout-with-
// owner-failed recovery path.
type FailureChecker interface {
	IsFailed(id dsmtypes.NodeID) bool
}

// Tables resolves addresses and page ids to their owning table/entry.
type Tables interface {
	LookupTable(addr uintptr) (*pagetable.PageTable, bool)
	LookupTableByPage(id dsmtypes.PageID) (*pagetable.PageTable, bool)
}

// Engine runs the coherence protocol for one node. It is authoritative over
// the directory when this node is the manager or has been promoted to it;
// otherwise directory lookups go over the wire via DirQuery/DirReply.
type Engine struct {
	nodeID dsmtypes.NodeID
	cfg    dsmtypes.Config
	tables Tables
	dir    *directory.Directory
	send   Sender
	failed FailureChecker
	stats  *dsmtypes.Stats

	mu           sync.RWMutex
	isAuthority  bool // true on the manager, and on the backup after promotion
	manager      dsmtypes.NodeID

	dq *dirQueryTracker
	sq *sharerQueryTracker
}

// New builds an Engine. isAuthority is true iff this node currently owns
// the live directory (the manager initially; the backup after promotion).
func New(nodeID dsmtypes.NodeID, cfg dsmtypes.Config, tables Tables, dir *directory.Directory, send Sender, failed FailureChecker, stats *dsmtypes.Stats, isAuthority bool, manager dsmtypes.NodeID) *Engine {
	return &Engine{
		nodeID:      nodeID,
		cfg:         cfg,
		tables:      tables,
		dir:         dir,
		send:        send,
		failed:      failed,
		stats:       stats,
		isAuthority: isAuthority,
		manager:     manager,
		dq:          newDirQueryTracker(),
		sq:          newSharerQueryTracker(),
	}
}

// SetAuthority flips this node into (or out of) directory authority —
// called by the failover package at promotion.
func (e *Engine) SetAuthority(v bool) {
	e.mu.Lock()
	e.isAuthority = v
	e.mu.Unlock()
}

// SetManager updates which node this engine treats as the directory
// authority for remote queries — called on ManagerPromotion.
func (e *Engine) SetManager(id dsmtypes.NodeID) {
	e.mu.Lock()
	e.manager = id
	e.mu.Unlock()
}

func (e *Engine) manageAuthority() (bool, dsmtypes.NodeID) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isAuthority, e.manager
}

// queryOwner resolves id's current owner, either from the local directory
// (if authoritative) or via a DirQuery/DirReply round trip to the manager.
func (e *Engine) queryOwner(ctx context.Context, id dsmtypes.PageID) (dsmtypes.NodeID, error) {
	isAuthority, manager := e.manageAuthority()
	if isAuthority {
		return e.dir.LookupOwner(id), nil
	}

	wait := e.dq.begin(id)
	if err := e.send.Send(manager, &wire.DirQuery{PageID: id, Requester: e.nodeID}); err != nil {
		e.dq.cancel(id, wait)
		return dsmtypes.NoNode, err
	}

	select {
	case owner := <-wait:
		return owner, nil
	case <-ctx.Done():
		e.dq.cancel(id, wait)
		return dsmtypes.NoNode, dsmtypes.ErrTimeout
	}
}

// FetchForRead resolves entry/table for addr and fetches a read-only copy
// of the page if this node doesn't already hold at least ReadOnly access.
func (e *Engine) FetchForRead(ctx context.Context, addr uintptr) error {
	table, entry, err := e.resolve(addr)
	if err != nil {
		return err
	}
	if !table.Acquire() {
		return fmt.Errorf("migration: table unlinked: %w", dsmtypes.ErrNotFound)
	}
	defer table.Release()

	return e.fetchForRead(ctx, table, entry)
}

func (e *Engine) fetchForRead(ctx context.Context, table *pagetable.PageTable, entry *pagetable.PageEntry) error {
	if entry.State() != pagetable.Invalid {
		return nil
	}

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		owner, err := e.queryOwner(ctx, entry.ID)
		if err != nil {
			return err
		}
		if owner == e.nodeID {
			if err := permission.ApplyToEntry(entry, permission.Read); err != nil {
				return err
			}
			return nil
		}

		deadlineCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadFetchTimeout)
		err = e.requestPage(deadlineCtx, entry, owner, wire.AccessRead)
		cancel()
		if err == nil {
			e.stats.PagesFetched.Add(1)
			return nil
		}
		if err == errRetry {
			continue
		}
		if err == dsmtypes.ErrTimeout && e.failed.IsFailed(owner) {
			e.dir.ReclaimOwnership(entry.ID, e.nodeID)
			if err := e.zeroAndGrant(entry, permission.Read, pagetable.ReadOnly); err != nil {
				return err
			}
			e.stats.OwnershipReclamations.Add(1)
			return nil
		}
		if !errorKind(err).IsTransient() {
			return err
		}
		backoff(attempt)
	}
	return dsmtypes.ErrTimeout
}

// FetchForWrite resolves entry/table for addr and upgrades this node to
// ReadWrite, invalidating every sharer first.
func (e *Engine) FetchForWrite(ctx context.Context, addr uintptr) error {
	table, entry, err := e.resolve(addr)
	if err != nil {
		return err
	}
	if !table.Acquire() {
		return fmt.Errorf("migration: table unlinked: %w", dsmtypes.ErrNotFound)
	}
	defer table.Release()

	return e.fetchForWrite(ctx, table, entry)
}

func (e *Engine) fetchForWrite(ctx context.Context, table *pagetable.PageTable, entry *pagetable.PageEntry) error {
	if entry.State() == pagetable.ReadWrite {
		return nil
	}

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		owner, err := e.queryOwner(ctx, entry.ID)
		if err != nil {
			return err
		}

		invalidate := e.dir.SetWriter(entry.ID, e.nodeID)
		e.invalidateSharers(entry.ID, invalidate)

		if owner != e.nodeID {
			deadlineCtx, cancel := context.WithTimeout(ctx, e.cfg.WriteFetchTimeout)
			err = e.requestPage(deadlineCtx, entry, owner, wire.AccessWrite)
			cancel()
			if err == errRetry {
				continue
			}
			if err == dsmtypes.ErrTimeout && e.failed.IsFailed(owner) {
				e.dir.ReclaimOwnership(entry.ID, e.nodeID)
				if err := e.zeroAndGrant(entry, permission.ReadWrite, pagetable.ReadWrite); err != nil {
					return err
				}
				e.finishWrite(entry)
				e.stats.OwnershipReclamations.Add(1)
				return nil
			}
			if err != nil {
				if errorKind(err).IsTransient() {
					backoff(attempt)
					continue
				}
				return err
			}
		} else {
			if err := permission.ApplyToEntry(entry, permission.ReadWrite); err != nil {
				return err
			}
		}

		e.finishWrite(entry)
		return nil
	}
	return dsmtypes.ErrTimeout
}

func (e *Engine) finishWrite(entry *pagetable.PageEntry) {
	entry.Lock()
	entry.SetStateLocked(pagetable.ReadWrite)
	entry.SetOwnerLocked(e.nodeID)
	entry.Unlock()

	isAuthority, manager := e.manageAuthority()
	if !isAuthority {
		_ = e.send.Send(manager, &wire.OwnerUpdate{PageID: entry.ID, NewOwner: e.nodeID})
	}
}

// invalidateSharers fans Invalidate out to every node in list and waits
// (bounded, best-effort) for every InvalidateAck, per spec.md section 4.H
// step 5-6: the sharer set is cleared regardless of whether every ack
// arrived in time.
func (e *Engine) invalidateSharers(id dsmtypes.PageID, list []dsmtypes.NodeID) {
	table, ok := e.tables.LookupTableByPage(id)
	if !ok {
		e.dir.ClearSharers(id)
		return
	}
	entry, ok := table.LookupByID(id)
	if !ok {
		e.dir.ClearSharers(id)
		return
	}

	done := entry.InitInvalidationAcks(int32(len(list)))
	for _, n := range list {
		if e.failed.IsFailed(n) {
			entry.AckInvalidation()
			continue
		}
		if err := e.send.Send(n, &wire.Invalidate{PageID: id, NewOwner: e.nodeID}); err != nil {
			entry.AckInvalidation()
			continue
		}
		e.stats.InvalidationsSent.Add(1)
	}

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
	e.dir.ClearSharers(id)
}

// requestPage sends PageRequest to owner and waits for the entry's fetch
// to complete (either this call claims the pending slot and sends, or
// joins an already in-flight fetch — at most one PageRequest per entry is
// ever in flight, the anti-thundering-herd invariant).
func (e *Engine) requestPage(ctx context.Context, entry *pagetable.PageEntry, owner dsmtypes.NodeID, access wire.AccessKind) error {
	wait, claimed := entry.BeginFetch()
	if claimed {
		if err := e.send.Send(owner, &wire.PageRequest{PageID: entry.ID, Access: access, Requester: e.nodeID}); err != nil {
			entry.FinishFetch(err)
			return err
		}
	} else {
		entry.Join()
		defer entry.Leave()
	}

	select {
	case <-wait:
		if err := entry.FetchResult(); err != nil {
			if err == dsmtypes.ErrInvalid {
				return errRetry
			}
			return err
		}
		return nil
	case <-ctx.Done():
		return dsmtypes.ErrTimeout
	}
}

// zeroAndGrant is used only on the ownership-reclamation path (the prior
// owner timed out and was declared failed, so there is no page data left
// to fetch — spec.md section 4.H steps 5/7). It always grants RW first so
// the zeroing write itself doesn't fault, then narrows to the requested
// level, the same "grant RW for the copy, then restore" shape PageReply's
// handler uses for a live fetch.
func (e *Engine) zeroAndGrant(entry *pagetable.PageEntry, level permission.Level, state pagetable.State) error {
	if err := permission.ApplyToEntry(entry, permission.ReadWrite); err != nil {
		return err
	}
	zero(entry.LocalAddr)
	if level != permission.ReadWrite {
		if err := permission.ApplyToEntry(entry, level); err != nil {
			return err
		}
	}
	entry.Lock()
	entry.SetStateLocked(state)
	entry.SetOwnerLocked(e.nodeID)
	entry.SetVersionLocked(entry.VersionLocked() + 1)
	entry.Unlock()
	return nil
}

func (e *Engine) resolve(addr uintptr) (*pagetable.PageTable, *pagetable.PageEntry, error) {
	table, ok := e.tables.LookupTable(addr)
	if !ok {
		return nil, nil, fmt.Errorf("migration: no allocation contains address %#x: %w", addr, dsmtypes.ErrNotFound)
	}
	entry, ok := table.LookupByAddr(addr)
	if !ok {
		return nil, nil, fmt.Errorf("migration: no page entry for address %#x: %w", addr, dsmtypes.ErrNotFound)
	}
	return table, entry, nil
}

// errRetry is a sentinel distinguishing "retry this fetch" (a stale-owner
// Error{Invalid}) from every other error path; it never escapes this
// package.
var errRetry = fmt.Errorf("migration: retry")

func errorKind(err error) dsmtypes.ErrorKind {
	if k, ok := err.(dsmtypes.ErrorKind); ok {
		return k
	}
	return dsmtypes.ErrNetwork
}

func backoff(attempt int) {
	time.Sleep(time.Duration(100*(attempt+1)) * time.Millisecond)
}

// logEntry is a small helper so handlers.go's peer-side code can log
// without every call site repeating the same two zap.Field constructors.
func logEntry(msg string, id dsmtypes.PageID, peer dsmtypes.NodeID) {
	dsmlog.L().Debug(msg, dsmlog.WithPage(id), dsmlog.WithNode(peer))
}
