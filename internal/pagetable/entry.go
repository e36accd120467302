// Package pagetable implements the per-allocation table of per-page
// entries: state, owner, version, and the coordination fields a fetch or
// invalidation needs to wait on. The mutex+condvar+"pending"+"result"
// quartet from the source collapses here into one sync.Mutex plus a tagged
// fetch phase signalled through a channel that's replaced per fetch and
// closed on completion, following Design Note 9.2 ("a tagged state behind
// one mutex... waiters loop until the state is Done or the deadline
// passes, then copy out the result before releasing"). A closed-channel
// rendezvous is used instead of sync.Cond so a timed wait is a plain
// select, with no helper goroutine needed per waiter.
package pagetable

import (
	"sync"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

// State is a page entry's local access permission.
type State int32

const (
	Invalid State = iota
	ReadOnly
	ReadWrite
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

// PageEntry is one 4 KiB page's coherence state.
type PageEntry struct {
	ID        dsmtypes.PageID
	LocalAddr uintptr

	mu sync.Mutex

	owner   dsmtypes.NodeID
	state   State
	version uint64

	pending    bool
	fetchDone  chan struct{}
	fetchErr   error
	numWaiting uint32

	pendingInvAcks int32
	invAcksDone    chan struct{}
}

// NewEntry constructs an entry at rest (Invalid, no owner known yet).
func NewEntry(id dsmtypes.PageID, addr uintptr) *PageEntry {
	return &PageEntry{ID: id, LocalAddr: addr, owner: dsmtypes.NoNode, state: Invalid}
}

func (e *PageEntry) Lock()   { e.mu.Lock() }
func (e *PageEntry) Unlock() { e.mu.Unlock() }

func (e *PageEntry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *PageEntry) Owner() dsmtypes.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

func (e *PageEntry) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// The *Locked accessors require the caller to already hold the entry's
// lock — used by the migration engine so a PageReply's state/owner/version
// update happens atomically in one critical section (Design Note 9.3, Open
// Question 3 resolved: the source updates state outside the lock in one
// path; here it never does).
func (e *PageEntry) SetStateLocked(s State)           { e.state = s }
func (e *PageEntry) SetOwnerLocked(n dsmtypes.NodeID)  { e.owner = n }
func (e *PageEntry) SetVersionLocked(v uint64)         { e.version = v }
func (e *PageEntry) StateLocked() State                { return e.state }
func (e *PageEntry) OwnerLocked() dsmtypes.NodeID      { return e.owner }
func (e *PageEntry) VersionLocked() uint64             { return e.version }

// BeginFetch claims the entry's single in-flight-fetch slot. If a fetch is
// already pending it returns the channel to wait on instead (claimed=false)
// — at most one PageRequest is ever in flight per entry.
func (e *PageEntry) BeginFetch() (wait <-chan struct{}, claimed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending {
		return e.fetchDone, false
	}

	e.pending = true
	e.fetchErr = nil
	e.fetchDone = make(chan struct{})
	return e.fetchDone, true
}

// Join registers as a waiter on an already-pending fetch (used by the
// num_waiting_threads counter) and returns the channel to select on.
func (e *PageEntry) Join() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.numWaiting++
	return e.fetchDone
}

func (e *PageEntry) Leave() {
	e.mu.Lock()
	e.numWaiting--
	e.mu.Unlock()
}

// FetchResult returns the published result of the most recently finished
// fetch; only meaningful after the fetchDone channel has been observed
// closed.
func (e *PageEntry) FetchResult() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetchErr
}

// FinishFetch publishes the result and wakes every waiter by closing the
// channel. Always clears the pending flag first, per spec.md section 7's
// timeout-cleanup ordering (clear pending, publish result, release).
func (e *PageEntry) FinishFetch(err error) {
	e.mu.Lock()
	e.pending = false
	e.fetchErr = err
	done := e.fetchDone
	e.mu.Unlock()
	close(done)
}

// NumWaiting reports how many goroutines are parked on this entry's fetch.
func (e *PageEntry) NumWaiting() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numWaiting
}

// InitInvalidationAcks arms the countdown a writer waits on while sharers
// ack an Invalidate, returning the channel that closes at zero.
func (e *PageEntry) InitInvalidationAcks(n int32) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingInvAcks = n
	e.invAcksDone = make(chan struct{})
	if n <= 0 {
		close(e.invAcksDone)
	}
	return e.invAcksDone
}

// AckInvalidation decrements the countdown, closing the channel once it
// reaches zero.
func (e *PageEntry) AckInvalidation() {
	e.mu.Lock()
	e.pendingInvAcks--
	reached := e.pendingInvAcks <= 0
	done := e.invAcksDone
	e.mu.Unlock()
	if reached && done != nil {
		select {
		case <-done:
			// already closed by InitInvalidationAcks's n<=0 fast path
		default:
			close(done)
		}
	}
}
