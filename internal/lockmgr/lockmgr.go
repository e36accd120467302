// Package lockmgr implements the centralized FIFO distributed lock of
// spec.md section 4.J: every lock lives at the manager (node 0); workers
// send LockRequest/LockRelease, the manager grants in strict arrival
// order. On the manager itself, "the client path is taken directly (local
// grant)" — Acquire funnels the manager's own request through the exact
// same request() queue as a remote LockRequest so FIFO ordering holds
// across local and remote callers alike.
package lockmgr

import (
	"context"
	"sync"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/transport"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

type Sender interface {
	Send(id dsmtypes.NodeID, msg wire.Message) error
}

type waiter struct {
	node       dsmtypes.NodeID
	localReady chan struct{} // non-nil only for a waiter that is this process itself
}

type lockState struct {
	mu     sync.Mutex
	exists bool
	held   bool
	holder dsmtypes.NodeID
	queue  []waiter
}

// Manager is both the manager-side lock table and the client-side request
// path; which half of its methods actually do anything depends on
// isManager.
type Manager struct {
	nodeID    dsmtypes.NodeID
	managerID dsmtypes.NodeID
	isManager bool
	send      Sender
	stats     *dsmtypes.Stats

	mu    sync.Mutex
	locks map[dsmtypes.LockID]*lockState

	pendMu  sync.Mutex
	pending map[dsmtypes.LockID]chan struct{}
}

func New(nodeID, managerID dsmtypes.NodeID, isManager bool, send Sender, stats *dsmtypes.Stats) *Manager {
	return &Manager{
		nodeID:    nodeID,
		managerID: managerID,
		isManager: isManager,
		send:      send,
		stats:     stats,
		locks:     make(map[dsmtypes.LockID]*lockState),
		pending:   make(map[dsmtypes.LockID]chan struct{}),
	}
}

// SetManager updates which node is treated as the lock authority — used
// after a ManagerPromotion.
func (m *Manager) SetManager(id dsmtypes.NodeID) { m.managerID = id }

// PromoteSelf flips this node into the manager role after promotion; the
// shadow lock table (replicated via StateSyncLock) is handed in as the
// starting state. Waiters queued behind a lock at the old manager are not
// recoverable and must re-Acquire.
func (m *Manager) PromoteSelf(shadow []Snapshot) {
	m.mu.Lock()
	m.isManager = true
	m.locks = make(map[dsmtypes.LockID]*lockState, len(shadow))
	m.mu.Unlock()
	for _, s := range shadow {
		m.ApplySnapshot(s)
	}
}

func (m *Manager) Register(d *transport.Dispatcher) {
	d.On(wire.MsgLockRequest, m.handleLockRequest)
	d.On(wire.MsgLockRelease, m.handleLockRelease)
	d.On(wire.MsgLockGrant, m.handleLockGrant)
}

// Snapshot is one replicated lock's holder state, used by the failover
// replicator; the FIFO wait queue itself is not replicated — after a
// promotion, waiters still blocked simply re-request against the new
// manager, which is observably FIFO-by-arrival-at-the-new-manager rather
// than FIFO-by-original-request, an acceptable approximation since the
// old manager is gone anyway.
type Snapshot struct {
	LockID dsmtypes.LockID
	Holder dsmtypes.NodeID
	Held   bool
}

func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	ids := make([]dsmtypes.LockID, 0, len(m.locks))
	states := make([]*lockState, 0, len(m.locks))
	for id, ls := range m.locks {
		ids = append(ids, id)
		states = append(states, ls)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	for i, ls := range states {
		ls.mu.Lock()
		out = append(out, Snapshot{LockID: ids[i], Holder: ls.holder, Held: ls.held})
		ls.mu.Unlock()
	}
	return out
}

// ApplySnapshot installs a replicated lock's holder state on the backup.
func (m *Manager) ApplySnapshot(s Snapshot) {
	ls := m.getOrCreate(s.LockID)
	ls.mu.Lock()
	ls.held = s.Held
	ls.holder = s.Holder
	ls.mu.Unlock()
}

func (m *Manager) getOrCreate(id dsmtypes.LockID) *lockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.locks[id]
	if !ok {
		ls = &lockState{exists: true, holder: dsmtypes.NoNode}
		m.locks[id] = ls
	}
	return ls
}

// Acquire blocks until id is granted to this node or ctx is done. A
// timeout here is a fatal operation error per spec.md section 5 (locks
// are not retried transparently; the caller decides).
func (m *Manager) Acquire(ctx context.Context, id dsmtypes.LockID) error {
	if m.isManager {
		ready := make(chan struct{})
		m.request(id, m.nodeID, ready)
		select {
		case <-ready:
			m.stats.LockAcquires.Add(1)
			return nil
		case <-ctx.Done():
			return dsmtypes.ErrTimeout
		}
	}

	ch := m.registerPending(id)
	if err := m.send.Send(m.managerID, &wire.LockRequest{LockID: id, Node: m.nodeID}); err != nil {
		m.cancelPending(id, ch)
		return err
	}

	select {
	case <-ch:
		m.stats.LockAcquires.Add(1)
		return nil
	case <-ctx.Done():
		m.cancelPending(id, ch)
		return dsmtypes.ErrTimeout
	}
}

// Release gives up id, granting the next FIFO waiter (if any).
func (m *Manager) Release(id dsmtypes.LockID) error {
	if m.isManager {
		m.release(id, m.nodeID)
		return nil
	}
	return m.send.Send(m.managerID, &wire.LockRelease{LockID: id, Node: m.nodeID})
}

// Destroy drops id's bookkeeping entirely; only meaningful on the manager,
// and only safe once the caller knows the lock is unheld (finalize-time
// teardown, per spec.md's lifecycle: "destroyed at finalize").
func (m *Manager) Destroy(id dsmtypes.LockID) {
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
}

func (m *Manager) request(id dsmtypes.LockID, node dsmtypes.NodeID, localReady chan struct{}) {
	ls := m.getOrCreate(id)
	ls.mu.Lock()
	if !ls.held {
		ls.held = true
		ls.holder = node
		ls.mu.Unlock()
		m.grant(node, id, localReady)
		return
	}
	ls.queue = append(ls.queue, waiter{node: node, localReady: localReady})
	ls.mu.Unlock()
}

func (m *Manager) release(id dsmtypes.LockID, node dsmtypes.NodeID) {
	ls := m.getOrCreate(id)
	ls.mu.Lock()
	if ls.holder != node {
		ls.mu.Unlock()
		return
	}
	if len(ls.queue) == 0 {
		ls.held = false
		ls.holder = dsmtypes.NoNode
		ls.mu.Unlock()
		return
	}
	next := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.holder = next.node
	ls.mu.Unlock()
	m.grant(next.node, id, next.localReady)
}

func (m *Manager) grant(node dsmtypes.NodeID, id dsmtypes.LockID, localReady chan struct{}) {
	if node == m.nodeID {
		close(localReady)
		return
	}
	_ = m.send.Send(node, &wire.LockGrant{LockID: id, Node: node})
}

func (m *Manager) registerPending(id dsmtypes.LockID) chan struct{} {
	ch := make(chan struct{})
	m.pendMu.Lock()
	m.pending[id] = ch
	m.pendMu.Unlock()
	return ch
}

func (m *Manager) cancelPending(id dsmtypes.LockID, ch chan struct{}) {
	m.pendMu.Lock()
	if m.pending[id] == ch {
		delete(m.pending, id)
	}
	m.pendMu.Unlock()
}

func (m *Manager) resolvePending(id dsmtypes.LockID) {
	m.pendMu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.pendMu.Unlock()
	if ok {
		close(ch)
	}
}

func (m *Manager) handleLockRequest(peer dsmtypes.NodeID, frame wire.Frame) {
	if !m.isManager {
		return
	}
	req := frame.Payload.(*wire.LockRequest)
	m.request(req.LockID, peer, nil)
}

func (m *Manager) handleLockRelease(peer dsmtypes.NodeID, frame wire.Frame) {
	if !m.isManager {
		return
	}
	rel := frame.Payload.(*wire.LockRelease)
	m.release(rel.LockID, peer)
}

func (m *Manager) handleLockGrant(_ dsmtypes.NodeID, frame wire.Frame) {
	g := frame.Payload.(*wire.LockGrant)
	m.resolvePending(g.LockID)
}
