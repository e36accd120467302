// Package barrier implements the centralized sense-reversing distributed
// barrier of spec.md section 4.K: every arrival funnels through the
// manager (node 0), which releases all participants once the expected
// count has arrived and then starts a fresh generation.
//
// The classic sense-reversing algorithm uses a single flag each waiter
// flips and compares against, so a late straggler from generation N can
// never be woken by generation N+1's release. The direct Go translation
// of that flag-flip is a fresh channel per generation: closing the
// current generation's channel wakes every waiter parked on it, and the
// next arrival allocates a brand new one, so there is no way for a stale
// waiter to observe a later generation's release. That replaces the
// counter-reset race the spec's flag-based version has to guard against by
// hand.
package barrier

import (
	"context"
	"sync"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/transport"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

type Sender interface {
	Send(id dsmtypes.NodeID, msg wire.Message) error
	Broadcast(ctx context.Context, msg wire.Message) (int, error)
}

type generation struct {
	arrived int
	release chan struct{}
}

// Manager is both the manager-side barrier table and the client-side wait
// path.
type Manager struct {
	nodeID    dsmtypes.NodeID
	managerID dsmtypes.NodeID
	isManager bool
	send      Sender
	stats     *dsmtypes.Stats

	mu         sync.Mutex
	gens       map[dsmtypes.BarrierID]*generation
	genCounter uint64 // bumped whenever any barrier completes, replicated for informational parity only

	pendMu  sync.Mutex
	pending map[dsmtypes.BarrierID]chan struct{}
}

// Snapshot is one in-flight barrier's arrival progress, replicated to the
// backup for visibility only — a promotion resets every generation
// (PromoteSelf) rather than trying to resume one exactly, since a channel
// cannot be serialized and a straggler re-arriving against the new
// manager is indistinguishable from a node that just arrived late.
type Snapshot struct {
	BarrierID    dsmtypes.BarrierID
	ArrivedCount uint32
	Generation   uint64
}

func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.gens))
	for id, g := range m.gens {
		out = append(out, Snapshot{BarrierID: id, ArrivedCount: uint32(g.arrived), Generation: m.genCounter})
	}
	return out
}

func New(nodeID, managerID dsmtypes.NodeID, isManager bool, send Sender, stats *dsmtypes.Stats) *Manager {
	return &Manager{
		nodeID:    nodeID,
		managerID: managerID,
		isManager: isManager,
		send:      send,
		stats:     stats,
		gens:      make(map[dsmtypes.BarrierID]*generation),
		pending:   make(map[dsmtypes.BarrierID]chan struct{}),
	}
}

func (m *Manager) SetManager(id dsmtypes.NodeID) { m.managerID = id }

// PromoteSelf flips this node into the manager role after a promotion.
// Generations in flight at the old manager are not carried over: the
// generation table starts empty, and participants still waiting re-arrive
// against it after reconnecting to the new manager.
func (m *Manager) PromoteSelf() {
	m.mu.Lock()
	m.isManager = true
	m.gens = make(map[dsmtypes.BarrierID]*generation)
	m.mu.Unlock()
}

func (m *Manager) Register(d *transport.Dispatcher) {
	d.On(wire.MsgBarrierArrive, m.handleBarrierArrive)
	d.On(wire.MsgBarrierRelease, m.handleBarrierRelease)
}

// Wait blocks until total participants (including this node) have called
// Wait on id, or ctx is done.
func (m *Manager) Wait(ctx context.Context, id dsmtypes.BarrierID, total uint32) error {
	if m.isManager {
		n, rel, released := m.arrive(id, m.nodeID, total)
		if released {
			m.release(id, n, total)
			return nil
		}
		select {
		case <-rel:
			return nil
		case <-ctx.Done():
			return dsmtypes.ErrTimeout
		}
	}

	ch := m.registerPending(id)
	if err := m.send.Send(m.managerID, &wire.BarrierArrive{BarrierID: id, Arriver: m.nodeID, NumParticipants: total}); err != nil {
		m.cancelPending(id, ch)
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.cancelPending(id, ch)
		return dsmtypes.ErrTimeout
	}
}

// arrive records one arrival for id's current generation and reports
// whether that arrival completed it.
func (m *Manager) arrive(id dsmtypes.BarrierID, _ dsmtypes.NodeID, total uint32) (n int, rel chan struct{}, released bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gens[id]
	if !ok {
		g = &generation{release: make(chan struct{})}
		m.gens[id] = g
	}
	g.arrived++
	n = g.arrived
	rel = g.release
	released = uint32(n) >= total
	if released {
		// Retire this generation now so the very next arrival (the start
		// of the next barrier instance) gets a fresh channel, and wake any
		// other local waiter parked on this generation's channel.
		delete(m.gens, id)
		m.genCounter++
		close(rel)
	}
	return n, rel, released
}

func (m *Manager) release(id dsmtypes.BarrierID, n int, total uint32) {
	_ = total
	m.stats.BarrierWaits.Add(int64(n))
	_, _ = m.send.Broadcast(context.Background(), &wire.BarrierRelease{BarrierID: id, NumArrived: uint32(n)})
}

func (m *Manager) registerPending(id dsmtypes.BarrierID) chan struct{} {
	ch := make(chan struct{})
	m.pendMu.Lock()
	m.pending[id] = ch
	m.pendMu.Unlock()
	return ch
}

func (m *Manager) cancelPending(id dsmtypes.BarrierID, ch chan struct{}) {
	m.pendMu.Lock()
	if m.pending[id] == ch {
		delete(m.pending, id)
	}
	m.pendMu.Unlock()
}

func (m *Manager) handleBarrierArrive(peer dsmtypes.NodeID, frame wire.Frame) {
	if !m.isManager {
		return
	}
	req := frame.Payload.(*wire.BarrierArrive)
	n, _, released := m.arrive(req.BarrierID, peer, req.NumParticipants)
	if released {
		m.release(req.BarrierID, n, req.NumParticipants)
	}
}

// handleBarrierRelease fans a manager broadcast in to every pending local
// Wait call for that barrier id. Since a worker only ever has one Wait in
// flight per id at a time, resolving by id alone is race-free: the
// generation-channel discipline above guarantees this release belongs to
// the instance this node actually arrived at.
func (m *Manager) handleBarrierRelease(_ dsmtypes.NodeID, frame wire.Frame) {
	rel := frame.Payload.(*wire.BarrierRelease)
	m.pendMu.Lock()
	ch, ok := m.pending[rel.BarrierID]
	if ok {
		delete(m.pending, rel.BarrierID)
	}
	m.pendMu.Unlock()
	if ok {
		close(ch)
	}
}
