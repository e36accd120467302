package transport

import (
	"sync"
	"time"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

// NodeInfo is one cluster member's connection-level bookkeeping, per
// spec.md section 3's NodeInfo data model.
type NodeInfo struct {
	ID       dsmtypes.NodeID
	Hostname string
	Port     uint16

	conn             *FramedConn
	connected        bool
	lastHeartbeatNs  int64
	missedHeartbeats int
	isFailed         bool
}

// Registry is the Context's node table: every known peer's connection and
// liveness state, guarded by one mutex (spec.md section 5: "Context fields
// ... nodes[]: guarded by the context_lock" — this runtime keeps that
// table in its own package rather than under a literal do-everything
// context lock).
type Registry struct {
	mu    sync.RWMutex
	nodes map[dsmtypes.NodeID]*NodeInfo
	self  dsmtypes.NodeID
}

func NewRegistry(self dsmtypes.NodeID) *Registry {
	return &Registry{nodes: make(map[dsmtypes.NodeID]*NodeInfo), self: self}
}

// Upsert records hostname/port for id, creating the entry if it doesn't
// exist yet.
func (r *Registry) Upsert(id dsmtypes.NodeID, hostname string, port uint16) *NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		n = &NodeInfo{ID: id}
		r.nodes[id] = n
	}
	n.Hostname = hostname
	n.Port = port
	return n
}

// SetConn attaches a live connection to node id (called once a dial or
// accept completes the handshake).
func (r *Registry) SetConn(id dsmtypes.NodeID, conn *FramedConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		n = &NodeInfo{ID: id}
		r.nodes[id] = n
	}
	n.conn = conn
	n.connected = true
	n.isFailed = false
	n.missedHeartbeats = 0
}

func (r *Registry) Conn(id dsmtypes.NodeID) (*FramedConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok || !n.connected || n.conn == nil {
		return nil, false
	}
	return n.conn, true
}

// ConnectedPeers returns every node id with a live connection, excluding
// self.
func (r *Registry) ConnectedPeers() []dsmtypes.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]dsmtypes.NodeID, 0, len(r.nodes))
	for id, n := range r.nodes {
		if id != r.self && n.connected && !n.isFailed {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) IsFailed(id dsmtypes.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return ok && n.isFailed
}

// Disconnect drops id's connection without marking it failed — used when a
// connection ends cleanly (NodeLeave, or simply Serve returning because the
// peer hung up) and the heartbeat monitor hasn't (yet) called it dead.
func (r *Registry) Disconnect(id dsmtypes.NodeID) (wasConnected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	wasConnected = n.connected
	n.conn = nil
	n.connected = false
	return wasConnected
}

// MarkFailed flags id as failed and drops its connection; idempotent.
func (r *Registry) MarkFailed(id dsmtypes.NodeID) (wasConnected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		r.nodes[id] = &NodeInfo{ID: id, isFailed: true}
		return false
	}
	wasConnected = n.connected
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.connected = false
	n.conn = nil
	n.isFailed = true
	return wasConnected
}

func (r *Registry) TouchHeartbeat(id dsmtypes.NodeID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.lastHeartbeatNs = now.UnixNano()
		n.missedHeartbeats = 0
	}
}

// Info returns a value copy of id's bookkeeping (hostname/port for
// reconnection, etc.), if known.
func (r *Registry) Info(id dsmtypes.NodeID) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return *n, true
}

func (r *Registry) All() []dsmtypes.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]dsmtypes.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	return out
}
