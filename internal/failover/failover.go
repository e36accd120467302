// Package failover replicates manager-side state (directory, locks,
// barriers) to the backup node and promotes the backup when the heartbeat
// monitor declares the manager dead, per spec.md section 4.L. Node 0 is
// the manager and node 1 is its backup by convention; every other node
// only ever talks to whichever of the two currently holds the role.
package failover

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/dsm/internal/barrier"
	"github.com/e2b-dev/infra/packages/dsm/internal/directory"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmlog"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/lockmgr"
	"github.com/e2b-dev/infra/packages/dsm/internal/transport"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// Authority is the slice of the migration engine a promotion needs to
// flip; kept narrow so this package doesn't import migration directly.
type Authority interface {
	SetAuthority(bool)
	SetManager(dsmtypes.NodeID)
}

type Sender interface {
	Send(id dsmtypes.NodeID, msg wire.Message) error
	Broadcast(ctx context.Context, msg wire.Message) (int, error)
	Dial(ctx context.Context, peerID dsmtypes.NodeID, host string, port uint16, selfHostname string, selfPort uint16) (*transport.FramedConn, error)
}

// RegistryInfo is the slice of transport.NodeInfo a reconnect needs.
type RegistryInfo struct {
	Hostname string
	Port     uint16
}

// Coordinator owns the replication ticker on the manager, the shadow state
// application on the backup, and the promotion sequence.
type Coordinator struct {
	nodeID       dsmtypes.NodeID
	selfHostname string
	selfPort     uint16
	send         Sender
	dir          *directory.Directory
	locks        *lockmgr.Manager
	barriers     *barrier.Manager
	engine       Authority
	cfg          dsmtypes.Config
	lookupInfo   func(dsmtypes.NodeID) (RegistryInfo, bool)

	seq atomic.Uint64

	mu          sync.Mutex
	isManager   bool
	managerID   dsmtypes.NodeID
	promoted    bool
	lastSeqSeen uint64
}

func New(nodeID dsmtypes.NodeID, hostname string, port uint16, send Sender, dir *directory.Directory,
	locks *lockmgr.Manager, barriers *barrier.Manager, engine Authority, cfg dsmtypes.Config,
	lookupInfo func(dsmtypes.NodeID) (RegistryInfo, bool),
) *Coordinator {
	return &Coordinator{
		nodeID:       nodeID,
		selfHostname: hostname,
		selfPort:     port,
		send:         send,
		dir:          dir,
		locks:        locks,
		barriers:     barriers,
		engine:       engine,
		cfg:          cfg,
		lookupInfo:   lookupInfo,
		isManager:    nodeID == dsmtypes.ManagerNodeID,
		managerID:    dsmtypes.ManagerNodeID,
	}
}

func (c *Coordinator) Register(d *transport.Dispatcher) {
	d.On(wire.MsgStateSyncDir, c.handleStateSyncDir)
	d.On(wire.MsgStateSyncLock, c.handleStateSyncLock)
	d.On(wire.MsgStateSyncBarrier, c.handleStateSyncBarrier)
	d.On(wire.MsgStateSyncNode, c.handleStateSyncNode)
	d.On(wire.MsgManagerPromotion, c.handleManagerPromotion)
	d.On(wire.MsgReconnectRequest, c.handleReconnectRequest)
}

// Run drives the manager's periodic full-state replication to the backup.
// It is a no-op on every node except the current manager, and re-checks
// that on every tick so it keeps working across a promotion.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReplicationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.replicateOnce()
		}
	}
}

func (c *Coordinator) replicateOnce() {
	c.mu.Lock()
	amManager := c.isManager
	c.mu.Unlock()
	if !amManager {
		return
	}

	for _, s := range c.dir.Snapshot() {
		msg := &wire.StateSyncDir{SeqNum: c.seq.Add(1), PageID: s.PageID, Owner: s.Owner, Sharers: s.Sharers}
		if err := c.send.Send(dsmtypes.BackupNodeID, msg); err != nil {
			return // backup unreachable; next tick retries with fresh state anyway
		}
	}
	for _, s := range c.locks.Snapshot() {
		msg := &wire.StateSyncLock{SeqNum: c.seq.Add(1), LockID: s.LockID, Holder: s.Holder, Held: s.Held}
		if err := c.send.Send(dsmtypes.BackupNodeID, msg); err != nil {
			return
		}
	}
	for _, s := range c.barriers.Snapshot() {
		msg := &wire.StateSyncBarrier{SeqNum: c.seq.Add(1), BarrierID: s.BarrierID, ArrivedCount: s.ArrivedCount, Generation: s.Generation}
		if err := c.send.Send(dsmtypes.BackupNodeID, msg); err != nil {
			return
		}
	}
}

func (c *Coordinator) handleStateSyncDir(_ dsmtypes.NodeID, frame wire.Frame) {
	m := frame.Payload.(*wire.StateSyncDir)
	c.dir.ApplySnapshot(directory.Snapshot{PageID: m.PageID, Owner: m.Owner, Sharers: m.Sharers})
	c.noteSeq(m.SeqNum)
}

func (c *Coordinator) handleStateSyncLock(_ dsmtypes.NodeID, frame wire.Frame) {
	m := frame.Payload.(*wire.StateSyncLock)
	c.locks.ApplySnapshot(lockmgr.Snapshot{LockID: m.LockID, Holder: m.Holder, Held: m.Held})
	c.noteSeq(m.SeqNum)
}

func (c *Coordinator) handleStateSyncBarrier(_ dsmtypes.NodeID, frame wire.Frame) {
	m := frame.Payload.(*wire.StateSyncBarrier)
	c.noteSeq(m.SeqNum)
	_ = m // informational only; barrier.PromoteSelf always starts fresh generations
}

func (c *Coordinator) handleStateSyncNode(_ dsmtypes.NodeID, frame wire.Frame) {
	m := frame.Payload.(*wire.StateSyncNode)
	c.noteSeq(m.SeqNum)
	if m.IsFailed {
		c.dir.HandleNodeFailure(m.NodeID)
	}
}

func (c *Coordinator) noteSeq(seq uint64) {
	c.mu.Lock()
	if seq > c.lastSeqSeen {
		c.lastSeqSeen = seq
	}
	c.mu.Unlock()
}

// OnPeerFailed is wired to the heartbeat monitor's onFailed callback, fired
// on whichever node actually observes the timeout. Every node reacts to a
// declared-dead manager on its own — the backup promotes itself; every
// other node dials the backup directly. Workers are only ever connected to
// the manager (the star topology in pkg/dsm's Context.Init), never to the
// backup or to each other, so a worker can never receive a ManagerPromotion
// relayed through either of those paths once the manager is gone — it has
// to act on its own heartbeat observation instead.
func (c *Coordinator) OnPeerFailed(failed dsmtypes.NodeID) {
	c.dir.HandleNodeFailure(failed)

	if failed != dsmtypes.ManagerNodeID {
		return
	}

	switch c.nodeID {
	case dsmtypes.BackupNodeID:
		c.promoteSelf()
	case dsmtypes.ManagerNodeID:
		// can't happen: the manager never observes itself as failed.
	default:
		c.reconnectToBackup()
	}
}

func (c *Coordinator) promoteSelf() {
	c.mu.Lock()
	if c.promoted {
		c.mu.Unlock()
		return
	}
	c.promoted = true
	c.isManager = true
	c.managerID = c.nodeID
	c.mu.Unlock()

	dsmlog.L().Warn("failover: manager declared dead, promoting self", zap.Uint32("self", uint32(c.nodeID)))

	c.locks.PromoteSelf(c.locks.Snapshot())
	c.barriers.PromoteSelf()
	c.engine.SetAuthority(true)
	c.engine.SetManager(c.nodeID)
	c.locks.SetManager(c.nodeID)
	c.barriers.SetManager(c.nodeID)

	// Best-effort: reaches nothing in the common star topology (no worker
	// is ever connected to the backup before promotion), but costs nothing
	// and helps if a future topology does connect workers to both roles.
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BroadcastTimeout)
	defer cancel()
	_, _ = c.send.Broadcast(ctx, &wire.ManagerPromotion{New: c.nodeID, Old: dsmtypes.ManagerNodeID, PromotionTimeNs: uint64(time.Now().UnixNano())})
}

// reconnectToBackup is every non-manager, non-backup node's reaction to its
// own heartbeat to the manager timing out: dial the backup's statically
// configured address (cfg.BackupHost/BackupPort — the same way a worker
// already knows cfg.ManagerHost/ManagerPort to make its very first
// connection) and ask it to replay state via ReconnectRequest.
func (c *Coordinator) reconnectToBackup() {
	c.mu.Lock()
	if c.managerID == dsmtypes.BackupNodeID {
		c.mu.Unlock()
		return // already reconnected (or a relayed promotion got here first)
	}
	c.managerID = dsmtypes.BackupNodeID
	c.mu.Unlock()

	c.engine.SetManager(dsmtypes.BackupNodeID)
	c.locks.SetManager(dsmtypes.BackupNodeID)
	c.barriers.SetManager(dsmtypes.BackupNodeID)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if _, err := c.send.Dial(ctx, dsmtypes.BackupNodeID, c.cfg.BackupHost, c.cfg.BackupPort, c.selfHostname, c.selfPort); err != nil {
		dsmlog.L().Error("failover: reconnect to backup failed", zap.Error(err))
		return
	}
	_ = c.send.Send(dsmtypes.BackupNodeID, &wire.ReconnectRequest{RequesterID: c.nodeID, LastSeqSeen: c.lastSeq()})
}

// handleManagerPromotion only ever fires on a node actually connected to
// whoever sent the broadcast — in the star topology that is never a worker
// (see OnPeerFailed's comment), but is kept for any node that does receive
// one, including a future topology where it would matter.
func (c *Coordinator) handleManagerPromotion(_ dsmtypes.NodeID, frame wire.Frame) {
	m := frame.Payload.(*wire.ManagerPromotion)
	if m.New == c.nodeID {
		return // we already promoted ourselves in OnPeerFailed
	}

	c.mu.Lock()
	alreadyReconnected := c.managerID == m.New
	c.managerID = m.New
	c.mu.Unlock()
	if alreadyReconnected {
		return // reconnectToBackup (or an earlier promotion) already handled this
	}

	c.engine.SetManager(m.New)
	c.locks.SetManager(m.New)
	c.barriers.SetManager(m.New)

	host, port, ok := c.newManagerAddr(m.New)
	if !ok {
		dsmlog.L().Error("failover: promotion names unknown node, cannot reconnect", zap.Uint32("new_manager", uint32(m.New)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if _, err := c.send.Dial(ctx, m.New, host, port, c.selfHostname, c.selfPort); err != nil {
		dsmlog.L().Error("failover: reconnect to promoted manager failed", zap.Error(err))
		return
	}
	_ = c.send.Send(m.New, &wire.ReconnectRequest{RequesterID: c.nodeID, LastSeqSeen: c.lastSeq()})
}

func (c *Coordinator) lastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeqSeen
}

// newManagerAddr resolves a promoted node's dial address. The only node
// ever promoted is the backup, whose address is statically configured;
// the live registry lookup is kept as a fallback for any other promoted
// node id a future topology might introduce.
func (c *Coordinator) newManagerAddr(id dsmtypes.NodeID) (string, uint16, bool) {
	if id == dsmtypes.BackupNodeID && c.cfg.BackupHost != "" {
		return c.cfg.BackupHost, c.cfg.BackupPort, true
	}
	info, ok := c.reconnectInfo(id)
	return info.Hostname, info.Port, ok
}

func (c *Coordinator) reconnectInfo(id dsmtypes.NodeID) (RegistryInfo, bool) {
	if c.lookupInfo == nil {
		return RegistryInfo{}, false
	}
	return c.lookupInfo(id)
}

// handleReconnectRequest answers the newly-promoted manager's peers once
// they dial back in; no resend-from-seq log exists (state replication is
// full-snapshot, not a log), so reconnecting simply triggers an immediate
// replication pass rather than waiting for the next tick.
func (c *Coordinator) handleReconnectRequest(_ dsmtypes.NodeID, frame wire.Frame) {
	_ = frame.Payload.(*wire.ReconnectRequest)
	c.replicateOnce()
}
