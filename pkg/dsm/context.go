// Package dsm is the public façade of the runtime: one Context per process,
// built once at Init and torn down at Finalize, exposing the operations a
// caller actually drives — Malloc/Free, lock and barrier primitives, and a
// Region handle whose Load*/Store* methods are what actually trigger page
// faults. Every internal package (allocator, directory, migration, lockmgr,
// barrier, failover, transport) is wired together here exactly once; nothing
// outside this package constructs them directly.
package dsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/dsm/internal/allocator"
	"github.com/e2b-dev/infra/packages/dsm/internal/barrier"
	"github.com/e2b-dev/infra/packages/dsm/internal/directory"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmlog"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/failover"
	"github.com/e2b-dev/infra/packages/dsm/internal/lockmgr"
	"github.com/e2b-dev/infra/packages/dsm/internal/migration"
	"github.com/e2b-dev/infra/packages/dsm/internal/pagetable"
	"github.com/e2b-dev/infra/packages/dsm/internal/transport"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// Context is the runtime handle a process holds for its lifetime.
type Context struct {
	cfg dsmtypes.Config

	stats     *dsmtypes.Stats
	transport *transport.Transport
	heartbeat *transport.Heartbeat
	alloc     *allocator.Allocator
	dir       *directory.Directory
	engine    *migration.Engine
	locks     *lockmgr.Manager
	barriers  *barrier.Manager
	failover  *failover.Coordinator

	runCtx    context.Context
	runCancel context.CancelFunc
	group     *errgroup.Group

	mu      sync.Mutex
	regions map[uintptr]*Region

	allocRelayMu sync.Mutex
	allocRelay   map[dsmtypes.PageID]*allocRelay
}

// allocRelay tracks one in-flight AllocNotify this node (the manager)
// relayed on behalf of a worker originator, so the acks it collects from
// the other relayed-to peers get forwarded back to that originator instead
// of being counted against this node's own (nonexistent) wait.
type allocRelay struct {
	origin    dsmtypes.NodeID
	remaining int
}

// Init builds every subsystem, registers all wire handlers, connects to the
// manager (unless this process is the manager), and starts the background
// loops (heartbeat ticker, replication ticker, accept loop on the manager
// and the backup). It mirrors the teacher's orchestrator-style "build
// dependency graph, then Run" constructor shape.
func Init(ctx context.Context, cfg dsmtypes.Config) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dsm: invalid config: %w", err)
	}
	dsmlog.SetLevel(cfg.LogLevel)

	stats := &dsmtypes.Stats{}
	dispatcher := transport.NewDispatcher()
	t := transport.New(cfg.NodeID, dispatcher)
	dir := directory.New()

	isManager := cfg.NodeID == dsmtypes.ManagerNodeID
	isAuthority := isManager

	c := &Context{
		cfg:       cfg,
		stats:     stats,
		transport: t,
		dir:       dir,
		regions:   make(map[uintptr]*Region),
	}

	alloc, err := allocator.New(cfg.NodeID, t, c.onRemoteAlloc)
	if err != nil {
		return nil, fmt.Errorf("dsm: build allocator: %w", err)
	}
	c.alloc = alloc

	c.engine = migration.New(cfg.NodeID, cfg, alloc, dir, t, t, stats, isAuthority, dsmtypes.ManagerNodeID)
	c.locks = lockmgr.New(cfg.NodeID, dsmtypes.ManagerNodeID, isManager, t, stats)
	c.barriers = barrier.New(cfg.NodeID, dsmtypes.ManagerNodeID, isManager, t, stats)
	c.failover = failover.New(cfg.NodeID, cfg.Hostname, cfg.Port, t, dir, c.locks, c.barriers, c.engine, cfg, c.lookupPeerInfo)

	c.engine.Register(dispatcher)
	c.locks.Register(dispatcher)
	c.barriers.Register(dispatcher)
	c.failover.Register(dispatcher)
	dispatcher.On(wire.MsgAllocNotify, c.handleAllocNotify)
	dispatcher.On(wire.MsgAllocAck, c.handleAllocAck)
	dispatcher.On(wire.MsgHeartbeat, c.handleHeartbeat)
	dispatcher.On(wire.MsgHeartbeatAck, c.handleHeartbeatAck)
	dispatcher.On(wire.MsgNodeFailed, c.handleNodeFailed)

	c.heartbeat = transport.NewHeartbeat(t, cfg.HeartbeatInterval, cfg.HeartbeatDeath, stats, c.onPeerFailed)

	c.runCtx, c.runCancel = context.WithCancel(ctx)

	if isManager || cfg.NodeID == dsmtypes.BackupNodeID {
		if _, err := t.Listen(c.runCtx, cfg.Port); err != nil {
			c.runCancel()
			return nil, fmt.Errorf("dsm: listen on port %d: %w", cfg.Port, err)
		}
	}

	if !isManager {
		dialCtx, cancel := context.WithTimeout(c.runCtx, cfg.JoinTimeout)
		_, err := t.Dial(dialCtx, dsmtypes.ManagerNodeID, cfg.ManagerHost, cfg.ManagerPort, cfg.Hostname, cfg.Port)
		cancel()
		if err != nil {
			c.runCancel()
			return nil, fmt.Errorf("dsm: join manager at %s:%d: %w", cfg.ManagerHost, cfg.ManagerPort, err)
		}
	}

	g, gctx := errgroup.WithContext(c.runCtx)
	c.group = g
	g.Go(func() error {
		c.heartbeat.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.failover.Run(gctx)
		return nil
	})

	dsmlog.L().Info("dsm: context initialized", dsmlog.WithNode(cfg.NodeID), zap.Bool("is_manager", isManager))
	return c, nil
}

// Finalize stops every background loop and blocks until they exit. It does
// not unmap any live allocation — Free must be called for each one first if
// the caller wants those regions released.
func (c *Context) Finalize() {
	c.runCancel()
	_ = c.group.Wait()
	dsmlog.L().Info("dsm: context finalized", dsmlog.WithNode(c.cfg.NodeID))
}

func (c *Context) lookupPeerInfo(id dsmtypes.NodeID) (failover.RegistryInfo, bool) {
	info, ok := c.transport.Registry().Info(id)
	if !ok {
		return failover.RegistryInfo{}, false
	}
	return failover.RegistryInfo{Hostname: info.Hostname, Port: info.Port}, true
}

// onRemoteAlloc is the allocator's RemoteAllocHandler: once a peer's
// AllocNotify has been mapped locally, this node tracks the new region and
// records the originator as directory owner of every page in it.
func (c *Context) onRemoteAlloc(table *pagetable.PageTable, owner dsmtypes.NodeID) {
	c.mu.Lock()
	c.regions[table.BaseAddr] = newRegion(c, table)
	c.mu.Unlock()

	for id := table.StartPageID; id < table.EndPageID(); id++ {
		c.dir.SetOwner(id, owner)
	}
}

// handleAllocNotify maps the incoming allocation locally and acks the
// sender. When this node is the manager and the notify didn't originate
// with it, it also relays the notify to every other connected peer:
// workers only ever dial the manager (Init), so a worker-originated
// AllocNotify would otherwise never reach the rest of the cluster, leaving
// them without the directory ownership spec.md requires every node to
// agree on (the "every node B returns the same base_addr" property).
func (c *Context) handleAllocNotify(peer dsmtypes.NodeID, frame wire.Frame) {
	notify := frame.Payload.(*wire.AllocNotify)
	ack, err := c.alloc.HandleAllocNotify(notify)
	if err != nil {
		dsmlog.L().Error("dsm: handle AllocNotify", zap.Error(err), dsmlog.WithNode(peer))
		return
	}
	_ = c.transport.Send(peer, ack)

	if c.cfg.NodeID == dsmtypes.ManagerNodeID && notify.Owner != c.cfg.NodeID {
		c.relayAllocNotify(peer, notify)
	}
}

// relayAllocNotify forwards notify (received from originator) to every
// other connected peer and records, per StartPageID, how many relayed acks
// still need to be forwarded back to originator once they arrive.
func (c *Context) relayAllocNotify(originator dsmtypes.NodeID, notify *wire.AllocNotify) {
	var targets []dsmtypes.NodeID
	for _, p := range c.transport.Registry().ConnectedPeers() {
		if p != originator && p != c.cfg.NodeID {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return
	}

	c.allocRelayMu.Lock()
	if c.allocRelay == nil {
		c.allocRelay = make(map[dsmtypes.PageID]*allocRelay)
	}
	c.allocRelay[notify.StartPageID] = &allocRelay{origin: originator, remaining: len(targets)}
	c.allocRelayMu.Unlock()

	for _, p := range targets {
		if err := c.transport.Send(p, notify); err != nil {
			dsmlog.L().Error("dsm: relay AllocNotify", zap.Error(err), dsmlog.WithNode(p))
		}
	}
}

// handleAllocAck feeds the allocator's own wait tracker, unless this ack
// answers a notify this node relayed on another node's behalf, in which
// case it is forwarded on to that original originator instead.
func (c *Context) handleAllocAck(peer dsmtypes.NodeID, frame wire.Frame) {
	ack := frame.Payload.(*wire.AllocAck)

	c.allocRelayMu.Lock()
	relay, ok := c.allocRelay[ack.Start]
	if ok {
		relay.remaining--
		if relay.remaining <= 0 {
			delete(c.allocRelay, ack.Start)
		}
	}
	c.allocRelayMu.Unlock()

	if ok {
		if err := c.transport.Send(relay.origin, ack); err != nil {
			dsmlog.L().Error("dsm: forward relayed AllocAck", zap.Error(err), dsmlog.WithNode(relay.origin))
		}
		return
	}

	c.alloc.HandleAllocAck(peer)
}

func (c *Context) handleHeartbeat(peer dsmtypes.NodeID, _ wire.Frame) {
	c.heartbeat.Touch(peer)
	_ = c.transport.Send(peer, &wire.HeartbeatAck{Acker: c.cfg.NodeID, Timestamp: uint64(time.Now().UnixNano())})
}

func (c *Context) handleHeartbeatAck(peer dsmtypes.NodeID, _ wire.Frame) {
	c.heartbeat.Touch(peer)
}

func (c *Context) handleNodeFailed(_ dsmtypes.NodeID, frame wire.Frame) {
	m := frame.Payload.(*wire.NodeFailed)
	c.dir.HandleNodeFailure(m.Failed)
}

// onPeerFailed fans a local heartbeat-timeout detection out to the rest of
// the cluster and lets the failover coordinator react (promotion if this is
// the backup and the manager just died).
func (c *Context) onPeerFailed(failed dsmtypes.NodeID) {
	c.failover.OnPeerFailed(failed)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BroadcastTimeout)
	defer cancel()
	_, _ = c.transport.Broadcast(ctx, &wire.NodeFailed{Failed: failed})
}

// Malloc reserves a new SVAS-backed allocation of at least size bytes,
// broadcasting it to the rest of the cluster (if any) and blocking until
// every peer has mapped it, and returns a Region handle over it.
func (c *Context) Malloc(ctx context.Context, size uintptr) (*Region, error) {
	table, err := c.alloc.Alloc(ctx, size, c.cfg.NumNodes)
	if err != nil {
		return nil, err
	}

	for id := table.StartPageID; id < table.EndPageID(); id++ {
		c.dir.SetOwner(id, c.cfg.NodeID)
	}

	r := newRegion(c, table)
	c.mu.Lock()
	c.regions[table.BaseAddr] = r
	c.mu.Unlock()
	return r, nil
}

// Free releases a Region obtained from Malloc or a remote AllocNotify.
func (c *Context) Free(r *Region) error {
	table, err := c.alloc.Free(r.table.BaseAddr)
	if err != nil {
		return err
	}
	c.dir.RemoveRange(table.StartPageID, table.EndPageID())
	c.mu.Lock()
	delete(c.regions, table.BaseAddr)
	c.mu.Unlock()
	return nil
}

// GetAllocation returns the i-th live allocation's Region, mirroring the
// public API's index-based allocation lookup.
func (c *Context) GetAllocation(i int) (*Region, bool) {
	base, ok := c.alloc.GetAllocation(i)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.regions[base]
	return r, ok
}

// LockAcquire blocks until id is granted to this node.
func (c *Context) LockAcquire(ctx context.Context, id dsmtypes.LockID) error {
	return c.locks.Acquire(ctx, id)
}

// LockRelease gives up id, handing it to the next FIFO waiter if any.
func (c *Context) LockRelease(id dsmtypes.LockID) error {
	return c.locks.Release(id)
}

// LockDestroy drops id's bookkeeping; callers must ensure it is unheld.
func (c *Context) LockDestroy(id dsmtypes.LockID) {
	c.locks.Destroy(id)
}

// Barrier blocks until total participants (including this node) have
// called Barrier with the same id.
func (c *Context) Barrier(ctx context.Context, id dsmtypes.BarrierID, total uint32) error {
	return c.barriers.Wait(ctx, id, total)
}

// GetStats returns a point-in-time copy of the lifetime counters.
func (c *Context) GetStats() dsmtypes.Snapshot {
	return c.stats.Snapshot()
}

// ResetStats zeroes every counter.
func (c *Context) ResetStats() {
	c.stats.Reset()
}

// PrintStats logs the current counters at info level, the façade's
// equivalent of the source's stdout dump.
func (c *Context) PrintStats() {
	s := c.stats.Snapshot()
	dsmlog.L().Info("dsm: stats",
		zap.Int64("page_faults", s.PageFaults),
		zap.Int64("read_faults", s.ReadFaults),
		zap.Int64("write_faults", s.WriteFaults),
		zap.Int64("pages_fetched", s.PagesFetched),
		zap.Int64("invalidations_sent", s.InvalidationsSent),
		zap.Int64("invalidations_received", s.InvalidationsReceived),
		zap.Int64("lock_acquires", s.LockAcquires),
		zap.Int64("barrier_waits", s.BarrierWaits),
		zap.Int64("alloc_ack_timeouts", s.AllocAckTimeouts),
		zap.Int64("peer_failures", s.PeerFailures),
		zap.Int64("ownership_reclamations", s.OwnershipReclamations),
	)
}

// SetLogLevel adjusts the process-wide logger's verbosity (0=error..4=debug).
func (c *Context) SetLogLevel(level int) {
	dsmlog.SetLevel(level)
}
