package migration

import (
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmlog"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/pagetable"
	"github.com/e2b-dev/infra/packages/dsm/internal/permission"
	"github.com/e2b-dev/infra/packages/dsm/internal/transport"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// Register wires every peer-side message handler this engine answers onto
// d. Called once during Context construction.
func (e *Engine) Register(d *transport.Dispatcher) {
	d.On(wire.MsgPageRequest, e.handlePageRequest)
	d.On(wire.MsgPageReply, e.handlePageReply)
	d.On(wire.MsgInvalidate, e.handleInvalidate)
	d.On(wire.MsgInvalidateAck, e.handleInvalidateAck)
	d.On(wire.MsgError, e.handleError)
	d.On(wire.MsgDirQuery, e.handleDirQuery)
	d.On(wire.MsgDirReply, e.handleDirReply)
	d.On(wire.MsgOwnerUpdate, e.handleOwnerUpdate)
	d.On(wire.MsgSharerQuery, e.handleSharerQuery)
	d.On(wire.MsgSharerReply, e.handleSharerReply)
}

func (e *Engine) sendErr(to dsmtypes.NodeID, id dsmtypes.PageID, kind dsmtypes.ErrorKind) {
	_ = e.send.Send(to, &wire.ErrorMsg{Code: kind, PageID: id, Message: kind.Error()})
}

// handlePageRequest answers a peer's PageRequest: if our local copy is
// Invalid the requester has a stale owner and must re-query, otherwise we
// hand over a copy and downgrade/transfer our own access per spec.md
// section 4.H's "peer-side handlers" table.
func (e *Engine) handlePageRequest(peer dsmtypes.NodeID, frame wire.Frame) {
	req := frame.Payload.(*wire.PageRequest)

	table, ok := e.tables.LookupTableByPage(req.PageID)
	if !ok {
		e.sendErr(peer, req.PageID, dsmtypes.ErrNotFound)
		return
	}
	entry, ok := table.LookupByID(req.PageID)
	if !ok {
		e.sendErr(peer, req.PageID, dsmtypes.ErrNotFound)
		return
	}

	entry.Lock()
	state := entry.StateLocked()
	if state == pagetable.Invalid {
		entry.Unlock()
		e.sendErr(peer, req.PageID, dsmtypes.ErrInvalid)
		return
	}

	reply := &wire.PageReply{PageID: req.PageID, Version: entry.VersionLocked(), Access: req.Access}
	copy(reply.Data[:], rawPage(entry.LocalAddr))

	switch req.Access {
	case wire.AccessWrite:
		entry.SetStateLocked(pagetable.Invalid)
		entry.SetOwnerLocked(req.Requester)
	case wire.AccessRead:
		if state == pagetable.ReadWrite {
			entry.SetStateLocked(pagetable.ReadOnly)
		}
	}
	entry.Unlock()

	switch req.Access {
	case wire.AccessWrite:
		if err := permission.ApplyToEntry(entry, permission.None); err != nil {
			dsmlog.L().Error("migration: downgrade to None after write transfer", zap.Error(err))
		}
		e.dir.SetOwner(req.PageID, req.Requester)
		e.dir.ClearSharers(req.PageID)
	case wire.AccessRead:
		if state == pagetable.ReadWrite {
			if err := permission.ApplyToEntry(entry, permission.Read); err != nil {
				dsmlog.L().Error("migration: downgrade RW->R on read share", zap.Error(err))
			}
		}
		e.dir.AddReader(req.PageID, req.Requester)
	}

	if err := e.send.Send(peer, reply); err != nil {
		logEntry("migration: failed to send PageReply", req.PageID, peer)
	}
}

// handlePageReply applies the incoming page data to our own (previously
// Invalid) entry. It grants RW first so this dispatcher goroutine's own
// memcpy into the page doesn't itself fault — spec.md section 4.H calls
// this out explicitly as the deadlock PageReply's design avoids — then sets
// state, owner and version together in one entry.mu critical section, and
// finally narrows the OS protection to the access actually granted. The RW
// grant, the copy, the narrowing and FinishFetch each run outside that
// critical section.
func (e *Engine) handlePageReply(peer dsmtypes.NodeID, frame wire.Frame) {
	reply := frame.Payload.(*wire.PageReply)

	table, ok := e.tables.LookupTableByPage(reply.PageID)
	if !ok {
		return
	}
	entry, ok := table.LookupByID(reply.PageID)
	if !ok {
		return
	}

	if err := permission.ApplyToEntry(entry, permission.ReadWrite); err != nil {
		entry.FinishFetch(err)
		return
	}
	copy(rawPage(entry.LocalAddr), reply.Data[:])

	level := permission.Read
	finalState := pagetable.ReadOnly
	if reply.Access == wire.AccessWrite {
		level = permission.ReadWrite
		finalState = pagetable.ReadWrite
	}

	entry.Lock()
	entry.SetStateLocked(finalState)
	entry.SetOwnerLocked(e.nodeID)
	entry.SetVersionLocked(reply.Version)
	entry.Unlock()

	if level != permission.ReadWrite {
		if err := permission.ApplyToEntry(entry, level); err != nil {
			entry.FinishFetch(err)
			return
		}
	}

	entry.FinishFetch(nil)
}

func (e *Engine) handleInvalidate(peer dsmtypes.NodeID, frame wire.Frame) {
	inv := frame.Payload.(*wire.Invalidate)

	table, ok := e.tables.LookupTableByPage(inv.PageID)
	if ok {
		if entry, ok := table.LookupByID(inv.PageID); ok {
			if err := permission.ApplyToEntry(entry, permission.None); err != nil {
				dsmlog.L().Error("migration: apply None on Invalidate", zap.Error(err))
			}
			entry.Lock()
			entry.SetOwnerLocked(inv.NewOwner)
			entry.Unlock()
			e.stats.InvalidationsReceived.Add(1)
		}
	}
	e.dir.SetOwner(inv.PageID, inv.NewOwner)

	_ = e.send.Send(peer, &wire.InvalidateAck{PageID: inv.PageID, Acker: e.nodeID})
}

func (e *Engine) handleInvalidateAck(_ dsmtypes.NodeID, frame wire.Frame) {
	ack := frame.Payload.(*wire.InvalidateAck)
	table, ok := e.tables.LookupTableByPage(ack.PageID)
	if !ok {
		return
	}
	entry, ok := table.LookupByID(ack.PageID)
	if !ok {
		return
	}
	entry.AckInvalidation()
}

func (e *Engine) handleError(peer dsmtypes.NodeID, frame wire.Frame) {
	msg := frame.Payload.(*wire.ErrorMsg)
	table, ok := e.tables.LookupTableByPage(msg.PageID)
	if !ok {
		return
	}
	entry, ok := table.LookupByID(msg.PageID)
	if !ok {
		return
	}
	entry.FinishFetch(msg.Code)
}

func (e *Engine) handleDirQuery(peer dsmtypes.NodeID, frame wire.Frame) {
	q := frame.Payload.(*wire.DirQuery)
	owner := e.dir.LookupOwner(q.PageID)
	_ = e.send.Send(peer, &wire.DirReply{PageID: q.PageID, Owner: owner})
}

func (e *Engine) handleDirReply(_ dsmtypes.NodeID, frame wire.Frame) {
	r := frame.Payload.(*wire.DirReply)
	e.dq.resolve(r.PageID, r.Owner)
}

func (e *Engine) handleOwnerUpdate(_ dsmtypes.NodeID, frame wire.Frame) {
	u := frame.Payload.(*wire.OwnerUpdate)
	e.dir.SetOwner(u.PageID, u.NewOwner)
}

func (e *Engine) handleSharerQuery(peer dsmtypes.NodeID, frame wire.Frame) {
	q := frame.Payload.(*wire.SharerQuery)
	sharers := e.dir.GetSharers(q.PageID)
	_ = e.send.Send(peer, &wire.SharerReply{PageID: q.PageID, Sharers: sharers})
}

func (e *Engine) handleSharerReply(_ dsmtypes.NodeID, frame wire.Frame) {
	r := frame.Payload.(*wire.SharerReply)
	e.sq.resolve(r.PageID, r.Sharers)
}

