package wire

import (
	"fmt"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

const hostnameFieldSize = 256
const errorMessageFieldSize = 256

// AccessKind distinguishes a page request/fault as a read or a write,
// carried on the wire so the peer-side handler knows whether to downgrade
// to ReadOnly (read) or fully transfer and invalidate (write).
type AccessKind uint8

const (
	AccessRead AccessKind = iota + 1
	AccessWrite
)

// ---- PageRequest ----

type PageRequest struct {
	PageID    dsmtypes.PageID
	Access    AccessKind
	Requester dsmtypes.NodeID
}

func (m *PageRequest) Type() MsgType { return MsgPageRequest }

func (m *PageRequest) Marshal() []byte {
	w := newWriter(13)
	w.u64(uint64(m.PageID))
	w.u8(uint8(m.Access))
	w.u32(uint32(m.Requester))
	return w.buf
}

func (m *PageRequest) Unmarshal(b []byte) error {
	r := newReader(b)
	pid, ok1 := r.u64()
	access, ok2 := r.u8()
	req, ok3 := r.u32()
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("short PageRequest")
	}
	m.PageID = dsmtypes.PageID(pid)
	m.Access = AccessKind(access)
	m.Requester = dsmtypes.NodeID(req)
	return nil
}

// ---- PageReply ----

type PageReply struct {
	PageID  dsmtypes.PageID
	Version uint64
	Access  AccessKind
	Data    [dsmtypes.PageSize]byte
}

func (m *PageReply) Type() MsgType { return MsgPageReply }

func (m *PageReply) Marshal() []byte {
	w := newWriter(8 + 8 + 1 + dsmtypes.PageSize)
	w.u64(uint64(m.PageID))
	w.u64(m.Version)
	w.u8(uint8(m.Access))
	w.bytes(m.Data[:])
	return w.buf
}

func (m *PageReply) Unmarshal(b []byte) error {
	r := newReader(b)
	pid, ok1 := r.u64()
	ver, ok2 := r.u64()
	access, ok3 := r.u8()
	data, ok4 := r.bytes(dsmtypes.PageSize)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return fmt.Errorf("short PageReply")
	}
	m.PageID = dsmtypes.PageID(pid)
	m.Version = ver
	m.Access = AccessKind(access)
	copy(m.Data[:], data)
	return nil
}

// ---- Invalidate ----

type Invalidate struct {
	PageID   dsmtypes.PageID
	NewOwner dsmtypes.NodeID
	Version  uint64
}

func (m *Invalidate) Type() MsgType { return MsgInvalidate }

func (m *Invalidate) Marshal() []byte {
	w := newWriter(20)
	w.u64(uint64(m.PageID))
	w.u32(uint32(m.NewOwner))
	w.u64(m.Version)
	return w.buf
}

func (m *Invalidate) Unmarshal(b []byte) error {
	r := newReader(b)
	pid, ok1 := r.u64()
	owner, ok2 := r.u32()
	ver, ok3 := r.u64()
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("short Invalidate")
	}
	m.PageID = dsmtypes.PageID(pid)
	m.NewOwner = dsmtypes.NodeID(owner)
	m.Version = ver
	return nil
}

// ---- InvalidateAck ----

type InvalidateAck struct {
	PageID dsmtypes.PageID
	Acker  dsmtypes.NodeID
}

func (m *InvalidateAck) Type() MsgType { return MsgInvalidateAck }

func (m *InvalidateAck) Marshal() []byte {
	w := newWriter(12)
	w.u64(uint64(m.PageID))
	w.u32(uint32(m.Acker))
	return w.buf
}

func (m *InvalidateAck) Unmarshal(b []byte) error {
	r := newReader(b)
	pid, ok1 := r.u64()
	acker, ok2 := r.u32()
	if !ok1 || !ok2 {
		return fmt.Errorf("short InvalidateAck")
	}
	m.PageID = dsmtypes.PageID(pid)
	m.Acker = dsmtypes.NodeID(acker)
	return nil
}

// ---- Lock messages ----

type LockRequest struct {
	LockID dsmtypes.LockID
	Node   dsmtypes.NodeID
}

func (m *LockRequest) Type() MsgType { return MsgLockRequest }
func (m *LockRequest) Marshal() []byte {
	w := newWriter(12)
	w.u64(uint64(m.LockID))
	w.u32(uint32(m.Node))
	return w.buf
}
func (m *LockRequest) Unmarshal(b []byte) error { return unmarshalLockLike(b, &m.LockID, &m.Node) }

type LockGrant struct {
	LockID dsmtypes.LockID
	Node   dsmtypes.NodeID
}

func (m *LockGrant) Type() MsgType { return MsgLockGrant }
func (m *LockGrant) Marshal() []byte {
	w := newWriter(12)
	w.u64(uint64(m.LockID))
	w.u32(uint32(m.Node))
	return w.buf
}
func (m *LockGrant) Unmarshal(b []byte) error { return unmarshalLockLike(b, &m.LockID, &m.Node) }

type LockRelease struct {
	LockID dsmtypes.LockID
	Node   dsmtypes.NodeID
}

func (m *LockRelease) Type() MsgType { return MsgLockRelease }
func (m *LockRelease) Marshal() []byte {
	w := newWriter(12)
	w.u64(uint64(m.LockID))
	w.u32(uint32(m.Node))
	return w.buf
}
func (m *LockRelease) Unmarshal(b []byte) error { return unmarshalLockLike(b, &m.LockID, &m.Node) }

func unmarshalLockLike(b []byte, id *dsmtypes.LockID, node *dsmtypes.NodeID) error {
	r := newReader(b)
	lid, ok1 := r.u64()
	n, ok2 := r.u32()
	if !ok1 || !ok2 {
		return fmt.Errorf("short lock message")
	}
	*id = dsmtypes.LockID(lid)
	*node = dsmtypes.NodeID(n)
	return nil
}

// ---- Barrier messages ----

type BarrierArrive struct {
	BarrierID         dsmtypes.BarrierID
	Arriver           dsmtypes.NodeID
	NumParticipants   uint32
}

func (m *BarrierArrive) Type() MsgType { return MsgBarrierArrive }
func (m *BarrierArrive) Marshal() []byte {
	w := newWriter(16)
	w.u64(uint64(m.BarrierID))
	w.u32(uint32(m.Arriver))
	w.u32(m.NumParticipants)
	return w.buf
}
func (m *BarrierArrive) Unmarshal(b []byte) error {
	r := newReader(b)
	bid, ok1 := r.u64()
	arriver, ok2 := r.u32()
	n, ok3 := r.u32()
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("short BarrierArrive")
	}
	m.BarrierID = dsmtypes.BarrierID(bid)
	m.Arriver = dsmtypes.NodeID(arriver)
	m.NumParticipants = n
	return nil
}

type BarrierRelease struct {
	BarrierID  dsmtypes.BarrierID
	NumArrived uint32
}

func (m *BarrierRelease) Type() MsgType { return MsgBarrierRelease }
func (m *BarrierRelease) Marshal() []byte {
	w := newWriter(12)
	w.u64(uint64(m.BarrierID))
	w.u32(m.NumArrived)
	return w.buf
}
func (m *BarrierRelease) Unmarshal(b []byte) error {
	r := newReader(b)
	bid, ok1 := r.u64()
	n, ok2 := r.u32()
	if !ok1 || !ok2 {
		return fmt.Errorf("short BarrierRelease")
	}
	m.BarrierID = dsmtypes.BarrierID(bid)
	m.NumArrived = n
	return nil
}

// ---- Allocation messages ----

type AllocNotify struct {
	StartPageID dsmtypes.PageID
	EndPageID   dsmtypes.PageID
	Owner       dsmtypes.NodeID
	NumPages    uint32
	BaseAddr    uint64
	TotalSize   uint64
}

func (m *AllocNotify) Type() MsgType { return MsgAllocNotify }
func (m *AllocNotify) Marshal() []byte {
	w := newWriter(40)
	w.u64(uint64(m.StartPageID))
	w.u64(uint64(m.EndPageID))
	w.u32(uint32(m.Owner))
	w.u32(m.NumPages)
	w.u64(m.BaseAddr)
	w.u64(m.TotalSize)
	return w.buf
}
func (m *AllocNotify) Unmarshal(b []byte) error {
	r := newReader(b)
	start, ok1 := r.u64()
	end, ok2 := r.u64()
	owner, ok3 := r.u32()
	n, ok4 := r.u32()
	base, ok5 := r.u64()
	size, ok6 := r.u64()
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return fmt.Errorf("short AllocNotify")
	}
	m.StartPageID = dsmtypes.PageID(start)
	m.EndPageID = dsmtypes.PageID(end)
	m.Owner = dsmtypes.NodeID(owner)
	m.NumPages = n
	m.BaseAddr = base
	m.TotalSize = size
	return nil
}

type AllocAck struct {
	Start dsmtypes.PageID
	End   dsmtypes.PageID
	Acker dsmtypes.NodeID
}

func (m *AllocAck) Type() MsgType { return MsgAllocAck }
func (m *AllocAck) Marshal() []byte {
	w := newWriter(20)
	w.u64(uint64(m.Start))
	w.u64(uint64(m.End))
	w.u32(uint32(m.Acker))
	return w.buf
}
func (m *AllocAck) Unmarshal(b []byte) error {
	r := newReader(b)
	start, ok1 := r.u64()
	end, ok2 := r.u64()
	acker, ok3 := r.u32()
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("short AllocAck")
	}
	m.Start = dsmtypes.PageID(start)
	m.End = dsmtypes.PageID(end)
	m.Acker = dsmtypes.NodeID(acker)
	return nil
}

// ---- Membership messages ----

type NodeJoin struct {
	NodeID   dsmtypes.NodeID
	Hostname string
	Port     uint16
}

func (m *NodeJoin) Type() MsgType { return MsgNodeJoin }
func (m *NodeJoin) Marshal() []byte {
	w := newWriter(4 + hostnameFieldSize + 4)
	w.u32(uint32(m.NodeID))
	w.fixedString(m.Hostname, hostnameFieldSize)
	w.u32(uint32(m.Port))
	return w.buf
}
func (m *NodeJoin) Unmarshal(b []byte) error {
	r := newReader(b)
	nid, ok1 := r.u32()
	host, ok2 := r.fixedString(hostnameFieldSize)
	port, ok3 := r.u32()
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("short NodeJoin")
	}
	m.NodeID = dsmtypes.NodeID(nid)
	m.Hostname = host
	m.Port = uint16(port)
	return nil
}

type NodeLeave struct {
	NodeID dsmtypes.NodeID
}

func (m *NodeLeave) Type() MsgType { return MsgNodeLeave }
func (m *NodeLeave) Marshal() []byte {
	w := newWriter(4)
	w.u32(uint32(m.NodeID))
	return w.buf
}
func (m *NodeLeave) Unmarshal(b []byte) error {
	r := newReader(b)
	nid, ok := r.u32()
	if !ok {
		return fmt.Errorf("short NodeLeave")
	}
	m.NodeID = dsmtypes.NodeID(nid)
	return nil
}

// ---- Heartbeat messages ----

type Heartbeat struct{}

func (m *Heartbeat) Type() MsgType         { return MsgHeartbeat }
func (m *Heartbeat) Marshal() []byte       { return nil }
func (m *Heartbeat) Unmarshal([]byte) error { return nil }

type HeartbeatAck struct {
	Acker     dsmtypes.NodeID
	Timestamp uint64
}

func (m *HeartbeatAck) Type() MsgType { return MsgHeartbeatAck }
func (m *HeartbeatAck) Marshal() []byte {
	w := newWriter(12)
	w.u32(uint32(m.Acker))
	w.u64(m.Timestamp)
	return w.buf
}
func (m *HeartbeatAck) Unmarshal(b []byte) error {
	r := newReader(b)
	acker, ok1 := r.u32()
	ts, ok2 := r.u64()
	if !ok1 || !ok2 {
		return fmt.Errorf("short HeartbeatAck")
	}
	m.Acker = dsmtypes.NodeID(acker)
	m.Timestamp = ts
	return nil
}

// ---- Directory query messages ----

type DirQuery struct {
	PageID    dsmtypes.PageID
	Requester dsmtypes.NodeID
}

func (m *DirQuery) Type() MsgType { return MsgDirQuery }
func (m *DirQuery) Marshal() []byte {
	w := newWriter(12)
	w.u64(uint64(m.PageID))
	w.u32(uint32(m.Requester))
	return w.buf
}
func (m *DirQuery) Unmarshal(b []byte) error {
	r := newReader(b)
	pid, ok1 := r.u64()
	req, ok2 := r.u32()
	if !ok1 || !ok2 {
		return fmt.Errorf("short DirQuery")
	}
	m.PageID = dsmtypes.PageID(pid)
	m.Requester = dsmtypes.NodeID(req)
	return nil
}

type DirReply struct {
	PageID dsmtypes.PageID
	Owner  dsmtypes.NodeID
}

func (m *DirReply) Type() MsgType { return MsgDirReply }
func (m *DirReply) Marshal() []byte {
	w := newWriter(12)
	w.u64(uint64(m.PageID))
	w.u32(uint32(m.Owner))
	return w.buf
}
func (m *DirReply) Unmarshal(b []byte) error {
	r := newReader(b)
	pid, ok1 := r.u64()
	owner, ok2 := r.u32()
	if !ok1 || !ok2 {
		return fmt.Errorf("short DirReply")
	}
	m.PageID = dsmtypes.PageID(pid)
	m.Owner = dsmtypes.NodeID(owner)
	return nil
}

type OwnerUpdate struct {
	PageID   dsmtypes.PageID
	NewOwner dsmtypes.NodeID
}

func (m *OwnerUpdate) Type() MsgType { return MsgOwnerUpdate }
func (m *OwnerUpdate) Marshal() []byte {
	w := newWriter(12)
	w.u64(uint64(m.PageID))
	w.u32(uint32(m.NewOwner))
	return w.buf
}
func (m *OwnerUpdate) Unmarshal(b []byte) error {
	r := newReader(b)
	pid, ok1 := r.u64()
	owner, ok2 := r.u32()
	if !ok1 || !ok2 {
		return fmt.Errorf("short OwnerUpdate")
	}
	m.PageID = dsmtypes.PageID(pid)
	m.NewOwner = dsmtypes.NodeID(owner)
	return nil
}

type NodeFailed struct {
	Failed dsmtypes.NodeID
}

func (m *NodeFailed) Type() MsgType { return MsgNodeFailed }
func (m *NodeFailed) Marshal() []byte {
	w := newWriter(4)
	w.u32(uint32(m.Failed))
	return w.buf
}
func (m *NodeFailed) Unmarshal(b []byte) error {
	r := newReader(b)
	f, ok := r.u32()
	if !ok {
		return fmt.Errorf("short NodeFailed")
	}
	m.Failed = dsmtypes.NodeID(f)
	return nil
}

// ---- Sharer query messages ----

type SharerQuery struct {
	PageID    dsmtypes.PageID
	Requester dsmtypes.NodeID
}

func (m *SharerQuery) Type() MsgType { return MsgSharerQuery }
func (m *SharerQuery) Marshal() []byte {
	w := newWriter(12)
	w.u64(uint64(m.PageID))
	w.u32(uint32(m.Requester))
	return w.buf
}
func (m *SharerQuery) Unmarshal(b []byte) error {
	r := newReader(b)
	pid, ok1 := r.u64()
	req, ok2 := r.u32()
	if !ok1 || !ok2 {
		return fmt.Errorf("short SharerQuery")
	}
	m.PageID = dsmtypes.PageID(pid)
	m.Requester = dsmtypes.NodeID(req)
	return nil
}

type SharerReply struct {
	PageID  dsmtypes.PageID
	Sharers []dsmtypes.NodeID
}

func (m *SharerReply) Type() MsgType { return MsgSharerReply }
func (m *SharerReply) Marshal() []byte {
	w := newWriter(8 + 4 + 4*len(m.Sharers))
	w.u64(uint64(m.PageID))
	w.u32(uint32(len(m.Sharers)))
	for _, s := range m.Sharers {
		w.u32(uint32(s))
	}
	return w.buf
}
func (m *SharerReply) Unmarshal(b []byte) error {
	r := newReader(b)
	pid, ok1 := r.u64()
	n, ok2 := r.u32()
	if !ok1 || !ok2 {
		return fmt.Errorf("short SharerReply")
	}
	if n > dsmtypes.MaxSharersPerPage {
		return fmt.Errorf("SharerReply claims %d sharers, cap is %d", n, dsmtypes.MaxSharersPerPage)
	}
	sharers := make([]dsmtypes.NodeID, 0, n)
	for i := uint32(0); i < n; i++ {
		s, ok := r.u32()
		if !ok {
			return fmt.Errorf("short SharerReply sharer list")
		}
		sharers = append(sharers, dsmtypes.NodeID(s))
	}
	m.PageID = dsmtypes.PageID(pid)
	m.Sharers = sharers
	return nil
}

// ---- State replication messages ----

type StateSyncDir struct {
	SeqNum   uint64
	PageID   dsmtypes.PageID
	Owner    dsmtypes.NodeID
	Sharers  []dsmtypes.NodeID
}

func (m *StateSyncDir) Type() MsgType { return MsgStateSyncDir }
func (m *StateSyncDir) Marshal() []byte {
	w := newWriter(8 + 8 + 4 + 4 + 4*len(m.Sharers))
	w.u64(m.SeqNum)
	w.u64(uint64(m.PageID))
	w.u32(uint32(m.Owner))
	w.u32(uint32(len(m.Sharers)))
	for _, s := range m.Sharers {
		w.u32(uint32(s))
	}
	return w.buf
}
func (m *StateSyncDir) Unmarshal(b []byte) error {
	r := newReader(b)
	seq, ok1 := r.u64()
	pid, ok2 := r.u64()
	owner, ok3 := r.u32()
	n, ok4 := r.u32()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return fmt.Errorf("short StateSyncDir")
	}
	sharers := make([]dsmtypes.NodeID, 0, n)
	for i := uint32(0); i < n; i++ {
		s, ok := r.u32()
		if !ok {
			return fmt.Errorf("short StateSyncDir sharer list")
		}
		sharers = append(sharers, dsmtypes.NodeID(s))
	}
	m.SeqNum = seq
	m.PageID = dsmtypes.PageID(pid)
	m.Owner = dsmtypes.NodeID(owner)
	m.Sharers = sharers
	return nil
}

type StateSyncLock struct {
	SeqNum uint64
	LockID dsmtypes.LockID
	Holder dsmtypes.NodeID
	Held   bool
}

func (m *StateSyncLock) Type() MsgType { return MsgStateSyncLock }
func (m *StateSyncLock) Marshal() []byte {
	w := newWriter(21)
	w.u64(m.SeqNum)
	w.u64(uint64(m.LockID))
	w.u32(uint32(m.Holder))
	held := uint8(0)
	if m.Held {
		held = 1
	}
	w.u8(held)
	return w.buf
}
func (m *StateSyncLock) Unmarshal(b []byte) error {
	r := newReader(b)
	seq, ok1 := r.u64()
	lid, ok2 := r.u64()
	holder, ok3 := r.u32()
	held, ok4 := r.u8()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return fmt.Errorf("short StateSyncLock")
	}
	m.SeqNum = seq
	m.LockID = dsmtypes.LockID(lid)
	m.Holder = dsmtypes.NodeID(holder)
	m.Held = held != 0
	return nil
}

type StateSyncBarrier struct {
	SeqNum        uint64
	BarrierID     dsmtypes.BarrierID
	ArrivedCount  uint32
	Generation    uint64
}

func (m *StateSyncBarrier) Type() MsgType { return MsgStateSyncBarrier }
func (m *StateSyncBarrier) Marshal() []byte {
	w := newWriter(28)
	w.u64(m.SeqNum)
	w.u64(uint64(m.BarrierID))
	w.u32(m.ArrivedCount)
	w.u64(m.Generation)
	return w.buf
}
func (m *StateSyncBarrier) Unmarshal(b []byte) error {
	r := newReader(b)
	seq, ok1 := r.u64()
	bid, ok2 := r.u64()
	arrived, ok3 := r.u32()
	gen, ok4 := r.u64()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return fmt.Errorf("short StateSyncBarrier")
	}
	m.SeqNum = seq
	m.BarrierID = dsmtypes.BarrierID(bid)
	m.ArrivedCount = arrived
	m.Generation = gen
	return nil
}

type StateSyncNode struct {
	SeqNum   uint64
	NodeID   dsmtypes.NodeID
	IsFailed bool
}

func (m *StateSyncNode) Type() MsgType { return MsgStateSyncNode }
func (m *StateSyncNode) Marshal() []byte {
	w := newWriter(13)
	w.u64(m.SeqNum)
	w.u32(uint32(m.NodeID))
	failed := uint8(0)
	if m.IsFailed {
		failed = 1
	}
	w.u8(failed)
	return w.buf
}
func (m *StateSyncNode) Unmarshal(b []byte) error {
	r := newReader(b)
	seq, ok1 := r.u64()
	nid, ok2 := r.u32()
	failed, ok3 := r.u8()
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("short StateSyncNode")
	}
	m.SeqNum = seq
	m.NodeID = dsmtypes.NodeID(nid)
	m.IsFailed = failed != 0
	return nil
}

type ManagerPromotion struct {
	New             dsmtypes.NodeID
	Old             dsmtypes.NodeID
	PromotionTimeNs uint64
}

func (m *ManagerPromotion) Type() MsgType { return MsgManagerPromotion }
func (m *ManagerPromotion) Marshal() []byte {
	w := newWriter(16)
	w.u32(uint32(m.New))
	w.u32(uint32(m.Old))
	w.u64(m.PromotionTimeNs)
	return w.buf
}
func (m *ManagerPromotion) Unmarshal(b []byte) error {
	r := newReader(b)
	n, ok1 := r.u32()
	o, ok2 := r.u32()
	t, ok3 := r.u64()
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("short ManagerPromotion")
	}
	m.New = dsmtypes.NodeID(n)
	m.Old = dsmtypes.NodeID(o)
	m.PromotionTimeNs = t
	return nil
}

type ReconnectRequest struct {
	RequesterID dsmtypes.NodeID
	LastSeqSeen uint64
}

func (m *ReconnectRequest) Type() MsgType { return MsgReconnectRequest }
func (m *ReconnectRequest) Marshal() []byte {
	w := newWriter(12)
	w.u32(uint32(m.RequesterID))
	w.u64(m.LastSeqSeen)
	return w.buf
}
func (m *ReconnectRequest) Unmarshal(b []byte) error {
	r := newReader(b)
	rid, ok1 := r.u32()
	seq, ok2 := r.u64()
	if !ok1 || !ok2 {
		return fmt.Errorf("short ReconnectRequest")
	}
	m.RequesterID = dsmtypes.NodeID(rid)
	m.LastSeqSeen = seq
	return nil
}

// ---- Error ----

type ErrorMsg struct {
	Code    dsmtypes.ErrorKind
	PageID  dsmtypes.PageID
	Message string
}

func (m *ErrorMsg) Type() MsgType { return MsgError }
func (m *ErrorMsg) Marshal() []byte {
	w := newWriter(1 + 8 + errorMessageFieldSize)
	w.u8(uint8(m.Code))
	w.u64(uint64(m.PageID))
	w.fixedString(m.Message, errorMessageFieldSize)
	return w.buf
}
func (m *ErrorMsg) Unmarshal(b []byte) error {
	r := newReader(b)
	code, ok1 := r.u8()
	pid, ok2 := r.u64()
	msg, ok3 := r.fixedString(errorMessageFieldSize)
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("short ErrorMsg")
	}
	m.Code = dsmtypes.ErrorKind(int8(code))
	m.PageID = dsmtypes.PageID(pid)
	m.Message = msg
	return nil
}
