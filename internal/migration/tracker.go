package migration

import (
	"sync"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// dirQueryTracker correlates an outgoing DirQuery with the DirReply that
// eventually answers it. Keyed by page id, which is sufficient here since
// a worker never has two concurrent fetches in flight for the same page
// (the entry's own request_pending guards that) even though several pages
// can be queried at once.
type dirQueryTracker struct {
	mu      sync.Mutex
	waiters map[dsmtypes.PageID]chan dsmtypes.NodeID
}

func newDirQueryTracker() *dirQueryTracker {
	return &dirQueryTracker{waiters: make(map[dsmtypes.PageID]chan dsmtypes.NodeID)}
}

func (t *dirQueryTracker) begin(id dsmtypes.PageID) chan dsmtypes.NodeID {
	ch := make(chan dsmtypes.NodeID, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *dirQueryTracker) cancel(id dsmtypes.PageID, ch chan dsmtypes.NodeID) {
	t.mu.Lock()
	if t.waiters[id] == ch {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
}

// resolve delivers owner to the waiter for id, if any, and un-registers it.
func (t *dirQueryTracker) resolve(id dsmtypes.PageID, owner dsmtypes.NodeID) {
	t.mu.Lock()
	ch, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if ok {
		ch <- owner
	}
}

// sharerQueryTracker mirrors dirQueryTracker for SharerQuery/SharerReply.
type sharerQueryTracker struct {
	mu      sync.Mutex
	waiters map[dsmtypes.PageID]chan []dsmtypes.NodeID
}

func newSharerQueryTracker() *sharerQueryTracker {
	return &sharerQueryTracker{waiters: make(map[dsmtypes.PageID]chan []dsmtypes.NodeID)}
}

func (t *sharerQueryTracker) begin(id dsmtypes.PageID) chan []dsmtypes.NodeID {
	ch := make(chan []dsmtypes.NodeID, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *sharerQueryTracker) cancel(id dsmtypes.PageID, ch chan []dsmtypes.NodeID) {
	t.mu.Lock()
	if t.waiters[id] == ch {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
}

func (t *sharerQueryTracker) resolve(id dsmtypes.PageID, sharers []dsmtypes.NodeID) {
	t.mu.Lock()
	ch, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if ok {
		ch <- sharers
	}
}

// QuerySharers asks the directory authority for id's current sharer set —
// exposed for the failover/debug surface; the core fetch paths don't need
// it.
func (e *Engine) QuerySharers(id dsmtypes.PageID) ([]dsmtypes.NodeID, error) {
	isAuthority, manager := e.manageAuthority()
	if isAuthority {
		return e.dir.GetSharers(id), nil
	}
	wait := e.sq.begin(id)
	if err := e.send.Send(manager, &wire.SharerQuery{PageID: id, Requester: e.nodeID}); err != nil {
		e.sq.cancel(id, wait)
		return nil, err
	}
	return <-wait, nil
}
