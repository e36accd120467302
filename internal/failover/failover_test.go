package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/dsm/internal/barrier"
	"github.com/e2b-dev/infra/packages/dsm/internal/directory"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/internal/lockmgr"
	"github.com/e2b-dev/infra/packages/dsm/internal/transport"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []wire.Message
	broadcast []wire.Message
	dialed    []dsmtypes.NodeID
	dialErr   error
}

func (f *fakeSender) Send(_ dsmtypes.NodeID, msg wire.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Broadcast(_ context.Context, msg wire.Message) (int, error) {
	f.mu.Lock()
	f.broadcast = append(f.broadcast, msg)
	f.mu.Unlock()
	return 1, nil
}

func (f *fakeSender) Dial(_ context.Context, peerID dsmtypes.NodeID, _ string, _ uint16, _ string, _ uint16) (*transport.FramedConn, error) {
	f.mu.Lock()
	f.dialed = append(f.dialed, peerID)
	f.mu.Unlock()
	return nil, f.dialErr
}

type fakeAuthority struct {
	mu        sync.Mutex
	authority bool
	manager   dsmtypes.NodeID
}

func (f *fakeAuthority) SetAuthority(v bool) {
	f.mu.Lock()
	f.authority = v
	f.mu.Unlock()
}

func (f *fakeAuthority) SetManager(id dsmtypes.NodeID) {
	f.mu.Lock()
	f.manager = id
	f.mu.Unlock()
}

func newTestCoordinator(nodeID dsmtypes.NodeID, send *fakeSender) (*Coordinator, *fakeAuthority) {
	dir := directory.New()
	locks := lockmgr.New(nodeID, dsmtypes.ManagerNodeID, nodeID == dsmtypes.ManagerNodeID, send, &dsmtypes.Stats{})
	barriers := barrier.New(nodeID, dsmtypes.ManagerNodeID, nodeID == dsmtypes.ManagerNodeID, send, &dsmtypes.Stats{})
	auth := &fakeAuthority{}
	cfg := dsmtypes.Config{
		ReplicationInterval: 10 * time.Millisecond,
		BroadcastTimeout:    time.Second,
		DialTimeout:         time.Second,
		BackupHost:          "10.0.0.2",
		BackupPort:          7071,
	}
	c := New(nodeID, "10.0.0.1", 7070, send, dir, locks, barriers, auth, cfg, func(dsmtypes.NodeID) (RegistryInfo, bool) {
		return RegistryInfo{Hostname: "10.0.0.2", Port: 7071}, true
	})
	return c, auth
}

func TestReplicateOnceOnlyActsAsManager(t *testing.T) {
	send := &fakeSender{}
	c, _ := newTestCoordinator(dsmtypes.BackupNodeID, send)

	c.dir.SetOwner(1, 2)
	c.replicateOnce()

	send.mu.Lock()
	defer send.mu.Unlock()
	assert.Empty(t, send.sent)
}

func TestReplicateOnceSendsDirAndLockSnapshots(t *testing.T) {
	send := &fakeSender{}
	c, _ := newTestCoordinator(dsmtypes.ManagerNodeID, send)

	c.dir.SetOwner(1, 0)
	require.NoError(t, c.locks.Acquire(context.Background(), 1))

	c.replicateOnce()

	send.mu.Lock()
	defer send.mu.Unlock()
	require.NotEmpty(t, send.sent)

	var sawDir, sawLock bool
	for _, m := range send.sent {
		switch m.(type) {
		case *wire.StateSyncDir:
			sawDir = true
		case *wire.StateSyncLock:
			sawLock = true
		}
	}
	assert.True(t, sawDir)
	assert.True(t, sawLock)
}

func TestHandleStateSyncDirAppliesSnapshotAndTracksSeq(t *testing.T) {
	send := &fakeSender{}
	c, _ := newTestCoordinator(dsmtypes.BackupNodeID, send)

	c.handleStateSyncDir(0, wire.Frame{Payload: &wire.StateSyncDir{SeqNum: 5, PageID: 1, Owner: 9, Sharers: nil}})

	assert.Equal(t, dsmtypes.NodeID(9), c.dir.LookupOwner(1))
	assert.EqualValues(t, 5, c.lastSeq())
}

func TestOnPeerFailedPromotesBackupWhenManagerDies(t *testing.T) {
	send := &fakeSender{}
	c, auth := newTestCoordinator(dsmtypes.BackupNodeID, send)

	c.OnPeerFailed(dsmtypes.ManagerNodeID)

	assert.True(t, c.promoted)
	assert.True(t, auth.authority)
	assert.Equal(t, dsmtypes.BackupNodeID, auth.manager)

	send.mu.Lock()
	defer send.mu.Unlock()
	require.Len(t, send.broadcast, 1)
	promo, ok := send.broadcast[0].(*wire.ManagerPromotion)
	require.True(t, ok)
	assert.Equal(t, dsmtypes.BackupNodeID, promo.New)
}

func TestOnPeerFailedIsIdempotent(t *testing.T) {
	send := &fakeSender{}
	c, _ := newTestCoordinator(dsmtypes.BackupNodeID, send)

	c.OnPeerFailed(dsmtypes.ManagerNodeID)
	c.OnPeerFailed(dsmtypes.ManagerNodeID)

	send.mu.Lock()
	defer send.mu.Unlock()
	assert.Len(t, send.broadcast, 1)
}

func TestOnPeerFailedWorkerReconnectsDirectlyToBackup(t *testing.T) {
	send := &fakeSender{}
	c, auth := newTestCoordinator(dsmtypes.NodeID(3), send)

	c.OnPeerFailed(dsmtypes.ManagerNodeID)

	// a worker never promotes itself - only the backup does.
	assert.False(t, c.promoted)
	assert.False(t, auth.authority)

	send.mu.Lock()
	defer send.mu.Unlock()
	require.Len(t, send.dialed, 1)
	assert.Equal(t, dsmtypes.BackupNodeID, send.dialed[0])

	var sawReconnect bool
	for _, m := range send.sent {
		if _, ok := m.(*wire.ReconnectRequest); ok {
			sawReconnect = true
		}
	}
	assert.True(t, sawReconnect)
}

func TestOnPeerFailedWorkerReconnectIsIdempotent(t *testing.T) {
	send := &fakeSender{}
	c, _ := newTestCoordinator(dsmtypes.NodeID(3), send)

	c.OnPeerFailed(dsmtypes.ManagerNodeID)
	c.OnPeerFailed(dsmtypes.ManagerNodeID)

	send.mu.Lock()
	defer send.mu.Unlock()
	assert.Len(t, send.dialed, 1)
}

func TestHandleManagerPromotionReconnectsToNewManager(t *testing.T) {
	send := &fakeSender{}
	c, auth := newTestCoordinator(dsmtypes.NodeID(3), send)

	c.handleManagerPromotion(0, wire.Frame{Payload: &wire.ManagerPromotion{New: dsmtypes.BackupNodeID, Old: dsmtypes.ManagerNodeID}})

	assert.Equal(t, dsmtypes.BackupNodeID, auth.manager)

	send.mu.Lock()
	defer send.mu.Unlock()
	require.Len(t, send.dialed, 1)
	assert.Equal(t, dsmtypes.BackupNodeID, send.dialed[0])

	var sawReconnect bool
	for _, m := range send.sent {
		if _, ok := m.(*wire.ReconnectRequest); ok {
			sawReconnect = true
		}
	}
	assert.True(t, sawReconnect)
}

func TestHandleManagerPromotionIgnoresSelfPromotion(t *testing.T) {
	send := &fakeSender{}
	c, _ := newTestCoordinator(dsmtypes.BackupNodeID, send)

	c.handleManagerPromotion(0, wire.Frame{Payload: &wire.ManagerPromotion{New: dsmtypes.BackupNodeID, Old: dsmtypes.ManagerNodeID}})

	send.mu.Lock()
	defer send.mu.Unlock()
	assert.Empty(t, send.dialed)
}

func TestHandleReconnectRequestTriggersImmediateReplication(t *testing.T) {
	send := &fakeSender{}
	c, _ := newTestCoordinator(dsmtypes.ManagerNodeID, send)
	c.dir.SetOwner(1, 0)

	c.handleReconnectRequest(3, wire.Frame{Payload: &wire.ReconnectRequest{RequesterID: 3, LastSeqSeen: 0}})

	send.mu.Lock()
	defer send.mu.Unlock()
	assert.NotEmpty(t, send.sent)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	send := &fakeSender{}
	c, _ := newTestCoordinator(dsmtypes.ManagerNodeID, send)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
