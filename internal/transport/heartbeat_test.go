package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

func TestHeartbeatTouchResetsRegistry(t *testing.T) {
	tr := New(0, NewDispatcher())
	client, _ := net.Pipe()
	defer client.Close()
	tr.registry.SetConn(1, NewFramedConn(client, 0, 1))

	hb := NewHeartbeat(tr, 10*time.Millisecond, 50*time.Millisecond, &dsmtypes.Stats{}, nil)
	hb.Touch(1)

	info, ok := tr.registry.Info(1)
	require.True(t, ok)
	assert.NotZero(t, info.lastHeartbeatNs)
}

func TestHeartbeatDeclaresPeerFailedOnTimeout(t *testing.T) {
	tr := New(0, NewDispatcher())
	client, _ := net.Pipe()
	defer client.Close()
	tr.registry.SetConn(1, NewFramedConn(client, 0, 1))

	failed := make(chan dsmtypes.NodeID, 1)
	stats := &dsmtypes.Stats{}
	hb := NewHeartbeat(tr, 5*time.Millisecond, 20*time.Millisecond, stats, func(id dsmtypes.NodeID) {
		failed <- id
	})
	hb.Touch(1)
	go hb.cache.Start()
	defer hb.cache.Stop()

	select {
	case id := <-failed:
		assert.EqualValues(t, 1, id)
	case <-time.After(time.Second):
		t.Fatal("peer was never declared failed")
	}

	assert.True(t, tr.registry.IsFailed(1))
	assert.EqualValues(t, 1, stats.PeerFailures.Load())
}

func TestHeartbeatRunSendsToConnectedPeersUntilCanceled(t *testing.T) {
	client, serverConn := net.Pipe()
	defer client.Close()

	tr := New(0, NewDispatcher())
	tr.registry.SetConn(1, NewFramedConn(client, 0, 1))

	hb := NewHeartbeat(tr, 5*time.Millisecond, time.Second, &dsmtypes.Stats{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	sConn := NewFramedConn(serverConn, 1, 0)
	frame, err := sConn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, wire.MsgHeartbeat, frame.Header.Type)

	cancel()
	<-done
}
