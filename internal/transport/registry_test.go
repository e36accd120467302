package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

func TestRegistryUpsertAndConn(t *testing.T) {
	r := NewRegistry(0)
	r.Upsert(1, "10.0.0.1", 7070)

	_, ok := r.Conn(1)
	assert.False(t, ok, "no connection attached yet")

	client, _ := net.Pipe()
	defer client.Close()
	fc := NewFramedConn(client, 0, 1)
	r.SetConn(1, fc)

	got, ok := r.Conn(1)
	require.True(t, ok)
	assert.Same(t, fc, got)

	info, ok := r.Info(1)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", info.Hostname)
	assert.EqualValues(t, 7070, info.Port)
}

func TestRegistryConnectedPeersExcludesSelfAndFailed(t *testing.T) {
	r := NewRegistry(0)
	client1, _ := net.Pipe()
	client2, _ := net.Pipe()
	defer client1.Close()
	defer client2.Close()

	r.SetConn(0, NewFramedConn(client1, 0, 0)) // self, should be excluded
	r.SetConn(1, NewFramedConn(client2, 0, 1))
	r.Upsert(2, "h", 1)
	r.MarkFailed(2)

	peers := r.ConnectedPeers()
	assert.Equal(t, []dsmtypes.NodeID{1}, peers)
}

func TestRegistryMarkFailedClosesConnAndIsIdempotent(t *testing.T) {
	r := NewRegistry(0)
	client, server := net.Pipe()
	defer server.Close()
	r.SetConn(1, NewFramedConn(client, 0, 1))

	wasConnected := r.MarkFailed(1)
	assert.True(t, wasConnected)
	assert.True(t, r.IsFailed(1))

	_, ok := r.Conn(1)
	assert.False(t, ok)

	wasConnected2 := r.MarkFailed(1)
	assert.False(t, wasConnected2)
}

func TestRegistryDisconnectDoesNotMarkFailed(t *testing.T) {
	r := NewRegistry(0)
	client, _ := net.Pipe()
	defer client.Close()
	r.SetConn(1, NewFramedConn(client, 0, 1))

	wasConnected := r.Disconnect(1)
	assert.True(t, wasConnected)
	assert.False(t, r.IsFailed(1))

	_, ok := r.Conn(1)
	assert.False(t, ok)
}

func TestRegistryAllAndTouchHeartbeat(t *testing.T) {
	r := NewRegistry(0)
	r.Upsert(1, "h1", 1)
	r.Upsert(2, "h2", 2)

	all := r.All()
	assert.ElementsMatch(t, []dsmtypes.NodeID{1, 2}, all)

	r.TouchHeartbeat(1, time.Now())
	info, ok := r.Info(1)
	require.True(t, ok)
	assert.Zero(t, info.missedHeartbeats)
}
