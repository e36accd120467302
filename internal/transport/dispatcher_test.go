package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

func TestDispatcherServeInvokesRegisteredHandler(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	d := NewDispatcher()
	received := make(chan dsmtypes.NodeID, 1)
	d.On(wire.MsgNodeJoin, func(peer dsmtypes.NodeID, frame wire.Frame) {
		received <- peer
	})

	sConn := NewFramedConn(server, 2, 1)
	cConn := NewFramedConn(client, 1, 2)

	serveDone := make(chan error, 1)
	go func() { serveDone <- d.Serve(sConn) }()

	require.NoError(t, cConn.Send(&wire.NodeJoin{NodeID: 1, Hostname: "h", Port: 1}))

	select {
	case peer := <-received:
		assert.EqualValues(t, 1, peer)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	require.NoError(t, client.Close())
	require.NoError(t, <-serveDone)
}

func TestDispatcherServeSkipsUnregisteredType(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	d := NewDispatcher() // no handlers registered at all
	sConn := NewFramedConn(server, 2, 1)
	cConn := NewFramedConn(client, 1, 2)

	serveDone := make(chan error, 1)
	go func() { serveDone <- d.Serve(sConn) }()

	require.NoError(t, cConn.Send(&wire.NodeJoin{NodeID: 1, Hostname: "h", Port: 1}))
	require.NoError(t, cConn.Send(&wire.Heartbeat{}))

	require.NoError(t, client.Close())
	require.NoError(t, <-serveDone)
}
