package transport

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmlog"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// Listen opens the accept loop on port. Every accepted connection's first
// frame must be a NodeJoin identifying the dialer; once read, the
// connection is registered under that node id and handed to the
// dispatcher. This is the manager's (and, after promotion, the backup's)
// side of the star topology: workers only ever dial, they never accept.
//
// The listen/accept/per-conn-goroutine/deferred-recover shape follows
// block-storage/pkg/nbd/server.go.
func (t *Transport) Listen(ctx context.Context, port uint16) (<-chan struct{}, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen on port %d: %w: %w", port, err, dsmtypes.ErrInit)
	}
	t.listener = l

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	go func() {
		close(ready)
		for {
			conn, err := l.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					dsmlog.L().Error("transport: accept failed", zap.Error(err))
					continue
				}
			}
			go t.acceptOne(conn)
		}
	}()

	return ready, nil
}

func (t *Transport) acceptOne(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			dsmlog.L().Error("transport: recovered from panic serving connection", zap.Any("panic", r))
		}
	}()

	raw := NewFramedConn(conn, t.nodeID, dsmtypes.NoNode)
	frame, err := raw.ReadFrame()
	if err != nil {
		dsmlog.L().Warn("transport: connection closed before handshake", zap.Error(err))
		_ = conn.Close()
		return
	}

	join, ok := frame.Payload.(*wire.NodeJoin)
	if !ok {
		dsmlog.L().Warn("transport: first frame was not NodeJoin", zap.Uint32("type", uint32(frame.Payload.Type())))
		_ = conn.Close()
		return
	}

	peer := join.NodeID
	fc := NewFramedConn(conn, t.nodeID, peer)
	t.registry.Upsert(peer, join.Hostname, join.Port)
	t.registry.SetConn(peer, fc)
	dsmlog.L().Info("transport: accepted peer", dsmlog.WithNode(peer))

	if t.onConnect != nil {
		t.onConnect(peer)
	}

	if err := t.dispatcher.Serve(fc); err != nil {
		dsmlog.L().Warn("transport: peer connection ended", dsmlog.WithNode(peer), zap.Error(err))
	}
	t.registry.Disconnect(peer)
	_ = conn.Close()
}
