package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// Transport bundles the node registry, the message dispatcher, and the
// listener/dialer plumbing into the one object the rest of the runtime
// needs: a way to register handlers, a way to send/broadcast, and
// connect/disconnect hooks for the failover and migration layers to react
// to.
type Transport struct {
	nodeID     dsmtypes.NodeID
	registry   *Registry
	dispatcher *Dispatcher
	listener   net.Listener

	onConnect    func(dsmtypes.NodeID)
	onDisconnect func(dsmtypes.NodeID)
}

// New builds a Transport for nodeID. Callers register every message
// handler on dispatcher before calling Listen or Dial.
func New(nodeID dsmtypes.NodeID, dispatcher *Dispatcher) *Transport {
	return &Transport{
		nodeID:     nodeID,
		registry:   NewRegistry(nodeID),
		dispatcher: dispatcher,
	}
}

// IsFailed reports whether the heartbeat monitor has declared id dead —
// satisfies migration.FailureChecker and failover's equivalent capability.
func (t *Transport) IsFailed(id dsmtypes.NodeID) bool { return t.registry.IsFailed(id) }

func (t *Transport) Registry() *Registry     { return t.registry }
func (t *Transport) Dispatcher() *Dispatcher { return t.dispatcher }
func (t *Transport) NodeID() dsmtypes.NodeID { return t.nodeID }

// OnConnect/OnDisconnect install the callback the failover and heartbeat
// layers use to learn about a peer joining or dropping off.
func (t *Transport) OnConnect(f func(dsmtypes.NodeID))    { t.onConnect = f }
func (t *Transport) OnDisconnect(f func(dsmtypes.NodeID)) { t.onDisconnect = f }

// Dial connects to a peer at host:port, announces this node via NodeJoin,
// registers the resulting connection under peerID, and starts serving it
// in the background. Used by a worker connecting to the manager, and by a
// worker reconnecting to the backup once the manager is declared dead.
func (t *Transport) Dial(ctx context.Context, peerID dsmtypes.NodeID, host string, port uint16, selfHostname string, selfPort uint16) (*FramedConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("transport: dial node %d at %s:%d: %w: %w", peerID, host, port, err, dsmtypes.ErrNetwork)
	}

	fc := NewFramedConn(conn, t.nodeID, peerID)
	if err := fc.Send(&wire.NodeJoin{NodeID: t.nodeID, Hostname: selfHostname, Port: selfPort}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	t.registry.Upsert(peerID, host, port)
	t.registry.SetConn(peerID, fc)

	go func() {
		if err := t.dispatcher.Serve(fc); err != nil {
			_ = err // not logged; the Disconnect below records the drop
		}
		wasConnected := t.registry.Disconnect(peerID)
		_ = conn.Close()
		if wasConnected && t.onDisconnect != nil {
			t.onDisconnect(peerID)
		}
	}()

	return fc, nil
}

// Send delivers msg to a single connected peer.
func (t *Transport) Send(id dsmtypes.NodeID, msg wire.Message) error {
	conn, ok := t.registry.Conn(id)
	if !ok {
		return fmt.Errorf("transport: node %d not connected: %w", id, dsmtypes.ErrNetwork)
	}
	return conn.Send(msg)
}

// Broadcast sends msg to every connected, non-failed peer and reports how
// many it was sent to — the allocator's Sender capability (and the lock
// and barrier managers') is satisfied by this method.
func (t *Transport) Broadcast(ctx context.Context, msg wire.Message) (int, error) {
	peers := t.registry.ConnectedPeers()
	sent := 0
	var firstErr error
	for _, id := range peers {
		if err := t.Send(id, msg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent == 0 && len(peers) > 0 {
		return 0, firstErr
	}
	return sent, nil
}
