// Package transport implements the DSM runtime's length-framed TCP layer:
// a FramedConn per peer, a dispatcher that invokes message handlers inline
// as frames arrive, an accept loop for the manager, a dialer for workers,
// and heartbeat-based failure detection. The accept-loop/per-conn-goroutine
// shape and deferred-recover-and-log pattern follow
// block-storage/pkg/nbd/server.go; the dial/connect shape follows
// block-storage/pkg/nbd/client.go.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// FramedConn wraps a net.Conn with the runtime's length-prefix framing and
// serializes writes (many goroutines — application threads replying to a
// PageRequest, the heartbeat thread, the lock/barrier managers — can all
// want to write to the same peer concurrently).
type FramedConn struct {
	conn   net.Conn
	peer   dsmtypes.NodeID
	seq    atomic.Uint64
	nodeID dsmtypes.NodeID

	writeMu sync.Mutex
}

// NewFramedConn wraps conn; nodeID is this process's own id, stamped into
// every outgoing frame's Header.Sender.
func NewFramedConn(conn net.Conn, nodeID dsmtypes.NodeID, peer dsmtypes.NodeID) *FramedConn {
	return &FramedConn{conn: conn, nodeID: nodeID, peer: peer}
}

func (c *FramedConn) Peer() dsmtypes.NodeID { return c.peer }
func (c *FramedConn) Close() error          { return c.conn.Close() }
func (c *FramedConn) RemoteAddr() net.Addr  { return c.conn.RemoteAddr() }

// Send encodes and writes one message, holding writeMu for the whole frame
// so concurrent senders never interleave partial frames on the wire.
func (c *FramedConn) Send(msg wire.Message) error {
	frame, err := wire.Encode(c.nodeID, c.seq.Add(1), msg)
	if err != nil {
		return fmt.Errorf("transport: encode %T: %w", msg, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("transport: write to node %d: %w: %w", c.peer, err, dsmtypes.ErrNetwork)
	}
	return nil
}

// ReadFrame blocks for the next full length-prefixed frame. It never
// returns a partial frame: on any I/O error (including io.EOF, a clean
// peer disconnect) it returns the error as-is so the caller's read loop can
// tell a disconnect from a framing bug.
func (c *FramedConn) ReadFrame() (wire.Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return wire.Frame{}, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total > wire.MaxFrameSize {
		return wire.Frame{}, fmt.Errorf("transport: frame of %d bytes exceeds max %d", total, wire.MaxFrameSize)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return wire.Frame{}, err
	}

	return wire.DecodeFrame(body)
}
