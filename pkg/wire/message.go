// Package wire implements the DSM runtime's length-framed TCP protocol:
// a 4-byte big-endian length prefix, then a fixed 24-byte header, then a
// type-specific payload. Every concrete message type is a tagged sum-type
// member (Design Note 9's "heterogeneous union payload -> tagged sum type"
// translation) implementing the Message interface below. Fields are written
// in a fixed endian by hand, never memcpy'd from a host struct, per Design
// Note 9's "manual packed struct" guidance.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

// Magic identifies a valid frame header.
const Magic uint32 = 0xDEADBEEF

// MaxFrameSize bounds a frame; the only large payload is PageReply, which
// carries exactly one page (4096 bytes) of data.
const MaxFrameSize = 8192

// HeaderSize is the fixed, packed size of Header in bytes:
// magic(4) + msgType(4) + length(4) + sender(4) + seq(8) = 24.
const HeaderSize = 24

type MsgType uint32

const (
	MsgPageRequest MsgType = iota + 1
	MsgPageReply
	MsgInvalidate
	MsgInvalidateAck
	MsgLockRequest
	MsgLockGrant
	MsgLockRelease
	MsgBarrierArrive
	MsgBarrierRelease
	MsgAllocNotify
	MsgAllocAck
	MsgNodeJoin
	MsgNodeLeave
	MsgHeartbeat
	MsgHeartbeatAck
	MsgDirQuery
	MsgDirReply
	MsgOwnerUpdate
	MsgNodeFailed
	MsgSharerQuery
	MsgSharerReply
	MsgStateSyncDir
	MsgStateSyncLock
	MsgStateSyncBarrier
	MsgStateSyncNode
	MsgManagerPromotion
	MsgReconnectRequest
	MsgError
)

// Header is the fixed preamble of every frame.
type Header struct {
	Magic   uint32
	Type    MsgType
	Length  uint32 // length of the payload that follows the header
	Sender  dsmtypes.NodeID
	SeqNum  uint64
}

func (h Header) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Sender))
	binary.BigEndian.PutUint64(buf[16:24], h.SeqNum)
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	h := Header{
		Magic:  binary.BigEndian.Uint32(buf[0:4]),
		Type:   MsgType(binary.BigEndian.Uint32(buf[4:8])),
		Length: binary.BigEndian.Uint32(buf[8:12]),
		Sender: dsmtypes.NodeID(binary.BigEndian.Uint32(buf[12:16])),
		SeqNum: binary.BigEndian.Uint64(buf[16:24]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("wire: bad magic %#x", h.Magic)
	}
	return h, nil
}

// Message is implemented by every payload type; Type identifies the wire
// tag, Marshal/Unmarshal implement the per-type fixed-layout codec.
type Message interface {
	Type() MsgType
	Marshal() []byte
	Unmarshal([]byte) error
}

// Frame is a decoded header plus its typed payload, as returned by Decode.
type Frame struct {
	Header  Header
	Payload Message
}

// Encode serializes a message into a full length-prefixed frame: 4-byte
// big-endian length, then the header, then the payload.
func Encode(sender dsmtypes.NodeID, seq uint64, msg Message) ([]byte, error) {
	payload := msg.Marshal()
	h := Header{Magic: Magic, Type: msg.Type(), Length: uint32(len(payload)), Sender: sender, SeqNum: seq}

	total := HeaderSize + len(payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", total, MaxFrameSize)
	}

	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	h.encode(buf[4 : 4+HeaderSize])
	copy(buf[4+HeaderSize:], payload)

	return buf, nil
}

// DecodeFrame parses a header+payload buffer (without the 4-byte length
// prefix, which the transport layer strips off while reading) into a Frame.
func DecodeFrame(buf []byte) (Frame, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return Frame{}, err
	}

	body := buf[HeaderSize:]
	if uint32(len(body)) != h.Length {
		return Frame{}, fmt.Errorf("wire: header length %d does not match body %d", h.Length, len(body))
	}

	msg, err := newPayload(h.Type)
	if err != nil {
		return Frame{}, err
	}

	if err := msg.Unmarshal(body); err != nil {
		return Frame{}, fmt.Errorf("wire: unmarshal %v: %w", h.Type, err)
	}

	return Frame{Header: h, Payload: msg}, nil
}

func newPayload(t MsgType) (Message, error) {
	switch t {
	case MsgPageRequest:
		return &PageRequest{}, nil
	case MsgPageReply:
		return &PageReply{}, nil
	case MsgInvalidate:
		return &Invalidate{}, nil
	case MsgInvalidateAck:
		return &InvalidateAck{}, nil
	case MsgLockRequest:
		return &LockRequest{}, nil
	case MsgLockGrant:
		return &LockGrant{}, nil
	case MsgLockRelease:
		return &LockRelease{}, nil
	case MsgBarrierArrive:
		return &BarrierArrive{}, nil
	case MsgBarrierRelease:
		return &BarrierRelease{}, nil
	case MsgAllocNotify:
		return &AllocNotify{}, nil
	case MsgAllocAck:
		return &AllocAck{}, nil
	case MsgNodeJoin:
		return &NodeJoin{}, nil
	case MsgNodeLeave:
		return &NodeLeave{}, nil
	case MsgHeartbeat:
		return &Heartbeat{}, nil
	case MsgHeartbeatAck:
		return &HeartbeatAck{}, nil
	case MsgDirQuery:
		return &DirQuery{}, nil
	case MsgDirReply:
		return &DirReply{}, nil
	case MsgOwnerUpdate:
		return &OwnerUpdate{}, nil
	case MsgNodeFailed:
		return &NodeFailed{}, nil
	case MsgSharerQuery:
		return &SharerQuery{}, nil
	case MsgSharerReply:
		return &SharerReply{}, nil
	case MsgStateSyncDir:
		return &StateSyncDir{}, nil
	case MsgStateSyncLock:
		return &StateSyncLock{}, nil
	case MsgStateSyncBarrier:
		return &StateSyncBarrier{}, nil
	case MsgStateSyncNode:
		return &StateSyncNode{}, nil
	case MsgManagerPromotion:
		return &ManagerPromotion{}, nil
	case MsgReconnectRequest:
		return &ReconnectRequest{}, nil
	case MsgError:
		return &ErrorMsg{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", t)
	}
}
