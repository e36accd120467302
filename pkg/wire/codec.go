package wire

import "encoding/binary"

// access to bytes is write position tracked with a cursor instead of
// slicing-and-reslicing at every field, matching the teacher's preference
// for explicit BigEndian calls over a reflection-based codec.
type writer struct {
	buf []byte
}

func newWriter(size int) *writer {
	return &writer{buf: make([]byte, 0, size)}
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *writer) bytes(v []byte) { w.buf = append(w.buf, v...) }

// fixedString writes exactly n bytes: the string's bytes, zero-padded or
// truncated to fit, matching the wire format's fixed-width string fields
// (e.g. NodeJoin.hostname[256]).
func (w *writer) fixedString(s string, n int) {
	b := make([]byte, n)
	copy(b, s)
	w.buf = append(w.buf, b...)
}

type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) u8() (uint8, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	v := r.buf[r.pos]
	r.pos++
	return v, true
}

func (r *reader) u32() (uint32, bool) {
	if r.remaining() < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, true
}

func (r *reader) u64() (uint64, bool) {
	if r.remaining() < 8 {
		return 0, false
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, true
}

func (r *reader) bytes(n int) ([]byte, bool) {
	if r.remaining() < n {
		return nil, false
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, true
}

func (r *reader) fixedString(n int) (string, bool) {
	b, ok := r.bytes(n)
	if !ok {
		return "", false
	}
	end := 0
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[:end]), true
}
