package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterReaderRoundtrip(t *testing.T) {
	w := newWriter(0)
	w.u8(7)
	w.u32(1234)
	w.u64(5678)
	w.bytes([]byte{1, 2, 3})
	w.fixedString("hello", 8)

	r := newReader(w.buf)
	v8, ok := r.u8()
	assert.True(t, ok)
	assert.EqualValues(t, 7, v8)

	v32, ok := r.u32()
	assert.True(t, ok)
	assert.EqualValues(t, 1234, v32)

	v64, ok := r.u64()
	assert.True(t, ok)
	assert.EqualValues(t, 5678, v64)

	b, ok := r.bytes(3)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, b)

	s, ok := r.fixedString(8)
	assert.True(t, ok)
	assert.Equal(t, "hello", s)
}

func TestReaderShortReadsReturnFalse(t *testing.T) {
	r := newReader([]byte{1, 2})
	_, ok := r.u32()
	assert.False(t, ok)

	r2 := newReader([]byte{1, 2, 3})
	_, ok = r2.u64()
	assert.False(t, ok)

	r3 := newReader(nil)
	_, ok = r3.u8()
	assert.False(t, ok)
}

func TestFixedStringTruncatesToWidth(t *testing.T) {
	w := newWriter(0)
	w.fixedString("this string is way too long", 4)
	assert.Len(t, w.buf, 4)

	r := newReader(w.buf)
	s, ok := r.fixedString(4)
	assert.True(t, ok)
	assert.Equal(t, "this", s)
}
