// Package codec implements the canonical deterministic binary encoding used
// both as the wire format for client/node bodies and as the signing preimage
// for signed transactions. Every rule here is load-bearing: a change to byte
// order, discriminant width, or length-prefix width changes what a previously
// issued signature verifies against.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a Reader runs out of bytes before satisfying
// a read.
var ErrTruncated = errors.New("codec: truncated input")

// ErrOverlong is returned when a declared length (a variable-length byte
// string or a sequence count) exceeds the bytes remaining in the buffer. A
// well-formed encoder never produces this; it guards against hostile input.
var ErrOverlong = errors.New("codec: declared length exceeds remaining input")

// ErrDiscriminant is returned when an enum discriminant byte does not match
// any known variant.
var ErrDiscriminant = errors.New("codec: unknown discriminant")

// Writer accumulates a canonical encoding. The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with the given initial capacity hint.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// WriteU8 appends a single byte.
func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteU32 appends a 4-byte little-endian unsigned integer.
func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteI32 appends a 4-byte little-endian signed integer.
func (w *Writer) WriteI32(v int32) {
	w.WriteU32(uint32(v))
}

// WriteU64 appends an 8-byte little-endian unsigned integer.
func (w *Writer) WriteU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteI64 appends an 8-byte little-endian signed integer.
func (w *Writer) WriteI64(v int64) {
	w.WriteU64(uint64(v))
}

// WriteFixed appends raw bytes with no length prefix. Used for fixed-size
// arrays (32-byte txids, 17-byte addresses, 65-byte signatures) whose length
// is implied by the schema, not the data.
func (w *Writer) WriteFixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteBytes appends a variable-length byte string as a 4-byte little-endian
// length prefix followed by the bytes themselves.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteSeqLen appends the 4-byte little-endian count prefixing an ordered
// sequence. Callers write each element's encoding immediately after.
func (w *Writer) WriteSeqLen(n int) {
	w.WriteU32(uint32(n))
}

// Reader consumes a canonical encoding from a fixed buffer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps b for sequential reads. b is not copied; callers must not
// mutate it while the Reader is in use.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining reports how many bytes are left to read.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Done reports whether every byte of the buffer has been consumed. Decoders
// of top-level messages should call this to reject trailing garbage.
func (r *Reader) Done() bool {
	return r.pos == len(r.buf)
}

func (r *Reader) need(n int) error {
	if n < 0 || r.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, r.Remaining())
	}
	return nil
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// ReadU32 reads a 4-byte little-endian unsigned integer.
func (r *Reader) ReadU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

// ReadI32 reads a 4-byte little-endian signed integer.
func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadU64 reads an 8-byte little-endian unsigned integer.
func (r *Reader) ReadU64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

// ReadI64 reads an 8-byte little-endian signed integer.
func (r *Reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// ReadFixed reads exactly n raw bytes with no length prefix.
func (r *Reader) ReadFixed(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// ReadBytes reads a 4-byte little-endian length prefix followed by that many
// bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Remaining() {
		return nil, ErrOverlong
	}
	return r.ReadFixed(int(n))
}

// ReadSeqLen reads the 4-byte little-endian count prefixing an ordered
// sequence, rejecting a count too large to be backed by the remaining
// buffer (each element is at least one byte).
func (r *Reader) ReadSeqLen() (int, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if int(n) > r.Remaining() {
		return 0, ErrOverlong
	}
	return int(n), nil
}
