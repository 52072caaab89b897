// Package xdr implements the subset of RFC 4506 XDR encoding that ONC/RPC
// needs on the wire (RFC 1831 §8), plus RFC 1831 §10 TCP record marking.
//
// The primitives operate directly on a byte slice with an explicit cursor
// rather than through an io.Reader/io.Writer, because RpcPacket (the layer
// built on top of this package) needs to seek back and patch a length field
// after the body has been written — something a streaming encoder can't do
// without buffering the whole message itself anyway. Struct-tag-driven
// marshaling (github.com/rasky/go-xdr/xdr2) is used one layer up, in
// internal/portmap, for the portmapper DUMP result's linked list; it isn't
// a fit here because this package IS the thing that owns byte positions.
package xdr

import (
	"encoding/binary"
	"errors"
)

// ErrTruncatedMessage is returned when a read runs past the end of the
// buffer.
var ErrTruncatedMessage = errors.New("xdr: truncated message")

// ErrMalformedMessage is returned when a length-prefixed field declares a
// negative or otherwise invalid length.
var ErrMalformedMessage = errors.New("xdr: malformed message")

// MaxOpaqueLen bounds variable-length opaque/string decoding so a corrupt or
// hostile length field cannot force an unbounded allocation.
const MaxOpaqueLen = 1 << 26 // 64 MiB

// padLen returns the number of zero padding bytes needed to round n up to a
// 4-byte boundary, per RFC 4506 §3.9/§3.10.
func padLen(n int) int {
	return (4 - (n % 4)) % 4
}

// PadTo4 returns n rounded up to the next multiple of 4.
func PadTo4(n int) int {
	return n + padLen(n)
}

// Reader decodes XDR primitives from a fixed byte slice, advancing an
// internal cursor. It never allocates on the read path except where the
// caller explicitly asks for a copy (ReadOpaque/ReadString).
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential XDR decoding starting at offset 0.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Pos returns the current read cursor, in bytes from the start of buf.
func (r *Reader) Pos() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Seek repositions the cursor, for callers that need to re-read a field.
func (r *Reader) Seek(pos int) { r.pos = pos }

func (r *Reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return ErrTruncatedMessage
	}
	return nil
}

// ReadUint32 decodes a big-endian u32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadInt32 decodes a big-endian i32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 decodes a big-endian u64 (XDR "unsigned hyper").
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadInt64 decodes a big-endian i64 (XDR "hyper").
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadBool decodes an XDR bool, encoded as a u32 (0 = false, nonzero = true).
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint32()
	return v != 0, err
}

// ReadOpaqueFixed reads n raw bytes followed by XDR padding to a 4-byte
// boundary, and returns a copy of the n bytes.
func (r *Reader) ReadOpaqueFixed(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrMalformedMessage
	}
	total := n + padLen(n)
	if err := r.need(total); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += total
	return out, nil
}

// ReadOpaque reads a length-prefixed (u32) opaque byte string plus padding.
func (r *Reader) ReadOpaque() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > MaxOpaqueLen {
		return nil, ErrMalformedMessage
	}
	return r.ReadOpaqueFixed(int(n))
}

// ReadString reads a length-prefixed (u32) UTF-8 string plus padding.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadOpaque()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadUint32Array reads a length-prefixed (u32) array of u32s (used for NFS
// auxiliary gid lists and similar fixed-element arrays).
func (r *Reader) ReadUint32Array() ([]uint32, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > MaxOpaqueLen/4 {
		return nil, ErrMalformedMessage
	}
	out := make([]uint32, n)
	for i := range out {
		out[i], err = r.ReadUint32()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Writer accumulates XDR-encoded primitives into a growable byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer with capacity hint cap.
func NewWriter(cap int) *Writer {
	return &Writer{buf: make([]byte, 0, cap)}
}

// Bytes returns the accumulated buffer. The slice aliases the Writer's
// internal storage; callers that retain it across further writes must copy.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// WriteUint32 appends a big-endian u32.
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteInt32 appends a big-endian i32.
func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

// WriteUint64 appends a big-endian u64.
func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteInt64 appends a big-endian i64.
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WriteBool appends an XDR bool as a u32.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint32(1)
	} else {
		w.WriteUint32(0)
	}
}

// WriteOpaqueFixed appends raw bytes with zero padding to a 4-byte boundary,
// without a length prefix (the caller already knows the fixed length).
func (w *Writer) WriteOpaqueFixed(b []byte) {
	w.buf = append(w.buf, b...)
	w.buf = append(w.buf, make([]byte, padLen(len(b)))...)
}

// WriteOpaque appends a u32 length prefix, the bytes, and zero padding.
func (w *Writer) WriteOpaque(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.WriteOpaqueFixed(b)
}

// WriteString appends a u32 length prefix, the UTF-8 bytes, and padding.
func (w *Writer) WriteString(s string) {
	w.WriteOpaque([]byte(s))
}

// WriteUint32Array appends a u32 length prefix followed by each element.
func (w *Writer) WriteUint32Array(vals []uint32) {
	w.WriteUint32(uint32(len(vals)))
	for _, v := range vals {
		w.WriteUint32(v)
	}
}
