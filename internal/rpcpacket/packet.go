// Package rpcpacket owns the RPC packet type shared by every transport
// (TCP, UDP, the portmapper client) and the bounded pool that allocates it.
//
// A Packet is single-owner from allocation to Release: workers, session
// handlers and the dispatcher pass it by pointer down a call chain and the
// last holder releases it. It never keeps its owning handler or connection
// alive — ConnWriter is a plain interface value the caller supplies, not a
// strong reference cycle (see DESIGN.md, "cyclic back-pointers").
package rpcpacket

import (
	"errors"
	"net"

	"github.com/oncfsd/oncfsd/internal/xdr"
)

// Transport identifies which wire framing produced or will consume a
// Packet: TCP uses record marking, UDP does not.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportTCP
	TransportUDP
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ErrBufferFull is returned by a Write* method when the packet's backing
// buffer is at capacity. The pool never grows the buffers it hands out
// (spec §4.3); a handler that hits this for a reply should not have chosen
// that size class and should allocate a heap packet of the required size
// with NewHeap.
var ErrBufferFull = errors.New("rpcpacket: buffer full")

// ConnWriter is the narrow interface a TCP packet handler implements so a
// worker can hand it a finished reply without the packet needing to know
// about net.Conn, connection registries, or write serialization.
type ConnWriter interface {
	SendResponse(reply *Packet) error
}

// Packet owns a single contiguous buffer and a read/write cursor over it.
//
// Invariant: 0 <= offset <= pos <= end <= len(buf).
type Packet struct {
	buf    []byte
	offset int
	pos    int
	end    int

	pool     *Pool
	class    sizeClass
	fromPool bool
	released bool

	// ClientAddr, Transport and SessionID are set by the transport layer
	// on ingress and carried through to the reply packet.
	ClientAddr net.Addr
	Transport  Transport
	SessionID  uint64

	// Conn is the back-pointer a TCP worker uses to send a reply on the
	// originating connection. Weak in spirit: the packet does not keep
	// the connection alive, and it is nil for UDP and client-side
	// packets, which reply on their own socket directly.
	Conn ConnWriter
}

// NewHeap allocates a packet with its own heap buffer of exactly size
// bytes, not drawn from any Pool. Used for client-side RPC (the
// portmapper client) and for replies too large for either pool class.
func NewHeap(size int) *Packet {
	return &Packet{buf: make([]byte, size)}
}

// FromBytes wraps msg as a read-only Packet: offset 0, length len(msg),
// cursor at 0. Used by client code (the portmapper client) to decode a
// reply whose bytes already arrived off the wire rather than being
// assembled field-by-field.
func FromBytes(msg []byte) *Packet {
	p := &Packet{buf: msg}
	p.SetLength(len(msg))
	return p
}

// fromBuffer wraps an existing buffer (typically pool-owned) as a Packet.
// Used internally by Pool.Allocate.
func fromBuffer(buf []byte, pool *Pool, class sizeClass, fromPool bool) *Packet {
	return &Packet{buf: buf, pool: pool, class: class, fromPool: fromPool}
}

// Cap returns the full capacity of the backing buffer.
func (p *Packet) Cap() int { return len(p.buf) }

// SetLength marks buf[0:n] as the valid decoded record (offset 0) and
// rewinds the read cursor to its start. Called after a transport has read
// exactly n bytes of a request into the packet's buffer.
func (p *Packet) SetLength(n int) {
	p.offset = 0
	p.pos = 0
	p.end = n
}

// Data returns the valid record bytes: buf[offset:end].
func (p *Packet) Data() []byte { return p.buf[p.offset:p.end] }

// PrepareForWrite resets the packet for encoding a fresh message, per the
// given transport. A TCP packet reserves the first 4 bytes for the record
// mark header (set later by Finalize); UDP has no framing overhead.
func (p *Packet) PrepareForWrite(t Transport) {
	p.Transport = t
	if t == TransportTCP {
		p.offset = 4
	} else {
		p.offset = 0
	}
	p.pos = p.offset
	p.end = p.offset
}

// Finalize completes the packet for transmission: for TCP it patches the
// record-marking header (last-fragment bit set, length = end-offset) into
// the reserved prefix; for UDP it is a no-op. Either way it returns the
// exact bytes that should be written to the socket.
func (p *Packet) Finalize() []byte {
	if p.Transport == TransportTCP {
		hb := xdr.EncodeFragmentHeader(xdr.FragmentHeader{Last: true, Length: uint32(p.end - p.offset)})
		copy(p.buf[0:4], hb[:])
		return p.buf[0:p.end]
	}
	return p.buf[p.offset:p.end]
}

// ---------------------------------------------------------------------
// Read cursor
// ---------------------------------------------------------------------

// Pos returns the current cursor position.
func (p *Packet) Pos() int { return p.pos }

// Seek sets the cursor to pos without bounds checking. rpc.ReadCall uses
// it to rewind to the start of the record, and the dispatcher to move to
// the procedure arguments.
func (p *Packet) Seek(pos int) { p.pos = pos }

func (p *Packet) needRead(n int) error {
	if n < 0 || p.pos+n > p.end {
		return xdr.ErrTruncatedMessage
	}
	return nil
}

func (p *Packet) ReadUint32() (uint32, error) {
	r := xdr.NewReader(p.buf[p.pos:p.end])
	v, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	p.pos += r.Pos()
	return v, nil
}

func (p *Packet) ReadInt32() (int32, error) {
	v, err := p.ReadUint32()
	return int32(v), err
}

func (p *Packet) ReadUint64() (uint64, error) {
	r := xdr.NewReader(p.buf[p.pos:p.end])
	v, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	p.pos += r.Pos()
	return v, nil
}

func (p *Packet) ReadBool() (bool, error) {
	v, err := p.ReadUint32()
	return v != 0, err
}

func (p *Packet) ReadOpaqueFixed(n int) ([]byte, error) {
	r := xdr.NewReader(p.buf[p.pos:p.end])
	v, err := r.ReadOpaqueFixed(n)
	if err != nil {
		return nil, err
	}
	p.pos += r.Pos()
	return v, nil
}

func (p *Packet) ReadOpaque() ([]byte, error) {
	r := xdr.NewReader(p.buf[p.pos:p.end])
	v, err := r.ReadOpaque()
	if err != nil {
		return nil, err
	}
	p.pos += r.Pos()
	return v, nil
}

func (p *Packet) ReadString() (string, error) {
	r := xdr.NewReader(p.buf[p.pos:p.end])
	v, err := r.ReadString()
	if err != nil {
		return "", err
	}
	p.pos += r.Pos()
	return v, nil
}

func (p *Packet) ReadUint32Array() ([]uint32, error) {
	r := xdr.NewReader(p.buf[p.pos:p.end])
	v, err := r.ReadUint32Array()
	if err != nil {
		return nil, err
	}
	p.pos += r.Pos()
	return v, nil
}

// ---------------------------------------------------------------------
// Write cursor
// ---------------------------------------------------------------------

func (p *Packet) growCheck(n int) error {
	if p.pos+n > len(p.buf) {
		return ErrBufferFull
	}
	return nil
}

func (p *Packet) advance(n int) {
	p.pos += n
	if p.pos > p.end {
		p.end = p.pos
	}
}

func (p *Packet) WriteUint32(v uint32) error {
	if err := p.growCheck(4); err != nil {
		return err
	}
	w := xdr.NewWriter(4)
	w.WriteUint32(v)
	copy(p.buf[p.pos:], w.Bytes())
	p.advance(4)
	return nil
}

func (p *Packet) WriteInt32(v int32) error { return p.WriteUint32(uint32(v)) }

func (p *Packet) WriteUint64(v uint64) error {
	if err := p.growCheck(8); err != nil {
		return err
	}
	w := xdr.NewWriter(8)
	w.WriteUint64(v)
	copy(p.buf[p.pos:], w.Bytes())
	p.advance(8)
	return nil
}

func (p *Packet) WriteBool(v bool) error {
	if v {
		return p.WriteUint32(1)
	}
	return p.WriteUint32(0)
}

func (p *Packet) WriteOpaque(b []byte) error {
	w := xdr.NewWriter(4 + xdr.PadTo4(len(b)))
	w.WriteOpaque(b)
	if err := p.growCheck(w.Len()); err != nil {
		return err
	}
	copy(p.buf[p.pos:], w.Bytes())
	p.advance(w.Len())
	return nil
}

func (p *Packet) WriteString(s string) error { return p.WriteOpaque([]byte(s)) }

func (p *Packet) WriteRaw(b []byte) error {
	if err := p.growCheck(len(b)); err != nil {
		return err
	}
	copy(p.buf[p.pos:], b)
	p.advance(len(b))
	return nil
}

// ---------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------

// Release returns the packet to its owning pool, if any. Idempotent and
// safe to call on a heap packet (no-op), so callers don't need to track
// whether reply and request share the same buffer before releasing both
// (spec §9, "buffer aliasing for reply = request").
func (p *Packet) Release() {
	if p == nil || p.released {
		return
	}
	p.released = true
	if p.fromPool && p.pool != nil {
		p.pool.release(p)
	}
}

// SameBuffer reports whether a and b wrap the identical backing array, so
// a caller that reuses the request packet as the reply packet can avoid
// releasing the same buffer twice.
func SameBuffer(a, b *Packet) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.buf) == 0 || len(b.buf) == 0 {
		return len(a.buf) == 0 && len(b.buf) == 0 && a == b
	}
	return &a.buf[0] == &b.buf[0]
}
