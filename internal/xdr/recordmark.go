package xdr

import (
	"encoding/binary"
	"fmt"
	"io"
)

// lastFragmentBit is bit 31 of the 4-byte record-marking header (RFC 1831
// §10): set on the final fragment of a message.
const lastFragmentBit = 1 << 31

// fragmentLenMask isolates the low 31 bits that carry the fragment's byte
// length.
const fragmentLenMask = lastFragmentBit - 1

// FragmentHeader is the decoded form of a TCP record-marking header.
type FragmentHeader struct {
	Last   bool
	Length uint32
}

// EncodeFragmentHeader packs a fragment header into its 4-byte wire form.
func EncodeFragmentHeader(h FragmentHeader) [4]byte {
	v := h.Length & fragmentLenMask
	if h.Last {
		v |= lastFragmentBit
	}
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], v)
	return out
}

// DecodeFragmentHeader unpacks a 4-byte fragment header.
func DecodeFragmentHeader(b [4]byte) FragmentHeader {
	v := binary.BigEndian.Uint32(b[:])
	return FragmentHeader{
		Last:   v&lastFragmentBit != 0,
		Length: v & fragmentLenMask,
	}
}

// MaxRecordSize bounds the total reassembled message size ReadRecord will
// accept, guarding against a peer that never sets the last-fragment
// bit from exhausting memory.
const MaxRecordSize = 8 << 20 // 8 MiB

// ReadRecord reads one complete RPC message from r, reassembling as many
// TCP record-marking fragments as the peer sent (RFC 1831 §10: "the only
// restriction is that a record must consist of at least one fragment").
// Implementations MAY emit multiple fragments; this reader accepts any
// number, concatenating their payloads in order.
func ReadRecord(r io.Reader) ([]byte, error) {
	var msg []byte
	for {
		var hb [4]byte
		if _, err := io.ReadFull(r, hb[:]); err != nil {
			return nil, err
		}
		h := DecodeFragmentHeader(hb)

		if len(msg)+int(h.Length) > MaxRecordSize {
			return nil, fmt.Errorf("xdr: record exceeds %d bytes", MaxRecordSize)
		}

		frag := make([]byte, h.Length)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		msg = append(msg, frag...)

		if h.Last {
			return msg, nil
		}
	}
}

// WriteRecord writes msg as a single-fragment TCP record (last-fragment bit
// set, full length in the low 31 bits). Per RFC 1831 §10 a writer MAY split
// a message across multiple fragments, but is only required to set the
// last-fragment bit on the final one; emitting one fragment per message is
// the simplest conforming choice and is what every caller in this core
// does.
func WriteRecord(w io.Writer, msg []byte) error {
	hb := EncodeFragmentHeader(FragmentHeader{Last: true, Length: uint32(len(msg))})
	if _, err := w.Write(hb[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}
