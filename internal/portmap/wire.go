package portmap

import (
	"bytes"

	goxdr "github.com/rasky/go-xdr/xdr2"

	"github.com/oncfsd/oncfsd/internal/rpcpacket"
)

// dumpEntry mirrors the portmapper's pmap struct for one linked-list node.
// Exported fields only: go-xdr's reflection-based Marshal encodes struct
// fields in declaration order.
type dumpEntry struct {
	Program  uint32
	Version  uint32
	Protocol uint32
	Port     uint32
}

// dumpList is the RFC 1833 "pmaplist": a present-flag followed by an entry
// and the tail, repeated, terminated by an absent-flag. go-xdr encodes a
// nil *dumpList as XDR optional-data's false branch and a non-nil pointer
// as true followed by the pointee, which is exactly this linked-list wire
// shape — the reason this package reaches for go-xdr's struct-tag
// reflection rather than the hand-rolled cursor codec in internal/xdr (see
// DESIGN.md, "wire codec library boundary").
type dumpList struct {
	Entry dumpEntry
	Next  *dumpList
}

// EncodeDump builds the pmaplist wire representation of mappings.
func EncodeDump(mappings []Mapping) ([]byte, error) {
	var head *dumpList
	cur := &head
	for _, m := range mappings {
		node := &dumpList{Entry: dumpEntry{Program: m.Program, Version: m.Version, Protocol: m.Protocol, Port: m.Port}}
		*cur = node
		cur = &node.Next
	}

	var buf bytes.Buffer
	if _, err := goxdr.Marshal(&buf, head); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDump reads the pmaplist body from a DUMP reply already positioned
// at the start of the list (past the RPC reply header). Unlike EncodeDump
// it reads straight off the packet's own cursor rather than through
// go-xdr's reflection: by the time a client is consuming this reply the
// values are already flat words on the wire, and internal/rpcpacket's
// cursor is the codec every other client call in this package already
// uses.
func DecodeDump(p *rpcpacket.Packet) ([]Mapping, error) {
	var mappings []Mapping
	for {
		more, err := p.ReadBool()
		if err != nil {
			return nil, err
		}
		if !more {
			return mappings, nil
		}
		var m Mapping
		if m.Program, err = p.ReadUint32(); err != nil {
			return nil, err
		}
		if m.Version, err = p.ReadUint32(); err != nil {
			return nil, err
		}
		if m.Protocol, err = p.ReadUint32(); err != nil {
			return nil, err
		}
		if m.Port, err = p.ReadUint32(); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
}
