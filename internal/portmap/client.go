package portmap

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oncfsd/oncfsd/internal/logger"
	"github.com/oncfsd/oncfsd/internal/rpc"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/oncfsd/oncfsd/internal/xdr"
)

// Client issues SET/UNSET calls against an external portmapper (typically
// on localhost:111) to advertise this server's NFS/MOUNT/Lock programs.
// Grounded on absnfs's RegisterService/UnregisterService intent, but
// actually speaking RFC 1833 over the wire rather than keeping a local
// mirror, since the authoritative registry here is the remote process'.
type Client struct {
	addr    string
	timeout time.Duration
	xid     uint32
}

// registerMu serializes portmapper traffic across every Client in the
// process: the portmapper itself serializes SET/UNSET, so concurrent
// registration offers no benefit.
var registerMu sync.Mutex

// NewClient returns a Client that dials addr (host:port, default port 111)
// for each call.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = "127.0.0.1:111"
	}
	return &Client{addr: addr, timeout: 5 * time.Second}
}

func (c *Client) nextXID() uint32 {
	c.xid++
	return c.xid
}

// Register calls portmapper SET for (program, version, protocol, port). A
// port of 0 is rejected by the remote registry by design (spec §4.8: "-1
// disables registration entirely and is never sent over the wire").
func (c *Client) Register(ctx context.Context, program, version, protocol, port uint32) error {
	return c.call(ctx, ProcSet, Mapping{Program: program, Version: version, Protocol: protocol, Port: port})
}

// Unregister calls portmapper UNSET for (program, version).
func (c *Client) Unregister(ctx context.Context, program, version uint32) error {
	return c.call(ctx, ProcUnset, Mapping{Program: program, Version: version})
}

// Dump calls portmapper DUMP and returns every mapping the remote registry
// currently holds, for oncfsdctl's "portmap dump" (SPEC_FULL.md §4.15).
func (c *Client) Dump(ctx context.Context) ([]Mapping, error) {
	registerMu.Lock()
	defer registerMu.Unlock()

	reply, err := c.roundTrip(ctx, ProcDump, nil)
	if err != nil {
		return nil, err
	}
	return DecodeDump(reply)
}

func (c *Client) call(ctx context.Context, procedure uint32, m Mapping) error {
	registerMu.Lock()
	defer registerMu.Unlock()

	reply, err := c.roundTrip(ctx, procedure, []uint32{m.Program, m.Version, m.Protocol, m.Port})
	if err != nil {
		return err
	}

	ok, err := reply.ReadBool()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("portmap client: procedure %d refused mapping %+v", procedure, m)
	}
	logger.Debug("portmap client call succeeded", "procedure", procedure, "mapping", m)
	return nil
}

// roundTrip sends one RPC call carrying args (raw uint32 words, nil for
// DUMP which takes none) and returns the reply packet positioned just past
// the accepted-reply header, ready for the caller to decode its own
// procedure-specific result. Callers must hold registerMu.
func (c *Client) roundTrip(ctx context.Context, procedure uint32, args []uint32) (*rpcpacket.Packet, error) {
	conn, err := (&net.Dialer{Timeout: c.timeout}).DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("portmap client: dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	xid := c.nextXID()
	req := rpcpacket.NewHeap(64)
	req.PrepareForWrite(rpcpacket.TransportTCP)
	cred := rpc.Credentials{Flavor: rpc.AuthFlavorNone}
	if err := rpc.BuildRequestHeader(req, xid, Program, Version2, procedure, cred, cred); err != nil {
		return nil, err
	}
	for _, v := range args {
		if err := req.WriteUint32(v); err != nil {
			return nil, err
		}
	}

	if _, err := conn.Write(req.Finalize()); err != nil {
		return nil, fmt.Errorf("portmap client: write: %w", err)
	}

	raw, err := xdr.ReadRecord(conn)
	if err != nil {
		return nil, fmt.Errorf("portmap client: read: %w", err)
	}

	reply := rpcpacket.FromBytes(raw)

	respXID, err := reply.ReadUint32()
	if err != nil {
		return nil, err
	}
	if respXID != xid {
		return nil, fmt.Errorf("portmap client: xid mismatch: got %d want %d", respXID, xid)
	}
	if _, err := reply.ReadUint32(); err != nil { // mtype
		return nil, err
	}
	rstat, err := reply.ReadUint32()
	if err != nil {
		return nil, err
	}
	if rstat != rpc.MsgAccepted {
		return nil, fmt.Errorf("portmap client: call denied (reject_stat=%d)", rstat)
	}
	if _, err := reply.ReadUint32(); err != nil { // verf flavor
		return nil, err
	}
	if _, err := reply.ReadOpaque(); err != nil { // verf body
		return nil, err
	}
	astat, err := reply.ReadUint32()
	if err != nil {
		return nil, err
	}
	if astat != rpc.Success {
		return nil, fmt.Errorf("portmap client: accept_stat=%d", astat)
	}
	return reply, nil
}
