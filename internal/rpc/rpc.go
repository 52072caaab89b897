// Package rpc implements the RFC 1831 ONC/RPC message envelope: decoding a
// CALL into a CallHeader, and encoding every REPLY status path the dispatcher
// (internal/dispatch) can produce. It knows nothing about any particular
// program's procedures — per spec §4.7 the dispatcher is stateless and this
// package is its wire-level vocabulary.
package rpc

import (
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
)

// Message type (RFC 1831 §8, msg_type).
const (
	Call  uint32 = 0
	Reply uint32 = 1
)

// Reply status (RFC 1831 §8, reply_stat).
const (
	MsgAccepted uint32 = 0
	MsgDenied   uint32 = 1
)

// Accept status (RFC 1831 §8, accept_stat).
const (
	Success      uint32 = 0
	ProgUnavail  uint32 = 1
	ProgMismatch uint32 = 2
	ProcUnavail  uint32 = 3
	GarbageArgs  uint32 = 4
	SystemErr    uint32 = 5
)

// Reject status (RFC 1831 §8, reject_stat).
const (
	RPCMismatch uint32 = 0
	AuthError   uint32 = 1
)

// Auth status (RFC 1831 §8, auth_stat), returned inside a DENIED/AUTH_ERROR
// reply.
const (
	AuthBadCred      uint32 = 1
	AuthRejectedCred uint32 = 2
	AuthBadVerf      uint32 = 3
	AuthRejectedVerf uint32 = 4
	AuthTooWeak      uint32 = 5
	AuthInvalidResp  uint32 = 6
	AuthFailed       uint32 = 7
)

// Auth flavor (RFC 1831 §8, auth_flavor). RPCSEC_GSS (6) is recognized only
// to be rejected with AuthBadCred — cryptographic GSS flavors are a
// spec.md §1 non-goal.
const (
	AuthFlavorNone       uint32 = 0
	AuthFlavorSys        uint32 = 1 // AUTH_UNIX
	AuthFlavorShort      uint32 = 2
	AuthFlavorDES        uint32 = 3
	AuthFlavorRPCSECGSS  uint32 = 6
	Version2             uint32 = 2
	rpcVersionLow        uint32 = 2
	rpcVersionHigh       uint32 = 2
)

// Credentials is a decoded (flavor, opaque body) pair: either the call's
// credentials or its verifier.
type Credentials struct {
	Flavor uint32
	Body   []byte
}

// Equal reports whether two Credentials carry the same flavor and
// byte-identical opaque body (spec §3, RpcCredentials equality).
func (c Credentials) Equal(o Credentials) bool {
	if c.Flavor != o.Flavor || len(c.Body) != len(o.Body) {
		return false
	}
	for i := range c.Body {
		if c.Body[i] != o.Body[i] {
			return false
		}
	}
	return true
}

// CallHeader is a fully decoded RPC CALL header. Arguments remain unread in
// the packet; ArgsPos is where the procedure handler should resume decoding.
type CallHeader struct {
	XID       uint32
	RPCVers   uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Cred      Credentials
	Verf      Credentials
	ArgsPos   int
}

// ReadCall decodes an RPC CALL header from pkt, leaving pkt's cursor at the
// start of the procedure arguments on success.
func ReadCall(pkt *rpcpacket.Packet) (*CallHeader, error) {
	pkt.Seek(0)

	xid, err := pkt.ReadUint32()
	if err != nil {
		return nil, err
	}
	mtype, err := pkt.ReadUint32()
	if err != nil {
		return nil, err
	}
	c := &CallHeader{XID: xid}
	if mtype != Call {
		// Not a CALL (likely a backchannel REPLY multiplexed on the same
		// TCP connection); caller decides how to handle this.
		return c, errNotACall
	}

	rpcvers, err := pkt.ReadUint32()
	if err != nil {
		return nil, err
	}
	c.RPCVers = rpcvers

	if c.Program, err = pkt.ReadUint32(); err != nil {
		return nil, err
	}
	if c.Version, err = pkt.ReadUint32(); err != nil {
		return nil, err
	}
	if c.Procedure, err = pkt.ReadUint32(); err != nil {
		return nil, err
	}
	if c.Cred, err = readCredentials(pkt); err != nil {
		return nil, err
	}
	if c.Verf, err = readCredentials(pkt); err != nil {
		return nil, err
	}
	c.ArgsPos = pkt.Pos()
	return c, nil
}

func readCredentials(pkt *rpcpacket.Packet) (Credentials, error) {
	flavor, err := pkt.ReadUint32()
	if err != nil {
		return Credentials{}, err
	}
	body, err := pkt.ReadOpaque()
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Flavor: flavor, Body: body}, nil
}

// writeCredentials writes a (flavor, opaque) pair. Used for both the call's
// credentials/verifier and a reply's verifier.
func writeCredentials(pkt *rpcpacket.Packet, c Credentials) error {
	if err := pkt.WriteUint32(c.Flavor); err != nil {
		return err
	}
	return pkt.WriteOpaque(c.Body)
}

// VerfNone is the AUTH_NONE verifier the dispatcher attaches to every
// ACCEPTED reply (spec §4.2: "each writes verifier NONE for accepted
// replies").
var VerfNone = Credentials{Flavor: AuthFlavorNone}

// BuildRequestHeader writes a CALL header (xid, CALL, rpcvers=2, program,
// version, procedure, credentials, verifier) into pkt, leaving the
// cursor at the start of arguments. Used by the portmapper client, the only
// RPC client in this core.
func BuildRequestHeader(pkt *rpcpacket.Packet, xid, program, version, procedure uint32, cred, verf Credentials) error {
	for _, err := range []error{
		pkt.WriteUint32(xid),
		pkt.WriteUint32(Call),
		pkt.WriteUint32(Version2),
		pkt.WriteUint32(program),
		pkt.WriteUint32(version),
		pkt.WriteUint32(procedure),
	} {
		if err != nil {
			return err
		}
	}
	if err := writeCredentials(pkt, cred); err != nil {
		return err
	}
	return writeCredentials(pkt, verf)
}

// BuildAcceptReply writes an ACCEPTED reply header (xid, REPLY,
// MSG_ACCEPTED, verifier NONE, accept_stat) leaving the cursor positioned
// for the procedure's result encoding.
func BuildAcceptReply(pkt *rpcpacket.Packet, xid, acceptStat uint32) error {
	for _, err := range []error{
		pkt.WriteUint32(xid),
		pkt.WriteUint32(Reply),
		pkt.WriteUint32(MsgAccepted),
	} {
		if err != nil {
			return err
		}
	}
	if err := writeCredentials(pkt, VerfNone); err != nil {
		return err
	}
	return pkt.WriteUint32(acceptStat)
}

// BuildProgMismatchReply writes ACCEPTED/PROG_MISMATCH with the program's
// supported version range.
func BuildProgMismatchReply(pkt *rpcpacket.Packet, xid, low, high uint32) error {
	if err := BuildAcceptReply(pkt, xid, ProgMismatch); err != nil {
		return err
	}
	if err := pkt.WriteUint32(low); err != nil {
		return err
	}
	return pkt.WriteUint32(high)
}

// BuildRejectReply writes a DENIED reply with the given reject_stat and, for
// RPC_MISMATCH, the (low, high) version detail or, for AUTH_ERROR, the
// auth_stat detail. detail is interpreted according to rejectStat.
func BuildRejectReply(pkt *rpcpacket.Packet, xid, rejectStat uint32, detail ...uint32) error {
	for _, err := range []error{
		pkt.WriteUint32(xid),
		pkt.WriteUint32(Reply),
		pkt.WriteUint32(MsgDenied),
		pkt.WriteUint32(rejectStat),
	} {
		if err != nil {
			return err
		}
	}
	for _, d := range detail {
		if err := pkt.WriteUint32(d); err != nil {
			return err
		}
	}
	return nil
}

// BuildRPCMismatchResponse writes a fixed-length DENIED/RPC_MISMATCH(2,2)
// reply — spec §4.2's named convenience constructor, used whenever rpcvers
// != 2 regardless of transport.
func BuildRPCMismatchResponse(pkt *rpcpacket.Packet, xid uint32) error {
	return BuildRejectReply(pkt, xid, RPCMismatch, rpcVersionLow, rpcVersionHigh)
}

// BuildAuthErrorReply writes a DENIED/AUTH_ERROR(authStat) reply.
func BuildAuthErrorReply(pkt *rpcpacket.Packet, xid, authStat uint32) error {
	return BuildRejectReply(pkt, xid, AuthError, authStat)
}

type notACallError struct{}

func (notACallError) Error() string { return "rpc: message is not a CALL" }

var errNotACall = notACallError{}

// IsNotACall reports whether err indicates the decoded message was a REPLY
// rather than a CALL (the NFSv4.1 backchannel multiplexing case).
func IsNotACall(err error) bool {
	_, ok := err.(notACallError)
	return ok
}
