package dispatch

import (
	"context"
	"net"
	"testing"

	"github.com/oncfsd/oncfsd/internal/rpc"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowAllAuth struct{}

func (allowAllAuth) Authenticate(net.Addr, rpc.Credentials, rpc.Credentials) (uint64, uint32, bool) {
	return 42, 0, true
}

type denyAuth struct{ stat uint32 }

func (d denyAuth) Authenticate(net.Addr, rpc.Credentials, rpc.Credentials) (uint64, uint32, bool) {
	return 0, d.stat, false
}

func buildCall(t *testing.T, program, version, procedure uint32) *rpcpacket.Packet {
	t.Helper()
	p := rpcpacket.NewHeap(256)
	p.PrepareForWrite(rpcpacket.TransportUDP)
	cred := rpc.Credentials{Flavor: rpc.AuthFlavorNone}
	require.NoError(t, rpc.BuildRequestHeader(p, 1, program, version, procedure, cred, cred))
	p.SetLength(p.Pos())
	return p
}

func readAcceptStat(t *testing.T, reply *rpcpacket.Packet) uint32 {
	t.Helper()
	reply.Seek(0)
	_, _ = reply.ReadUint32() // xid
	_, _ = reply.ReadUint32() // mtype
	_, _ = reply.ReadUint32() // rstat
	_, _ = reply.ReadUint32() // verf flavor
	_, _ = reply.ReadOpaque() // verf body
	astat, err := reply.ReadUint32()
	require.NoError(t, err)
	return astat
}

// TestDispatchNullProcedure implements scenario S1: a NULL call to a
// registered program/version/procedure succeeds.
func TestDispatchNullProcedure(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register(100005, 3, 0, Procedure{Name: "NULL", Handler: func(ctx context.Context, req, reply *rpcpacket.Packet) error {
		called = true
		key, ok := SessionKeyFromContext(ctx)
		assert.True(t, ok)
		assert.Equal(t, uint64(42), key)
		return nil
	}})

	d := New(reg, allowAllAuth{})
	req := buildCall(t, 100005, 3, 0)
	reply := rpcpacket.NewHeap(256)
	reply.PrepareForWrite(rpcpacket.TransportUDP)

	require.NoError(t, d.Dispatch(context.Background(), &net.UDPAddr{}, req, reply))
	assert.True(t, called)
	assert.Equal(t, rpc.Success, readAcceptStat(t, reply))
}

func TestDispatchProgramUnavailable(t *testing.T) {
	reg := NewRegistry()
	d := New(reg, allowAllAuth{})
	req := buildCall(t, 999999, 1, 0)
	reply := rpcpacket.NewHeap(256)
	reply.PrepareForWrite(rpcpacket.TransportUDP)

	require.NoError(t, d.Dispatch(context.Background(), &net.UDPAddr{}, req, reply))
	assert.Equal(t, rpc.ProgUnavail, readAcceptStat(t, reply))
}

func TestDispatchVersionMismatchReportsRange(t *testing.T) {
	reg := NewRegistry()
	noop := Procedure{Name: "x", Handler: func(context.Context, *rpcpacket.Packet, *rpcpacket.Packet) error { return nil }}
	reg.Register(100003, 2, 0, noop)
	reg.Register(100003, 3, 0, noop)
	reg.Register(100003, 4, 0, noop)

	d := New(reg, allowAllAuth{})
	req := buildCall(t, 100003, 99, 0)
	reply := rpcpacket.NewHeap(256)
	reply.PrepareForWrite(rpcpacket.TransportUDP)

	require.NoError(t, d.Dispatch(context.Background(), &net.UDPAddr{}, req, reply))
	assert.Equal(t, rpc.ProgMismatch, readAcceptStat(t, reply))

	low, _ := reply.ReadUint32()
	high, _ := reply.ReadUint32()
	assert.Equal(t, uint32(2), low)
	assert.Equal(t, uint32(4), high)
}

func TestDispatchProcedureUnavailable(t *testing.T) {
	reg := NewRegistry()
	reg.Register(100005, 3, 0, Procedure{Name: "NULL", Handler: func(context.Context, *rpcpacket.Packet, *rpcpacket.Packet) error { return nil }})
	d := New(reg, allowAllAuth{})
	req := buildCall(t, 100005, 3, 7)
	reply := rpcpacket.NewHeap(256)
	reply.PrepareForWrite(rpcpacket.TransportUDP)

	require.NoError(t, d.Dispatch(context.Background(), &net.UDPAddr{}, req, reply))
	assert.Equal(t, rpc.ProcUnavail, readAcceptStat(t, reply))
}

func TestDispatchAuthRejected(t *testing.T) {
	reg := NewRegistry()
	reg.Register(100005, 3, 0, Procedure{Name: "NULL", Handler: func(context.Context, *rpcpacket.Packet, *rpcpacket.Packet) error { return nil }})
	d := New(reg, denyAuth{stat: rpc.AuthBadCred})
	req := buildCall(t, 100005, 3, 0)
	reply := rpcpacket.NewHeap(256)
	reply.PrepareForWrite(rpcpacket.TransportUDP)

	require.NoError(t, d.Dispatch(context.Background(), &net.UDPAddr{}, req, reply))

	reply.Seek(0)
	_, _ = reply.ReadUint32()
	_, _ = reply.ReadUint32()
	rstat, _ := reply.ReadUint32()
	assert.Equal(t, rpc.MsgDenied, rstat)
	rejectStat, _ := reply.ReadUint32()
	assert.Equal(t, rpc.AuthError, rejectStat)
	authStat, _ := reply.ReadUint32()
	assert.Equal(t, rpc.AuthBadCred, authStat)
}

func TestDispatchHandlerErrorProducesGarbageArgs(t *testing.T) {
	reg := NewRegistry()
	reg.Register(100005, 3, 0, Procedure{Name: "BROKEN", Handler: func(context.Context, *rpcpacket.Packet, *rpcpacket.Packet) error {
		return assert.AnError
	}})
	d := New(reg, allowAllAuth{})
	req := buildCall(t, 100005, 3, 0)
	reply := rpcpacket.NewHeap(256)
	reply.PrepareForWrite(rpcpacket.TransportUDP)

	require.NoError(t, d.Dispatch(context.Background(), &net.UDPAddr{}, req, reply))
	assert.Equal(t, rpc.GarbageArgs, readAcceptStat(t, reply))
}

func TestDispatchRPCVersionMismatch(t *testing.T) {
	reg := NewRegistry()
	d := New(reg, allowAllAuth{})

	req := rpcpacket.NewHeap(256)
	req.PrepareForWrite(rpcpacket.TransportUDP)
	cred := rpc.Credentials{Flavor: rpc.AuthFlavorNone}
	require.NoError(t, req.WriteUint32(55))
	require.NoError(t, req.WriteUint32(rpc.Call))
	require.NoError(t, req.WriteUint32(1)) // bogus rpcvers
	require.NoError(t, req.WriteUint32(100005))
	require.NoError(t, req.WriteUint32(3))
	require.NoError(t, req.WriteUint32(0))
	require.NoError(t, req.WriteUint32(cred.Flavor))
	require.NoError(t, req.WriteOpaque(cred.Body))
	require.NoError(t, req.WriteUint32(cred.Flavor))
	require.NoError(t, req.WriteOpaque(cred.Body))
	req.SetLength(req.Pos())

	reply := rpcpacket.NewHeap(256)
	reply.PrepareForWrite(rpcpacket.TransportUDP)
	require.NoError(t, d.Dispatch(context.Background(), &net.UDPAddr{}, req, reply))

	reply.Seek(0)
	_, _ = reply.ReadUint32()
	_, _ = reply.ReadUint32()
	rstat, _ := reply.ReadUint32()
	assert.Equal(t, rpc.MsgDenied, rstat)
	rejectStat, _ := reply.ReadUint32()
	assert.Equal(t, rpc.RPCMismatch, rejectStat)
}
