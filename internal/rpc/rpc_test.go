package rpc

import (
	"testing"

	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildCallPacket(t *testing.T, xid, program, version, procedure uint32, cred, verf Credentials) *rpcpacket.Packet {
	t.Helper()
	p := rpcpacket.NewHeap(256)
	p.PrepareForWrite(rpcpacket.TransportUDP)
	require.NoError(t, BuildRequestHeader(p, xid, program, version, procedure, cred, verf))
	p.SetLength(p.Pos())
	return p
}

func TestReadCallRoundTrip(t *testing.T) {
	cred := Credentials{Flavor: AuthFlavorNone}
	verf := Credentials{Flavor: AuthFlavorNone}
	p := buildCallPacket(t, 7, 100005, 3, 1, cred, verf)

	call, err := ReadCall(p)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), call.XID)
	assert.Equal(t, Version2, call.RPCVers)
	assert.Equal(t, uint32(100005), call.Program)
	assert.Equal(t, uint32(3), call.Version)
	assert.Equal(t, uint32(1), call.Procedure)
	assert.True(t, call.Cred.Equal(cred))
	assert.Equal(t, p.Pos(), call.ArgsPos)
}

func TestReadCallWithAuthSysCredentials(t *testing.T) {
	body := []byte{0, 0, 0, 0, 0, 0, 0, 0}
	cred := Credentials{Flavor: AuthFlavorSys, Body: body}
	verf := Credentials{Flavor: AuthFlavorNone}
	p := buildCallPacket(t, 1, 100003, 3, 0, cred, verf)

	call, err := ReadCall(p)
	require.NoError(t, err)
	assert.Equal(t, AuthFlavorSys, call.Cred.Flavor)
	assert.Equal(t, body, call.Cred.Body)
}

func TestReadCallRejectsReplyMessage(t *testing.T) {
	p := rpcpacket.NewHeap(64)
	p.PrepareForWrite(rpcpacket.TransportUDP)
	require.NoError(t, p.WriteUint32(1))
	require.NoError(t, p.WriteUint32(Reply))
	p.SetLength(p.Pos())

	_, err := ReadCall(p)
	require.Error(t, err)
	assert.True(t, IsNotACall(err))
}

// TestBuildRPCMismatchResponse implements scenario S2: a CALL with
// rpcvers != 2 gets a fixed-length DENIED/RPC_MISMATCH(2,2) reply.
func TestBuildRPCMismatchResponse(t *testing.T) {
	p := rpcpacket.NewHeap(64)
	p.PrepareForWrite(rpcpacket.TransportTCP)
	require.NoError(t, BuildRPCMismatchResponse(p, 99))
	p.SetLength(p.Pos())
	p.Seek(0)

	xid, err := p.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(99), xid)

	mtype, err := p.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, Reply, mtype)

	rstat, err := p.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, MsgDenied, rstat)

	rejectStat, err := p.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, RPCMismatch, rejectStat)

	low, err := p.ReadUint32()
	require.NoError(t, err)
	high, err2 := p.ReadUint32()
	require.NoError(t, err2)
	assert.Equal(t, uint32(2), low)
	assert.Equal(t, uint32(2), high)
}

// TestBuildAcceptReplySuccess implements scenario S1's reply half: a NULL
// call replies ACCEPTED/SUCCESS with verifier NONE and no result body.
func TestBuildAcceptReplySuccess(t *testing.T) {
	p := rpcpacket.NewHeap(64)
	p.PrepareForWrite(rpcpacket.TransportUDP)
	require.NoError(t, BuildAcceptReply(p, 5, Success))
	p.SetLength(p.Pos())

	assert.Equal(t, 24, p.Pos()) // xid+mtype+rstat+verf_flavor+verf_len+astat

	p.Seek(0)
	_, _ = p.ReadUint32() // xid
	mtype, _ := p.ReadUint32()
	assert.Equal(t, Reply, mtype)
	rstat, _ := p.ReadUint32()
	assert.Equal(t, MsgAccepted, rstat)
	verfFlavor, _ := p.ReadUint32()
	assert.Equal(t, AuthFlavorNone, verfFlavor)
	verfBody, _ := p.ReadOpaque()
	assert.Empty(t, verfBody)
	astat, _ := p.ReadUint32()
	assert.Equal(t, Success, astat)
}

func TestBuildProgMismatchReply(t *testing.T) {
	p := rpcpacket.NewHeap(64)
	p.PrepareForWrite(rpcpacket.TransportUDP)
	require.NoError(t, BuildProgMismatchReply(p, 1, 2, 4))
	p.SetLength(p.Pos())
	p.Seek(16) // skip xid, mtype, rstat, verf flavor... actually recompute below

	p.Seek(0)
	_, _ = p.ReadUint32()
	_, _ = p.ReadUint32()
	_, _ = p.ReadUint32()
	_, _ = p.ReadUint32() // verf flavor
	_, _ = p.ReadOpaque() // verf body
	astat, _ := p.ReadUint32()
	assert.Equal(t, ProgMismatch, astat)
	low, _ := p.ReadUint32()
	high, _ := p.ReadUint32()
	assert.Equal(t, uint32(2), low)
	assert.Equal(t, uint32(4), high)
}

func TestBuildAuthErrorReply(t *testing.T) {
	p := rpcpacket.NewHeap(64)
	p.PrepareForWrite(rpcpacket.TransportUDP)
	require.NoError(t, BuildAuthErrorReply(p, 3, AuthBadCred))
	p.SetLength(p.Pos())
	p.Seek(0)

	_, _ = p.ReadUint32() // xid
	_, _ = p.ReadUint32() // mtype
	rstat, _ := p.ReadUint32()
	assert.Equal(t, MsgDenied, rstat)
	rejectStat, _ := p.ReadUint32()
	assert.Equal(t, AuthError, rejectStat)
	authStat, _ := p.ReadUint32()
	assert.Equal(t, AuthBadCred, authStat)
}

func TestCredentialsEqual(t *testing.T) {
	a := Credentials{Flavor: AuthFlavorSys, Body: []byte{1, 2, 3}}
	b := Credentials{Flavor: AuthFlavorSys, Body: []byte{1, 2, 3}}
	c := Credentials{Flavor: AuthFlavorSys, Body: []byte{1, 2, 4}}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
