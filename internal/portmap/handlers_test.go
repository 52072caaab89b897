package portmap

import (
	"context"
	"net"
	"testing"

	"github.com/oncfsd/oncfsd/internal/dispatch"
	"github.com/oncfsd/oncfsd/internal/rpc"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowAllAuth struct{}

func (allowAllAuth) Authenticate(net.Addr, rpc.Credentials, rpc.Credentials) (uint64, uint32, bool) {
	return 1, 0, true
}

func setupDispatcher(t *testing.T) (*dispatch.Dispatcher, *Registry) {
	t.Helper()
	reg := dispatch.NewRegistry()
	registry := NewRegistry()
	RegisterHandlers(reg, registry)
	return dispatch.New(reg, allowAllAuth{}), registry
}

func buildMappingCall(t *testing.T, procedure uint32, m Mapping) *rpcpacket.Packet {
	t.Helper()
	p := rpcpacket.NewHeap(128)
	p.PrepareForWrite(rpcpacket.TransportUDP)
	cred := rpc.Credentials{Flavor: rpc.AuthFlavorNone}
	require.NoError(t, rpc.BuildRequestHeader(p, 1, Program, Version2, procedure, cred, cred))
	require.NoError(t, p.WriteUint32(m.Program))
	require.NoError(t, p.WriteUint32(m.Version))
	require.NoError(t, p.WriteUint32(m.Protocol))
	require.NoError(t, p.WriteUint32(m.Port))
	p.SetLength(p.Pos())
	p.ClientAddr = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	return p
}

func skipToResultBool(t *testing.T, reply *rpcpacket.Packet) bool {
	t.Helper()
	reply.Seek(0)
	_, _ = reply.ReadUint32()
	_, _ = reply.ReadUint32()
	_, _ = reply.ReadUint32()
	_, _ = reply.ReadUint32()
	_, _ = reply.ReadOpaque()
	_, _ = reply.ReadUint32() // accept_stat
	v, err := reply.ReadBool()
	require.NoError(t, err)
	return v
}

func TestPortmapSetThenGetPort(t *testing.T) {
	d, registry := setupDispatcher(t)

	req := buildMappingCall(t, ProcSet, Mapping{Program: 100003, Version: 3, Protocol: ProtoTCP, Port: 2049})
	reply := rpcpacket.NewHeap(128)
	reply.PrepareForWrite(rpcpacket.TransportUDP)
	require.NoError(t, d.Dispatch(context.Background(), req.ClientAddr, req, reply))
	assert.True(t, skipToResultBool(t, reply))
	assert.Equal(t, uint32(2049), registry.GetPort(100003, 3, ProtoTCP))
}

func TestPortmapSetRejectedFromNonLoopback(t *testing.T) {
	d, _ := setupDispatcher(t)

	req := buildMappingCall(t, ProcSet, Mapping{Program: 100003, Version: 3, Protocol: ProtoTCP, Port: 2049})
	req.ClientAddr = &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5000}
	reply := rpcpacket.NewHeap(128)
	reply.PrepareForWrite(rpcpacket.TransportUDP)
	require.NoError(t, d.Dispatch(context.Background(), req.ClientAddr, req, reply))
	assert.False(t, skipToResultBool(t, reply))
}

func TestPortmapGetPortUnregisteredReturnsZero(t *testing.T) {
	d, _ := setupDispatcher(t)

	req := buildMappingCall(t, ProcGetport, Mapping{Program: 999, Version: 1, Protocol: ProtoTCP})
	reply := rpcpacket.NewHeap(128)
	reply.PrepareForWrite(rpcpacket.TransportUDP)
	require.NoError(t, d.Dispatch(context.Background(), req.ClientAddr, req, reply))

	reply.Seek(0)
	_, _ = reply.ReadUint32()
	_, _ = reply.ReadUint32()
	_, _ = reply.ReadUint32()
	_, _ = reply.ReadUint32()
	_, _ = reply.ReadOpaque()
	_, _ = reply.ReadUint32()
	port, err := reply.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), port)
}
