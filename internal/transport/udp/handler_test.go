package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/oncfsd/oncfsd/internal/dispatch"
	"github.com/oncfsd/oncfsd/internal/rpc"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/oncfsd/oncfsd/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowAllAuth struct{}

func (allowAllAuth) Authenticate(net.Addr, rpc.Credentials, rpc.Credentials) (uint64, uint32, bool) {
	return 1, 0, true
}

// TestUDPNullCallRoundTrip implements scenario S1: a NULL call over UDP
// receives a 24-byte ACCEPTED/SUCCESS reply.
func TestUDPNullCallRoundTrip(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register(100005, 3, 0, dispatch.Procedure{Name: "NULL", Handler: func(context.Context, *rpcpacket.Packet, *rpcpacket.Packet) error { return nil }})
	d := dispatch.New(reg, allowAllAuth{})
	pool := rpcpacket.NewPool(rpcpacket.DefaultConfig())
	workers := worker.New(4)
	defer workers.Stop()

	h, err := Listen("127.0.0.1:0", pool, d, workers)
	require.NoError(t, err)
	defer h.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx)

	client, err := net.Dial("udp", h.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	req := rpcpacket.NewHeap(64)
	req.PrepareForWrite(rpcpacket.TransportUDP)
	cred := rpc.Credentials{Flavor: rpc.AuthFlavorNone}
	require.NoError(t, rpc.BuildRequestHeader(req, 9, 100005, 3, 0, cred, cred))
	req.SetLength(req.Pos())

	_, err = client.Write(req.Finalize())
	require.NoError(t, err)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	reply := rpcpacket.FromBytes(buf[:n])
	xid, _ := reply.ReadUint32()
	assert.Equal(t, uint32(9), xid)
	mtype, _ := reply.ReadUint32()
	assert.Equal(t, rpc.Reply, mtype)
}
