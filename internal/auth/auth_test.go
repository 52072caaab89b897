package auth

import (
	"net"
	"testing"

	"github.com/oncfsd/oncfsd/internal/rpc"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildUnixAuthBody(t *testing.T, uid, gid uint32, gids []uint32) []byte {
	t.Helper()
	p := rpcpacket.NewHeap(128)
	p.PrepareForWrite(rpcpacket.TransportUDP)
	require.NoError(t, p.WriteUint32(1))
	require.NoError(t, p.WriteString("client"))
	require.NoError(t, p.WriteUint32(uid))
	require.NoError(t, p.WriteUint32(gid))
	require.NoError(t, p.WriteUint32(uint32(len(gids))))
	for _, g := range gids {
		require.NoError(t, p.WriteUint32(g))
	}
	p.SetLength(p.Pos())
	return p.Data()
}

func TestParseUnixAuthRoundTrip(t *testing.T) {
	body := buildUnixAuthBody(t, 1000, 1000, []uint32{27, 100})
	parsed, err := ParseUnixAuth(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), parsed.UID)
	assert.Equal(t, uint32(1000), parsed.GID)
	assert.Equal(t, []uint32{27, 100}, parsed.GIDs)
	assert.Equal(t, "client", parsed.MachineName)
}

func TestParseUnixAuthRejectsTooManyGIDs(t *testing.T) {
	gids := make([]uint32, MaxGIDs+1)
	body := buildUnixAuthBody(t, 1, 1, gids)
	_, err := ParseUnixAuth(body)
	assert.Error(t, err)
}

func TestParseUnixAuthRejectsTruncated(t *testing.T) {
	_, err := ParseUnixAuth([]byte{0, 0})
	assert.Error(t, err)
}

func TestAuthenticateNoneAccepts(t *testing.T) {
	a := New()
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1111}
	key, authStat, ok := a.Authenticate(addr, rpc.Credentials{Flavor: rpc.AuthFlavorNone}, rpc.Credentials{})
	assert.True(t, ok)
	assert.Equal(t, uint32(0), authStat)
	assert.NotZero(t, key)
}

func TestAuthenticateSysAcceptsAndDistinguishesUID(t *testing.T) {
	a := New()
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1111}

	body1 := buildUnixAuthBody(t, 1000, 1000, nil)
	key1, _, ok1 := a.Authenticate(addr, rpc.Credentials{Flavor: rpc.AuthFlavorSys, Body: body1}, rpc.Credentials{})
	require.True(t, ok1)

	body2 := buildUnixAuthBody(t, 2000, 2000, nil)
	key2, _, ok2 := a.Authenticate(addr, rpc.Credentials{Flavor: rpc.AuthFlavorSys, Body: body2}, rpc.Credentials{})
	require.True(t, ok2)

	assert.NotEqual(t, key1, key2)
}

func TestAuthenticateUnknownFlavorRejected(t *testing.T) {
	a := New()
	addr := &net.TCPAddr{}
	_, authStat, ok := a.Authenticate(addr, rpc.Credentials{Flavor: rpc.AuthFlavorRPCSECGSS}, rpc.Credentials{})
	assert.False(t, ok)
	assert.Equal(t, rpc.AuthBadCred, authStat)
}

func TestAuthenticateSysRejectsMalformedBody(t *testing.T) {
	a := New()
	addr := &net.TCPAddr{}
	_, authStat, ok := a.Authenticate(addr, rpc.Credentials{Flavor: rpc.AuthFlavorSys, Body: []byte{1, 2}}, rpc.Credentials{})
	assert.False(t, ok)
	assert.Equal(t, rpc.AuthBadCred, authStat)
}
