package portmap

import (
	"context"
	"net"

	"github.com/oncfsd/oncfsd/internal/dispatch"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
)

func readMapping(req *rpcpacket.Packet) (Mapping, error) {
	program, err := req.ReadUint32()
	if err != nil {
		return Mapping{}, err
	}
	version, err := req.ReadUint32()
	if err != nil {
		return Mapping{}, err
	}
	protocol, err := req.ReadUint32()
	if err != nil {
		return Mapping{}, err
	}
	port, err := req.ReadUint32()
	if err != nil {
		return Mapping{}, err
	}
	return Mapping{Program: program, Version: version, Protocol: protocol, Port: port}, nil
}

// LocalOnly gates SET/UNSET to loopback callers, matching the teacher's
// "SET/UNSET localhost restriction" comment in dispatch.go: a remote host
// registering services on this machine's behalf has no legitimate use and
// is a known rpcbind abuse vector.
func LocalOnly(addr net.Addr) bool {
	host, _, err := splitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func splitHostPort(addr net.Addr) (string, string, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String(), "", nil
	case *net.UDPAddr:
		return a.IP.String(), "", nil
	default:
		return net.SplitHostPort(addr.String())
	}
}

// RegisterHandlers wires the NULL/SET/UNSET/GETPORT/DUMP procedures into
// reg at (Program, Version2). SET/UNSET authorize against req.ClientAddr,
// the net.Addr the transport layer sets on each request.
func RegisterHandlers(reg *dispatch.Registry, registry *Registry) {
	reg.Register(Program, Version2, ProcNull, dispatch.Procedure{
		Name: "NULL",
		Handler: func(ctx context.Context, req, reply *rpcpacket.Packet) error {
			return nil
		},
	})

	reg.Register(Program, Version2, ProcSet, dispatch.Procedure{
		Name: "SET",
		Handler: func(ctx context.Context, req, reply *rpcpacket.Packet) error {
			m, err := readMapping(req)
			if err != nil {
				return err
			}
			ok := LocalOnly(req.ClientAddr) && registry.Set(m)
			return reply.WriteBool(ok)
		},
	})

	reg.Register(Program, Version2, ProcUnset, dispatch.Procedure{
		Name: "UNSET",
		Handler: func(ctx context.Context, req, reply *rpcpacket.Packet) error {
			m, err := readMapping(req)
			if err != nil {
				return err
			}
			ok := LocalOnly(req.ClientAddr) && registry.Unset(m.Program, m.Version)
			return reply.WriteBool(ok)
		},
	})

	reg.Register(Program, Version2, ProcGetport, dispatch.Procedure{
		Name: "GETPORT",
		Handler: func(ctx context.Context, req, reply *rpcpacket.Packet) error {
			m, err := readMapping(req)
			if err != nil {
				return err
			}
			port := registry.GetPort(m.Program, m.Version, m.Protocol)
			return reply.WriteUint32(port)
		},
	})

	reg.Register(Program, Version2, ProcDump, dispatch.Procedure{
		Name: "DUMP",
		Handler: func(ctx context.Context, req, reply *rpcpacket.Packet) error {
			body, err := EncodeDump(registry.Dump())
			if err != nil {
				return err
			}
			return reply.WriteRaw(body)
		},
	})
}
