package dispatch

import (
	"context"
	"net"

	"github.com/oncfsd/oncfsd/internal/logger"
	"github.com/oncfsd/oncfsd/internal/rpc"
	"github.com/oncfsd/oncfsd/internal/rpcpacket"
	"github.com/oncfsd/oncfsd/internal/telemetry"
)

// Authenticator validates a CALL's credentials and verifier, producing an
// opaque session key the procedure handler can use to identify the caller
// (spec §4.9). ok=false means the call must be rejected with AUTH_ERROR
// and authStat explains why.
type Authenticator interface {
	Authenticate(clientAddr net.Addr, cred, verf rpc.Credentials) (sessionKey uint64, authStat uint32, ok bool)
}

// Dispatcher runs the RFC 1831 accept/reject pipeline against a Registry.
// It is stateless: all per-call state lives on the stack of Dispatch, so
// one Dispatcher instance is shared, without locking, by every worker.
type Dispatcher struct {
	registry *Registry
	auth     Authenticator
}

// New builds a Dispatcher over registry, authenticating every call with
// auth.
func New(registry *Registry, auth Authenticator) *Dispatcher {
	return &Dispatcher{registry: registry, auth: auth}
}

// Dispatch decodes one CALL from req and writes the corresponding reply
// into reply, which must already be prepared for writing on the correct
// Transport (PrepareForWrite). It returns an error only for a malformed
// message that cannot even be parsed enough to learn an XID — in that case
// no reply should be sent at all (spec §4.7, "an unparseable datagram is
// silently dropped, not replied to with a generic error").
func (d *Dispatcher) Dispatch(ctx context.Context, clientAddr net.Addr, req, reply *rpcpacket.Packet) error {
	call, err := rpc.ReadCall(req)
	if err != nil {
		if rpc.IsNotACall(err) {
			return err
		}
		return err
	}

	if call.RPCVers != rpc.Version2 {
		logger.Debug("rpc version mismatch", "client", clientAddr, "rpcvers", call.RPCVers)
		return rpc.BuildRPCMismatchResponse(reply, call.XID)
	}

	res := d.registry.lookup(call.Program, call.Version, call.Procedure)
	if !res.programFound {
		logger.Debug("rpc program unavailable", "client", clientAddr, "program", call.Program)
		return rpc.BuildAcceptReply(reply, call.XID, rpc.ProgUnavail)
	}
	if !res.versionFound {
		logger.Debug("rpc version unavailable", "client", clientAddr, "program", call.Program, "version", call.Version, "low", res.lowVers, "high", res.highVers)
		return rpc.BuildProgMismatchReply(reply, call.XID, res.lowVers, res.highVers)
	}

	sessionKey, authStat, ok := d.auth.Authenticate(clientAddr, call.Cred, call.Verf)
	if !ok {
		logger.Debug("rpc auth rejected", "client", clientAddr, "program", call.Program, "auth_stat", authStat)
		return rpc.BuildAuthErrorReply(reply, call.XID, authStat)
	}

	if !res.procFound {
		logger.Debug("rpc procedure unavailable", "client", clientAddr, "program", call.Program, "procedure", call.Procedure)
		return rpc.BuildAcceptReply(reply, call.XID, rpc.ProcUnavail)
	}

	ctx = withSessionKey(ctx, sessionKey)
	ctx, span := telemetry.StartCallSpan(ctx, res.proc.Name, call.Program, call.Version, call.Procedure)
	defer span.End()

	req.Seek(call.ArgsPos)
	if err := rpc.BuildAcceptReply(reply, call.XID, rpc.Success); err != nil {
		return err
	}
	if err := res.proc.Handler(ctx, req, reply); err != nil {
		logger.Debug("rpc procedure failed", "client", clientAddr, "procedure", res.proc.Name, "error", err)
		telemetry.RecordError(ctx, err)
		// The ACCEPTED/SUCCESS header already written is discarded: reply
		// is reset here and rebuilt as GARBAGE_ARGS.
		reply.PrepareForWrite(reply.Transport)
		return rpc.BuildAcceptReply(reply, call.XID, rpc.GarbageArgs)
	}
	return nil
}

type sessionKeyCtxKey struct{}

func withSessionKey(ctx context.Context, key uint64) context.Context {
	return context.WithValue(ctx, sessionKeyCtxKey{}, key)
}

// SessionKeyFromContext retrieves the authenticator-issued session key a
// procedure handler was invoked with.
func SessionKeyFromContext(ctx context.Context) (uint64, bool) {
	v, ok := ctx.Value(sessionKeyCtxKey{}).(uint64)
	return v, ok
}
