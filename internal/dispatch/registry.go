// Package dispatch implements the stateless RPC dispatcher (spec §4.7):
// validate message type and rpcvers, look up program and version, run the
// authenticator, look up the procedure, invoke it, and build the
// corresponding ACCEPTED or DENIED reply. It is grounded on
// internal/protocol/portmap/server.go's processRPCMessage pipeline,
// generalized from a single fixed program to an arbitrary registry.
package dispatch

import (
	"context"

	"github.com/oncfsd/oncfsd/internal/rpcpacket"
)

// Handler implements one RPC procedure. It reads its arguments from req
// (positioned at the start of arguments) and writes its result onto reply
// (positioned at the start of the result, after the dispatcher has already
// written the ACCEPTED/SUCCESS header). A non-nil error becomes
// GARBAGE_ARGS, per spec §4.7 ("invoke; a decode or handler failure maps
// to GARBAGE_ARGS, not a transport-level close").
type Handler func(ctx context.Context, req, reply *rpcpacket.Packet) error

// Procedure pairs a Handler with a name used only for logging.
type Procedure struct {
	Name    string
	Handler Handler
}

// versionEntry holds one program version's procedure table.
type versionEntry struct {
	procedures map[uint32]Procedure
}

// programEntry holds every registered version of one program number, so
// the dispatcher can report the correct PROG_MISMATCH (low, high) range.
type programEntry struct {
	versions map[uint32]*versionEntry
}

func (p *programEntry) versionRange() (low, high uint32) {
	first := true
	for v := range p.versions {
		if first || v < low {
			low = v
		}
		if first || v > high {
			high = v
		}
		first = false
	}
	return
}

// Registry maps (program, version, procedure) triples to Handlers. One
// Registry is shared by every transport and is safe for registration
// before Serve and read-only lookups afterward; it does not support
// concurrent registration and dispatch.
type Registry struct {
	programs map[uint32]*programEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{programs: make(map[uint32]*programEntry)}
}

// Register adds or replaces the handler for (program, version, procedure).
func (r *Registry) Register(program, version, procedure uint32, proc Procedure) {
	pe, ok := r.programs[program]
	if !ok {
		pe = &programEntry{versions: make(map[uint32]*versionEntry)}
		r.programs[program] = pe
	}
	ve, ok := pe.versions[version]
	if !ok {
		ve = &versionEntry{procedures: make(map[uint32]Procedure)}
		pe.versions[version] = ve
	}
	ve.procedures[procedure] = proc
}

// lookup resolves (program, version, procedure) against the registry,
// reporting which stage failed so the dispatcher can choose the right
// reply.
type lookupResult struct {
	programFound bool
	versionFound bool
	procFound    bool
	lowVers      uint32
	highVers     uint32
	proc         Procedure
}

func (r *Registry) lookup(program, version, procedure uint32) lookupResult {
	pe, ok := r.programs[program]
	if !ok {
		return lookupResult{}
	}
	low, high := pe.versionRange()
	res := lookupResult{programFound: true, lowVers: low, highVers: high}

	ve, ok := pe.versions[version]
	if !ok {
		return res
	}
	res.versionFound = true

	proc, ok := ve.procedures[procedure]
	if ok {
		res.procFound = true
		res.proc = proc
	}
	return res
}
