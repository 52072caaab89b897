// Package oplock implements the oplock coordination subsystem: a
// process-wide map from path to the oplock currently held on it, grant and
// release, conflict-driven deferral of new opens, break dispatch, and a
// break-timeout scanner.
//
// Grounded on pkg/metadata/lock's Manager (single RWMutex over a
// map[string]*entry, a break-callback list invoked outside the critical
// section) and OpLockBreakScanner (a ticker-driven background scan that
// force-resolves expired breaks). The state machine itself — named
// NONE/LEVEL_II/EXCLUSIVE/BATCH states, a bounded per-oplock deferred
// queue, and type-aware owner equality — has no direct analogue in that
// package's SMB2/3 lease model and is built fresh here.
package oplock

import "fmt"

// Type is the granted oplock level on a path.
type Type int

const (
	None Type = iota
	LevelII
	Exclusive
	Batch
)

func (t Type) String() string {
	switch t {
	case None:
		return "NONE"
	case LevelII:
		return "LEVEL_II"
	case Exclusive:
		return "EXCLUSIVE"
	case Batch:
		return "BATCH"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Owner is the composite identity of an oplock holder: a session plus the
// SMB tree/user/process tuple active on that session at grant time.
//
// Equality is type-aware (spec-mandated, not incidental): a BATCH/EXCLUSIVE
// match requires the full (session, tree, user, process) tuple since those
// oplocks have exactly one owner; a LEVEL_II match only requires (session,
// tree, process) since LEVEL_II oplocks are shared across possibly-distinct
// users opening the same path from the same process context.
type Owner struct {
	SessionID uint64
	TreeID    uint32
	UserID    uint32
	ProcessID uint32

	// Session is a transient, non-owning back-reference used to push async
	// break replies. It is never compared by Equal and must not be relied
	// upon to keep the session alive: when a session tears down it releases
	// its own oplocks rather than leaving a dangling pointer live here.
	Session AsyncSender
}

// AsyncSender pushes a reply to a session outside the normal
// request/response cycle. TCP sessions implement it over their serialized
// write path; it is the oplock manager's only way to reach back into a
// session, and it never keeps the session alive on the oplock manager's
// behalf.
type AsyncSender interface {
	SendAsyncReply(payload []byte) error
}

// Equal reports whether o and other identify the same owner for the
// purposes of break matching and release, using t's type-aware rule.
func (o Owner) Equal(other Owner, t Type) bool {
	if o.SessionID != other.SessionID || o.TreeID != other.TreeID || o.ProcessID != other.ProcessID {
		return false
	}
	if t == LevelII {
		return true
	}
	return o.UserID == other.UserID
}

// DeferredRequest is a parked open request awaiting a break acknowledgement
// or timeout. It owns the packet's lease timestamp while parked: Deadline
// is refreshed to "now + lease" every time the request is (re-)parked.
type DeferredRequest struct {
	Session  AsyncSender
	Packet   []byte
	Owner    Owner
	Deadline int64 // unix nanos
	Resume   func(granted bool, packet []byte)
}
