package oplock

import "errors"

// ErrExistingOpLock is returned by Grant when a non-compatible oplock is
// already present on the path.
var ErrExistingOpLock = errors.New("oplock: existing incompatible oplock")

// ErrDeferFailed is returned when a conflicting open arrives and the
// oplock's deferred queue is already at capacity.
var ErrDeferFailed = errors.New("oplock: deferred queue full")

// ErrInvalidOplockState is returned for operations attempted against an
// oplock whose break has already failed (BROKEN_FAILED) or that does not
// exist.
var ErrInvalidOplockState = errors.New("oplock: invalid oplock state")

// ErrBreakTimeout names a break whose acknowledgement timed out. The break
// scanner does not hand it to deferred requests: a request still parked
// when the break times out is resumed with Resume(false, packet).
var ErrBreakTimeout = errors.New("oplock: break acknowledgement timed out")
