package oplock

import (
	"sync"
	"time"

	"github.com/oncfsd/oncfsd/internal/logger"
	"github.com/oncfsd/oncfsd/internal/worker"
)

// MaxDeferredPerOplock is the bounded capacity of a single oplock's
// deferred-request queue.
const MaxDeferredPerOplock = 3

// DefaultBreakTimeout is how long the manager waits for a break
// acknowledgement before failing every request parked on that oplock.
const DefaultBreakTimeout = 30 * time.Second

// BreakMessageBuilder produces the opaque payload pushed to an oplock
// owner's session when a break is initiated. The SMB wire encoding of that
// payload is outside this package's concern; nil is a legal builder and
// sends no payload, useful in tests.
type BreakMessageBuilder interface {
	BuildBreakMessage(path string, breakTo Type) []byte
}

// DurabilityStore mirrors an oplock's state transitions to a write-behind
// store (internal/oplock/durable.Snapshot) purely for operator visibility
// across a restart; the manager never reads it back. A nil store disables
// mirroring entirely.
type DurabilityStore interface {
	Put(path string, typ Type, ownerCount int) error
}

// SnapshotEntry is one path's oplock state, for the admin introspection
// surface (SPEC_FULL.md §4.14).
type SnapshotEntry struct {
	Path        string
	Type        Type
	Owners      int
	Deferred    int
	BreakSentAt time.Time
	FailedBreak bool
}

// entry is one path's oplock state. Its own mutex guards Owners/Deferred so
// break dispatch and deferred-queue mutation can happen without holding the
// manager's map lock.
type entry struct {
	mu          sync.Mutex
	path        string
	isFolder    bool
	typ         Type
	owners      []Owner
	deferred    []DeferredRequest
	breakSentAt time.Time
	failedBreak bool
}

// Manager is the process-wide path -> oplock map. A single RWMutex guards
// the map itself (insert/remove/lookup); each entry's own mutex guards its
// owner and deferred-queue state, matching the spec's "brief fine-grained
// locking" discipline once an entry has been found.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	workers      *worker.Pool
	breakBuilder BreakMessageBuilder
	maxDeferred  int
	breakTimeout time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	durable DurabilityStore
}

// SetDurability wires a write-behind mirror that is updated after every
// state transition below commits in memory; store may be nil to disable
// mirroring (the default).
func (m *Manager) SetDurability(store DurabilityStore) {
	m.durable = store
}

func (m *Manager) mirror(path string, typ Type, ownerCount int) {
	if m.durable == nil {
		return
	}
	if err := m.durable.Put(path, typ, ownerCount); err != nil {
		logger.Debug("oplock: durability mirror failed", "path", path, "error", err)
	}
}

// New creates a Manager. workers is the pool deferred requests are
// requeued onto after a successful break acknowledgement; breakBuilder may
// be nil. maxDeferred <= 0 uses MaxDeferredPerOplock; breakTimeout <= 0
// uses DefaultBreakTimeout.
func New(workers *worker.Pool, breakBuilder BreakMessageBuilder, maxDeferred int, breakTimeout time.Duration) *Manager {
	if maxDeferred <= 0 {
		maxDeferred = MaxDeferredPerOplock
	}
	if breakTimeout <= 0 {
		breakTimeout = DefaultBreakTimeout
	}
	return &Manager{
		entries:      make(map[string]*entry),
		workers:      workers,
		breakBuilder: breakBuilder,
		maxDeferred:  maxDeferred,
		breakTimeout: breakTimeout,
		stopCh:       make(chan struct{}),
	}
}

// Grant inserts a new oplock or joins an existing compatible one.
//
// LEVEL_II is compatible with LEVEL_II: the new owner is appended to the
// existing entry instead of creating a second one. BATCH and EXCLUSIVE
// conflict with any existing oplock, and a BATCH can never be added to an
// entry that already has an owner. A path with no entry always succeeds.
func (m *Manager) Grant(path string, t Type, owner Owner, isFolder bool) error {
	m.mu.Lock()
	e, ok := m.entries[path]
	if !ok {
		e = &entry{path: path, isFolder: isFolder, typ: None}
		m.entries[path] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failedBreak {
		return ErrInvalidOplockState
	}

	if len(e.owners) == 0 {
		e.typ = t
		e.owners = []Owner{owner}
		m.mirror(path, t, 1)
		return nil
	}

	if t == LevelII && e.typ == LevelII {
		e.owners = append(e.owners, owner)
		m.mirror(path, e.typ, len(e.owners))
		return nil
	}

	return ErrExistingOpLock
}

// lookup returns the entry for path, or nil if none exists.
func (m *Manager) lookup(path string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[path]
}

// Conflicts reports whether a requested open by requester conflicts with
// the oplock currently held on path. A BATCH/EXCLUSIVE oplock conflicts
// with any open that is not made by its sole owner; a LEVEL_II oplock
// conflicts only with a write-open. No oplock on the path never conflicts.
func (m *Manager) Conflicts(path string, requester Owner, writeOpen bool) bool {
	e := m.lookup(path)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conflictsLocked(requester, writeOpen)
}

func (e *entry) conflictsLocked(requester Owner, writeOpen bool) bool {
	switch e.typ {
	case Exclusive, Batch:
		return !(len(e.owners) == 1 && e.owners[0].Equal(requester, e.typ))
	case LevelII:
		return writeOpen
	default:
		return false
	}
}

// RequestOpen defers a conflicting open per spec §4.10. Callers must first
// confirm a conflict exists (Conflicts) before calling this; RequestOpen
// assumes the caller already knows deferral is the right action.
//
// Returns ErrDeferFailed if the deferred queue is already at capacity — the
// caller maps that to a SHARING_VIOLATION-equivalent response. On success
// the request is parked and resume will be invoked exactly once, either
// when the break is acknowledged (granted=true) or when it times out or
// fails (granted=false).
func (m *Manager) RequestOpen(path string, requester Owner, packet []byte, resume func(granted bool, packet []byte)) error {
	e := m.lookup(path)
	if e == nil {
		// Nothing to defer against; caller should not have reached here,
		// but proceed as if the open is simply granted.
		resume(true, packet)
		return nil
	}

	e.mu.Lock()
	if e.failedBreak {
		e.mu.Unlock()
		return ErrInvalidOplockState
	}
	if len(e.deferred) >= m.maxDeferred {
		e.mu.Unlock()
		return ErrDeferFailed
	}

	first := len(e.deferred) == 0
	e.deferred = append(e.deferred, DeferredRequest{
		Session:  requester.Session,
		Packet:   packet,
		Owner:    requester,
		Deadline: time.Now().Add(m.breakTimeout).UnixNano(),
		Resume:   resume,
	})

	if !first {
		e.mu.Unlock()
		return nil
	}

	e.breakSentAt = time.Now()
	owners := append([]Owner(nil), e.owners...)
	breakTo := e.breakTargetLocked()
	isLevelII := e.typ == LevelII
	e.mu.Unlock()

	// Break notification happens outside the entry's critical section to
	// avoid lock-order inversion against a session's own send path.
	m.dispatchBreak(path, owners, breakTo)

	if isLevelII {
		// Level II breaks are advisory and fire-and-forget: there is no
		// acknowledgement to wait for, so the downgrade to NONE and the
		// deferred-request requeue both happen synchronously here rather
		// than on a later AckBreak call.
		m.resolveBreak(path, None)
	}

	return nil
}

// breakTargetLocked computes the state a break should downgrade this entry
// to, absent an explicit acknowledgement: BATCH/EXCLUSIVE first try
// LEVEL_II (a holder may still want to retain read caching), LEVEL_II only
// ever goes to NONE.
func (e *entry) breakTargetLocked() Type {
	if e.typ == LevelII {
		return None
	}
	return LevelII
}

func (m *Manager) dispatchBreak(path string, owners []Owner, breakTo Type) {
	var payload []byte
	if m.breakBuilder != nil {
		payload = m.breakBuilder.BuildBreakMessage(path, breakTo)
	}
	for _, o := range owners {
		if o.Session == nil {
			continue
		}
		if err := o.Session.SendAsyncReply(payload); err != nil {
			logger.Debug("oplock: break notification failed", "path", path, "session", o.SessionID, "error", err)
		}
	}
}

// AckBreak applies an owner's break acknowledgement: the oplock downgrades
// to newType (or is removed entirely if newType is None), and every
// deferred request on it is requeued onto the worker pool.
func (m *Manager) AckBreak(path string, newType Type) error {
	e := m.lookup(path)
	if e == nil {
		return ErrInvalidOplockState
	}

	e.mu.Lock()
	if e.failedBreak {
		e.mu.Unlock()
		return ErrInvalidOplockState
	}
	e.typ = newType
	if newType == None {
		e.owners = nil
	}
	e.breakSentAt = time.Time{}
	deferred := e.deferred
	e.deferred = nil
	e.mu.Unlock()

	m.requeueDeferred(deferred, true)

	if newType == None {
		m.mu.Lock()
		delete(m.entries, path)
		m.mu.Unlock()
		m.mirror(path, None, 0)
	} else {
		m.mirror(path, newType, 1)
	}
	return nil
}

// resolveBreak is AckBreak's synchronous counterpart for the LEVEL_II
// fire-and-forget path: no acknowledgement ever arrives, so the manager
// resolves the break itself immediately after sending it.
func (m *Manager) resolveBreak(path string, newType Type) {
	_ = m.AckBreak(path, newType)
}

func (m *Manager) requeueDeferred(deferred []DeferredRequest, granted bool) {
	for _, d := range deferred {
		d := d
		if m.workers != nil {
			m.workers.Submit(func() { d.Resume(granted, d.Packet) })
		} else {
			d.Resume(granted, d.Packet)
		}
	}
}

// AddOwner appends a new owner to an existing LEVEL_II oplock, or starts a
// fresh entry if none exists yet. It requires the target be LEVEL_II or
// have no owners at all.
func (m *Manager) AddOwner(path string, owner Owner, isFolder bool) error {
	return m.Grant(path, LevelII, owner, isFolder)
}

// RemoveOwner removes owner from path's oplock and returns the number of
// owners remaining. When that count reaches zero the entry is erased from
// the manager. Returns (0, ErrInvalidOplockState) if no oplock exists.
func (m *Manager) RemoveOwner(path string, owner Owner) (int, error) {
	e := m.lookup(path)
	if e == nil {
		return 0, ErrInvalidOplockState
	}

	e.mu.Lock()
	remaining := e.owners[:0:0]
	for _, o := range e.owners {
		if !o.Equal(owner, e.typ) {
			remaining = append(remaining, o)
		}
	}
	e.owners = remaining
	count := len(e.owners)
	if count == 0 {
		e.typ = None
	}
	e.mu.Unlock()

	if count == 0 {
		m.mu.Lock()
		delete(m.entries, path)
		m.mu.Unlock()
		m.mirror(path, None, 0)
	} else {
		m.mirror(path, e.typ, count)
	}
	return count, nil
}

// Release is an alias for RemoveOwner matching the spec's naming; it
// discards the remaining-owner count.
func (m *Manager) Release(path string, owner Owner) error {
	_, err := m.RemoveOwner(path, owner)
	return err
}

// Lookup returns the oplock type and owners currently held on path.
func (m *Manager) Lookup(path string) (Type, []Owner, bool) {
	e := m.lookup(path)
	if e == nil {
		return None, nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typ, append([]Owner(nil), e.owners...), true
}

// Snapshot returns the current state of every tracked oplock, for the admin
// introspection surface (SPEC_FULL.md §4.14, GET /debug/oplocks). It takes
// a point-in-time copy under each entry's own lock; the result may be
// stale by the time the caller reads it.
func (m *Manager) Snapshot() []SnapshotEntry {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]SnapshotEntry, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, SnapshotEntry{
			Path:        e.path,
			Type:        e.typ,
			Owners:      len(e.owners),
			Deferred:    len(e.deferred),
			BreakSentAt: e.breakSentAt,
			FailedBreak: e.failedBreak,
		})
		e.mu.Unlock()
	}
	return out
}

// ForceBreak manually fails an outstanding break the way the timeout
// scanner would, for operator-driven recovery of a stuck oplock
// (oncfsdctl oplocks force-break, SPEC_FULL.md §4.15). It is a no-op,
// returning ErrInvalidOplockState, if path has no break currently in
// flight.
func (m *Manager) ForceBreak(path string) error {
	e := m.lookup(path)
	if e == nil {
		return ErrInvalidOplockState
	}

	e.mu.Lock()
	if e.breakSentAt.IsZero() || e.failedBreak {
		e.mu.Unlock()
		return ErrInvalidOplockState
	}
	e.failedBreak = true
	deferred := e.deferred
	e.deferred = nil
	e.mu.Unlock()

	logger.Warn("oplock: break forced to fail by operator", "path", path)
	m.requeueDeferred(deferred, false)
	return nil
}

// StartBreakScanner launches the background timer task that scans for
// expired breaks every interval until Stop is called. Grounded on
// OpLockBreakScanner's ticker-driven scanLoop: force-resolve anything still
// outstanding past its deadline instead of waiting indefinitely for an
// acknowledgement that may never come.
func (m *Manager) StartBreakScanner(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.scanExpiredBreaks()
			}
		}
	}()
}

// Stop halts the background break scanner and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// scanExpiredBreaks implements the break-timeout liveness property: any
// oplock with an outstanding break older than breakTimeout is marked
// failedBreak and every request parked on it is resumed with
// Resume(false, packet), on the worker pool when one is set.
func (m *Manager) scanExpiredBreaks() {
	now := time.Now()

	m.mu.RLock()
	candidates := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		candidates = append(candidates, e)
	}
	m.mu.RUnlock()

	for _, e := range candidates {
		e.mu.Lock()
		if e.breakSentAt.IsZero() || e.failedBreak {
			e.mu.Unlock()
			continue
		}
		if now.Sub(e.breakSentAt) <= m.breakTimeout {
			e.mu.Unlock()
			continue
		}
		e.failedBreak = true
		deferred := e.deferred
		e.deferred = nil
		path := e.path
		e.mu.Unlock()

		logger.Warn("oplock: break acknowledgement timed out", "path", path)
		for _, d := range deferred {
			d := d
			if m.workers != nil {
				m.workers.Submit(func() { d.Resume(false, d.Packet) })
			} else {
				d.Resume(false, d.Packet)
			}
		}
	}
}
