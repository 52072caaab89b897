package rpcpacket

import (
	"errors"
	"sync"
)

type sizeClass int

const (
	classSmall sizeClass = iota
	classLarge
)

// ErrNoPooledMemory is returned by Allocate when the requested size exceeds
// even the large class; callers must treat allocation as fallible and fall
// back to NewHeap (spec §4.3: "NoPooledMemoryException semantics").
var ErrNoPooledMemory = errors.New("rpcpacket: requested size exceeds large class")

// classState is one size class's free list, guarded by its own mutex and
// condition variable so small and large allocation never contend with each
// other (spec §5, "each list has its own mutex + condvar").
type classState struct {
	mu        sync.Mutex
	cond      *sync.Cond
	size      int
	max       int // -1 = unlimited
	allocated int
	free      [][]byte
}

func newClassState(size, max int) *classState {
	cs := &classState{size: size, max: max}
	cs.cond = sync.NewCond(&cs.mu)
	return cs
}

// Config configures a Pool's two size classes. A negative Max means
// unlimited outstanding allocations for that class.
type Config struct {
	SmallSize int
	LargeSize int
	SmallMax  int
	LargeMax  int
}

// DefaultConfig matches spec §6's configuration surface defaults.
func DefaultConfig() Config {
	return Config{
		SmallSize: 512,
		LargeSize: 32768,
		SmallMax:  -1,
		LargeMax:  -1,
	}
}

// Pool hands out fixed-size Packet buffers from two independent size
// classes and reclaims them on Release. When a class is at its max and has
// no free buffers, Allocate blocks until one is released (spec §4.3).
type Pool struct {
	small *classState
	large *classState
}

// NewPool constructs a Pool from cfg, applying DefaultConfig for zero
// fields.
func NewPool(cfg Config) *Pool {
	d := DefaultConfig()
	if cfg.SmallSize <= 0 {
		cfg.SmallSize = d.SmallSize
	}
	if cfg.LargeSize <= 0 {
		cfg.LargeSize = d.LargeSize
	}
	if cfg.SmallMax == 0 {
		cfg.SmallMax = d.SmallMax
	}
	if cfg.LargeMax == 0 {
		cfg.LargeMax = d.LargeMax
	}
	return &Pool{
		small: newClassState(cfg.SmallSize, cfg.SmallMax),
		large: newClassState(cfg.LargeSize, cfg.LargeMax),
	}
}

// classFor picks small or large for a request of n bytes: small if it
// fits, large otherwise (spec §3, "Allocation policy").
func (p *Pool) classFor(n int) (sizeClass, *classState, error) {
	switch {
	case n <= p.small.size:
		return classSmall, p.small, nil
	case n <= p.large.size:
		return classLarge, p.large, nil
	default:
		return 0, nil, ErrNoPooledMemory
	}
}

// Allocate returns a Packet with a buffer of at least n bytes, blocking if
// the chosen size class is at its bound with no free buffers. Returns
// ErrNoPooledMemory if n exceeds the large class; the caller should fall
// back to NewHeap.
func (p *Pool) Allocate(n int) (*Packet, error) {
	class, cs, err := p.classFor(n)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	for len(cs.free) == 0 && cs.max >= 0 && cs.allocated >= cs.max {
		cs.cond.Wait()
	}

	var buf []byte
	if len(cs.free) > 0 {
		buf = cs.free[len(cs.free)-1]
		cs.free = cs.free[:len(cs.free)-1]
	} else {
		buf = make([]byte, cs.size)
		cs.allocated++
	}
	cs.mu.Unlock()

	return fromBuffer(buf, p, class, true), nil
}

// release returns pkt's buffer to the free list matching its length and
// wakes one waiter. Called only from Packet.Release.
func (p *Pool) release(pkt *Packet) {
	var cs *classState
	switch pkt.class {
	case classSmall:
		cs = p.small
	case classLarge:
		cs = p.large
	default:
		return
	}

	cs.mu.Lock()
	cs.free = append(cs.free, pkt.buf[:cap(pkt.buf)])
	cs.mu.Unlock()
	// Single-notify: every waiter is a tight `for empty { cond.Wait() }`
	// loop (above), so no waiter can "miss" a wakeup by skipping the
	// queue, and Signal avoids the thundering-herd of waking every
	// blocked allocator just to have all but one immediately re-block.
	cs.cond.Signal()
}

// Stats reports current pool occupancy for the admin introspection surface
// (SPEC_FULL.md §4.14). Read-only; never mutates pool state.
type Stats struct {
	SmallAllocated, SmallMax int
	LargeAllocated, LargeMax int
	SmallFree, LargeFree     int
}

func (p *Pool) Stats() Stats {
	p.small.mu.Lock()
	s := Stats{SmallAllocated: p.small.allocated, SmallMax: p.small.max, SmallFree: len(p.small.free)}
	p.small.mu.Unlock()

	p.large.mu.Lock()
	s.LargeAllocated = p.large.allocated
	s.LargeMax = p.large.max
	s.LargeFree = len(p.large.free)
	p.large.mu.Unlock()

	return s
}
