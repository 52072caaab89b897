package rpcpacket

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateClassSelection(t *testing.T) {
	p := NewPool(Config{SmallSize: 512, LargeSize: 32768, SmallMax: -1, LargeMax: -1})

	small, err := p.Allocate(200)
	require.NoError(t, err)
	assert.Equal(t, classSmall, small.class)

	large, err := p.Allocate(513)
	require.NoError(t, err)
	assert.Equal(t, classLarge, large.class)

	_, err = p.Allocate(32769)
	assert.ErrorIs(t, err, ErrNoPooledMemory)
}

func TestReleaseReturnsToMatchingClass(t *testing.T) {
	p := NewPool(Config{SmallSize: 512, LargeSize: 4096, SmallMax: 4, LargeMax: 4})

	pk, err := p.Allocate(100)
	require.NoError(t, err)
	pk.Release()

	assert.Len(t, p.small.free, 1)
	assert.Len(t, p.large.free, 0)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := NewPool(Config{SmallSize: 512, SmallMax: 2})
	pk, err := p.Allocate(10)
	require.NoError(t, err)

	pk.Release()
	pk.Release() // must not double-enqueue the buffer

	assert.Len(t, p.small.free, 1)
}

// TestAllocateBlocksAtMax exercises scenario S6: small size=512, max=2.
// A third allocation must block until a release happens.
func TestAllocateBlocksAtMax(t *testing.T) {
	p := NewPool(Config{SmallSize: 512, SmallMax: 2, LargeSize: 4096, LargeMax: -1})

	a, err := p.Allocate(200)
	require.NoError(t, err)
	b, err := p.Allocate(200)
	require.NoError(t, err)

	done := make(chan *Packet, 1)
	go func() {
		pk, err := p.Allocate(200)
		require.NoError(t, err)
		done <- pk
	}()

	select {
	case <-done:
		t.Fatal("third allocation should have blocked while pool is at max")
	case <-time.After(100 * time.Millisecond):
	}

	a.Release()

	select {
	case pk := <-done:
		assert.NotNil(t, pk)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake up after release")
	}

	b.Release()
}

func TestPoolBookkeepingUnderConcurrentInterleaving(t *testing.T) {
	p := NewPool(Config{SmallSize: 256, SmallMax: 8, LargeSize: 4096, LargeMax: 4})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			size := 100
			if i%3 == 0 {
				size = 1000
			}
			pk, err := p.Allocate(size)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			pk.Release()
		}(i)
	}
	wg.Wait()

	stats := p.Stats()
	assert.LessOrEqual(t, stats.SmallAllocated, 8)
	assert.LessOrEqual(t, stats.LargeAllocated, 4)
	assert.Equal(t, stats.SmallAllocated, stats.SmallFree)
	assert.Equal(t, stats.LargeAllocated, stats.LargeFree)
}

func TestStatsDoesNotMutate(t *testing.T) {
	p := NewPool(Config{SmallSize: 512, SmallMax: 2})
	_ = p.Stats()
	pk, err := p.Allocate(10)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().SmallAllocated)
	pk.Release()
}
