package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampWorkerCount(t *testing.T) {
	assert.Equal(t, DefaultWorkers, ClampWorkerCount(0))
	assert.Equal(t, MinWorkers, ClampWorkerCount(1))
	assert.Equal(t, MaxWorkers, ClampWorkerCount(1000))
	assert.Equal(t, 10, ClampWorkerCount(10))
}

func TestSubmitRunsAllTasks(t *testing.T) {
	p := New(4)
	defer p.Stop()

	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		p.Submit(func() {
			atomic.AddInt64(&n, 1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not all complete")
	}
	assert.Equal(t, int64(200), atomic.LoadInt64(&n))
}

func TestTaskPanicDoesNotKillWorker(t *testing.T) {
	p := New(4)
	defer p.Stop()

	var ran int64
	p.Submit(func() { panic("boom") })

	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(func() {
		atomic.AddInt64(&ran, 1)
		wg.Done()
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped making progress after a panicking task")
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestStopDrainsQueueBeforeReturning(t *testing.T) {
	p := New(4)

	var n int64
	for i := 0; i < 50; i++ {
		p.Submit(func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&n, 1)
		})
	}
	p.Stop()

	assert.Equal(t, int64(50), atomic.LoadInt64(&n))
	assert.Equal(t, 0, p.QueueLen())
}

func TestSubmitAfterStopIsNoOp(t *testing.T) {
	p := New(4)
	p.Stop()
	assert.NotPanics(t, func() { p.Submit(func() {}) })
}
