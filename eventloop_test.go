package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoop_SecondLoopCallFailsWhileRunning(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	// give the background goroutine a chance to actually enter Loop first.
	require.Eventually(t, func() bool { return loop.State() == StatePolling }, time.Second, time.Millisecond)

	assert.ErrorIs(t, loop.Loop(), ErrLoopAlreadyRunning)
}

func TestEventLoop_QueueInLoopPreservesOrder(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		n := i
		loop.QueueInLoop(func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 50
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		assert.Equal(t, i, n)
	}
}

func TestEventLoop_RunInLoopSynchronousFromLoopThread(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	executed := make(chan bool, 1)
	loop.RunInLoop(func() {
		// already on the loop thread here; a nested RunInLoop call must run
		// synchronously rather than being deferred to the next iteration.
		ran := false
		loop.RunInLoop(func() { ran = true })
		executed <- ran
	})

	select {
	case ran := <-executed:
		assert.True(t, ran)
	case <-time.After(time.Second):
		t.Fatal("RunInLoop functor never ran")
	}
}

func TestEventLoop_QueueInLoopWakesBlockedPoll(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	start := time.Now()
	done := make(chan struct{})
	loop.QueueInLoop(func() { close(done) })

	select {
	case <-done:
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("cross-thread wakeup never delivered the functor")
	}
}

func TestEventLoop_AssertInLoopThreadPanicsOffThread(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	require.Eventually(t, func() bool { return loop.State() == StatePolling }, time.Second, time.Millisecond)

	assert.Panics(t, func() { loop.assertInLoopThread() })
}
