package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLoopFor drives loop.Loop() on a background goroutine for the duration
// of the test body, then ends it and waits for the goroutine to return.
func runLoopFor(t *testing.T, loop *EventLoop) func() {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Loop()
	}()
	return func() {
		loop.EndLoop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	}
}

func TestTimerQueue_FiresInExpirationOrder(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	var mu sync.Mutex
	var order []int
	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	now := time.Now()
	loop.RunInLoop(func() {
		loop.AddTimer(record(3), now.Add(30*time.Millisecond), 0)
		loop.AddTimer(record(1), now.Add(10*time.Millisecond), 0)
		loop.AddTimer(record(2), now.Add(20*time.Millisecond), 0)
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestTimerQueue_CancelBeforeFire(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	fired := make(chan struct{}, 1)
	var handle *TimerHandle
	added := make(chan struct{})
	loop.RunInLoop(func() {
		handle = loop.AddTimer(func() { fired <- struct{}{} }, time.Now().Add(50*time.Millisecond), 0)
		close(added)
	})
	<-added
	handle.Disable()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTimerQueue_RepeatingCadence(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	var count atomicCounter
	var handle *TimerHandle
	loop.RunInLoop(func() {
		handle = loop.AddTimer(func() { count.inc() }, time.Now().Add(5*time.Millisecond), 10*time.Millisecond)
	})

	require.Eventually(t, func() bool { return count.load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	handle.Disable()

	seen := count.load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, count.load(), "disabled repeater must not fire again")
}

func TestTimerQueue_PanicDisablesRepeater(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	var count atomicCounter
	loop.RunInLoop(func() {
		loop.AddTimer(func() {
			count.inc()
			panic("boom")
		}, time.Now().Add(5*time.Millisecond), 10*time.Millisecond)
	})

	require.Eventually(t, func() bool { return count.load() >= 1 }, time.Second, 5*time.Millisecond)
	seen := count.load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, seen, count.load(), "a panicking repeater must be disabled after its first firing")
}

// atomicCounter is a tiny test-only helper; production code uses sync/atomic
// directly but a named type keeps these tests readable.
type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
