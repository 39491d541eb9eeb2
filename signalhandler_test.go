package reactor

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoop_HandleSignalDeliversSelfDirectedSignal(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	var mu sync.Mutex
	var delivered int
	loop.HandleSignal(syscall.SIGUSR1, SignalHandled, func() {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	// give applySignal time to run on the loop thread and block the signal
	// there before sending it.
	require.Eventually(t, func() bool {
		loop.signalsMu.Lock()
		reg, ok := loop.signals[syscall.SIGUSR1]
		loop.signalsMu.Unlock()
		return ok && reg.handler != nil
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestSignalHandle_DisableStopsDelivery(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	var mu sync.Mutex
	var delivered int
	handle := loop.HandleSignal(syscall.SIGUSR2, SignalHandled, func() {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		loop.signalsMu.Lock()
		reg, ok := loop.signals[syscall.SIGUSR2]
		loop.signalsMu.Unlock()
		return ok && reg.handler != nil
	}, time.Second, 2*time.Millisecond)

	handle.Disable()

	require.Eventually(t, func() bool {
		loop.signalsMu.Lock()
		reg, ok := loop.signals[syscall.SIGUSR2]
		loop.signalsMu.Unlock()
		return ok && reg.disposition == SignalDefault
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, delivered)
	mu.Unlock()
}
