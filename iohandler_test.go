package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestHandler wraps one end of an anonymous pipe's read fd for tests
// that only need a valid descriptor, not real readiness.
func newTestHandler(t *testing.T, loop *EventLoop) (*IOHandler, int, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	h := newIOHandler(loop, newDescriptorGuard(p[0]))
	return h, p[0], p[1]
}

func TestIOHandler_DispatchOrder(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)

	h, _, writeFd := newTestHandler(t, loop)
	defer unix.Close(writeFd)

	var order []string
	h.closeCallback = func() { order = append(order, "close") }
	h.errorCallback = func() { order = append(order, "error") }
	h.readCallback = func(Interest) { order = append(order, "read") }
	h.writeCallback = func() { order = append(order, "write") }

	// hangup without readable still fires close (and, since PeerHangup also
	// satisfies the read trigger mask, read fires too); error always fires;
	// writable fires write.
	h.dispatch(PeerHangup | ErrorReady | Writable)

	assert.Equal(t, []string{"close", "error", "read", "write"}, order)
}

func TestIOHandler_DisabledMidDispatchShortCircuits(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)

	h, _, writeFd := newTestHandler(t, loop)
	defer unix.Close(writeFd)

	var fired []string
	h.state = HandlerEnabled
	h.errorCallback = func() {
		fired = append(fired, "error")
		h.state = HandlerDisabled
	}
	h.readCallback = func(Interest) { fired = append(fired, "read") }
	h.writeCallback = func() { fired = append(fired, "write") }

	h.dispatch(ErrorReady | Readable | Writable)

	assert.Equal(t, []string{"error"}, fired, "a callback disabling the handler must short-circuit the rest")
}

func TestIOHandler_MissingCallbackLogsAndContinues(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)

	h, _, writeFd := newTestHandler(t, loop)
	defer unix.Close(writeFd)

	h.state = HandlerEnabled
	var fired bool
	h.writeCallback = func() { fired = true }

	assert.NotPanics(t, func() { h.dispatch(Readable | Writable) })
	assert.True(t, fired, "write still fires even though read had no callback")
}
