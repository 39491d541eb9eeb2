package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newConnectedPair returns a TCPConnection wrapping one end of a connected,
// non-blocking stream socket pair, enabled on loop, plus the raw peer fd the
// test drives directly with unix.Read/unix.Write.
func newConnectedPair(t *testing.T, loop *EventLoop) (*TCPConnection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	var conn *TCPConnection
	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn = newTCPConnection(loop, fds[0], Address{}, Address{})
		conn.handler.Enable()
		close(done)
	})
	<-done

	require.NoError(t, unix.SetNonblock(fds[1], true))
	return conn, fds[1]
}

func TestTCPConnection_EchoRoundTrip(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	conn, peerFd := newConnectedPair(t, loop)
	defer unix.Close(peerFd)

	received := make(chan string, 1)
	conn.SetReadCompleteCallback(func(c *TCPConnection) {
		received <- c.GetReadBuffer().RetrieveAllAsString()
	})

	conn.Write([]byte("hello"))

	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		n, err := unix.Read(peerFd, buf)
		return err == nil && n > 0
	}, time.Second, 5*time.Millisecond)

	_, err = unix.Write(peerFd, []byte("world"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "world", msg)
	case <-time.After(time.Second):
		t.Fatal("read-complete callback never fired")
	}
}

func TestTCPConnection_ReadUntilDelimiterCompletesAcrossBoundary(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	conn, peerFd := newConnectedPair(t, loop)
	defer unix.Close(peerFd)

	conn.SetReadModeUntilDelimiter([]byte("\r\n"))

	var mu sync.Mutex
	var fired int
	conn.SetReadCompleteCallback(func(c *TCPConnection) { mu.Lock(); fired++; mu.Unlock() })

	_, err = unix.Write(peerFd, []byte("partial line, no terminator yet"))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, fired, "must not fire before the delimiter arrives")
	mu.Unlock()

	_, err = unix.Write(peerFd, []byte("\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestTCPConnection_HighWaterMarkFiresOnlyOnUpwardCrossing(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	// Shrink both ends' kernel buffers so a few KB of unread writes is
	// enough to force genuine buffering, without depending on platform
	// default socket buffer sizes.
	const small = 1024
	require.NoError(t, unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_SNDBUF, small))
	require.NoError(t, unix.SetsockoptInt(fds[1], unix.SOL_SOCKET, unix.SO_RCVBUF, small))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	var conn *TCPConnection
	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn = newTCPConnection(loop, fds[0], Address{}, Address{})
		conn.handler.Enable()
		close(done)
	})
	<-done

	conn.SetHighWaterMark(4096)

	var mu sync.Mutex
	var crossings int
	conn.SetHighWaterCallback(func(c *TCPConnection, n int) {
		mu.Lock()
		crossings++
		mu.Unlock()
	})

	// Never read from fds[1], so none of this drains: well past both
	// shrunk kernel buffers plus the high-water mark.
	payload := make([]byte, 16*1024)
	conn.Write(payload)
	conn.Write(payload)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return crossings >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, crossings, "must fire exactly once for a single upward crossing")
}

func TestTCPConnection_CloseCallbackFiresOncePerEOF(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	conn, peerFd := newConnectedPair(t, loop)

	var mu sync.Mutex
	var closes int
	conn.SetCloseCallback(func(c *TCPConnection) {
		mu.Lock()
		closes++
		mu.Unlock()
	})

	require.NoError(t, unix.Close(peerFd))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closes == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closes)
	assert.True(t, conn.IsClosed())
}
