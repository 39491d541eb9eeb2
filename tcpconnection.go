package reactor

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ReadMode selects which condition fires a TCPConnection's read-complete
// callback.
type ReadMode int

const (
	// ReadRaw fires on every successful non-empty read.
	ReadRaw ReadMode = iota
	// ReadUntilDelimiter fires once the readable region contains an
	// occurrence of a fixed byte sequence.
	ReadUntilDelimiter
	// ReadExactLength fires once the readable region holds at least N bytes.
	ReadExactLength
	// ReadPredicate fires once a user function of the read buffer reports
	// true.
	ReadPredicate
)

type readModeState struct {
	mode      ReadMode
	delimiter []byte
	length    int
	predicate func(*ByteBuffer) bool
}

// TCPConnection is a stateful wrapper over one connected, non-blocking TCP
// socket: it owns read and write buffers, a four-mode read state machine,
// and a write queue with high-water-mark signaling. Every method is safe to
// call from any goroutine; mutations are posted onto the owning loop, and
// the buffers themselves are only ever touched on that loop's goroutine.
type TCPConnection struct {
	loop    *EventLoop
	handler *IOHandler

	readBuf  *ByteBuffer
	writeBuf *ByteBuffer

	readMode readModeState

	writing         bool
	shutdownPending bool
	faulted         bool
	closed          atomic.Bool

	highWaterMark int

	local Address
	peer  Address

	highWaterCallback     func(conn *TCPConnection, bufferedBytes int)
	readCompleteCallback  func(conn *TCPConnection)
	writeCompleteCallback func(conn *TCPConnection)
	closeCallback         func(conn *TCPConnection)
	errorCallback         func(conn *TCPConnection, err error)
}

// newTCPConnection takes ownership of fd, wrapping it in an IOHandler and
// wiring the read/close/error callbacks. It does not enable the handler;
// the caller (acceptor or connector) does so once handoff is complete.
func newTCPConnection(loop *EventLoop, fd int, local, peer Address) *TCPConnection {
	_ = setNonblockCloexec(fd)
	guard := newDescriptorGuard(fd)

	conn := &TCPConnection{
		loop:          loop,
		readBuf:       NewByteBuffer(),
		writeBuf:      NewByteBuffer(),
		readMode:      readModeState{mode: ReadRaw},
		highWaterMark: 64 * 1024,
		local:         local,
		peer:          peer,
	}
	conn.handler = newIOHandler(loop, guard)
	conn.handler.SetReadCallback(func(Interest) { conn.handleRead() })
	conn.handler.SetCloseCallback(func() { conn.handleClose() })
	conn.handler.SetErrorCallback(func() { conn.handleError() })
	return conn
}

// fd returns the backing descriptor number.
func (conn *TCPConnection) fd() int { return conn.handler.FD() }

// LocalAddr returns the connection's local endpoint.
func (conn *TCPConnection) LocalAddr() Address { return conn.local }

// PeerAddr returns the connection's remote endpoint.
func (conn *TCPConnection) PeerAddr() Address { return conn.peer }

// IsClosed reports whether the backing handler has been released.
func (conn *TCPConnection) IsClosed() bool { return conn.closed.Load() }

// GetReadBuffer returns the connection's read buffer. Only valid to access
// from the loop thread, e.g. from inside a read-complete callback.
func (conn *TCPConnection) GetReadBuffer() *ByteBuffer { return conn.readBuf }

// GetWriteBuffer returns the connection's write buffer. Only valid to
// access from the loop thread.
func (conn *TCPConnection) GetWriteBuffer() *ByteBuffer { return conn.writeBuf }

// SetHighWaterMark sets the write-buffer occupancy threshold (in bytes)
// above which the high-water callback fires on a strict crossing.
func (conn *TCPConnection) SetHighWaterMark(n int) {
	conn.loop.RunInLoop(func() { conn.highWaterMark = n })
}

// SetHighWaterCallback installs the callback fired when write-buffer
// occupancy crosses the high-water mark from below to at-or-above.
func (conn *TCPConnection) SetHighWaterCallback(cb func(conn *TCPConnection, bufferedBytes int)) {
	conn.loop.RunInLoop(func() { conn.highWaterCallback = cb })
}

// SetReadCompleteCallback installs the callback fired according to the
// current read mode.
func (conn *TCPConnection) SetReadCompleteCallback(cb func(conn *TCPConnection)) {
	conn.loop.RunInLoop(func() { conn.readCompleteCallback = cb })
}

// SetWriteCompleteCallback installs the callback fired, on a later loop
// iteration, once written data has been fully handed to the kernel: either
// by a synchronous write that took all of it or when the write buffer
// drains.
func (conn *TCPConnection) SetWriteCompleteCallback(cb func(conn *TCPConnection)) {
	conn.loop.RunInLoop(func() { conn.writeCompleteCallback = cb })
}

// SetCloseCallback installs the callback fired exactly once when the
// connection closes, whether by peer EOF or a local force-close. A read or
// write error does not close the connection by itself.
func (conn *TCPConnection) SetCloseCallback(cb func(conn *TCPConnection)) {
	conn.loop.RunInLoop(func() { conn.closeCallback = cb })
}

// SetErrorCallback installs the callback fired on a transient or fatal
// socket error. The connection is not closed afterward; a fatal read or
// write error marks it faulted, after which further writes are dropped, and
// closing it is left to the caller (ForceClose).
func (conn *TCPConnection) SetErrorCallback(cb func(conn *TCPConnection, err error)) {
	conn.loop.RunInLoop(func() { conn.errorCallback = cb })
}

// SetReadModeRaw switches to firing read-complete on every non-empty read.
func (conn *TCPConnection) SetReadModeRaw() {
	conn.loop.RunInLoop(func() { conn.readMode = readModeState{mode: ReadRaw} })
}

// SetReadModeUntilDelimiter switches to firing read-complete once the
// readable region contains delim.
func (conn *TCPConnection) SetReadModeUntilDelimiter(delim []byte) {
	conn.loop.RunInLoop(func() {
		conn.readMode = readModeState{mode: ReadUntilDelimiter, delimiter: delim}
	})
}

// SetReadModeExactLength switches to firing read-complete once the
// readable region holds at least n bytes.
func (conn *TCPConnection) SetReadModeExactLength(n int) {
	conn.loop.RunInLoop(func() {
		conn.readMode = readModeState{mode: ReadExactLength, length: n}
	})
}

// SetReadModePredicate switches to firing read-complete once fn(readBuf)
// returns true.
func (conn *TCPConnection) SetReadModePredicate(fn func(*ByteBuffer) bool) {
	conn.loop.RunInLoop(func() {
		conn.readMode = readModeState{mode: ReadPredicate, predicate: fn}
	})
}

// SetTCPNoDelay toggles TCP_NODELAY on the underlying socket.
func (conn *TCPConnection) SetTCPNoDelay(on bool) error {
	return unix.SetsockoptInt(conn.fd(), unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

// GetTCPInfo retrieves TCP_INFO for the underlying socket.
func (conn *TCPConnection) GetTCPInfo() (*unix.TCPInfo, error) {
	return unix.GetsockoptTCPInfo(conn.fd(), unix.SOL_TCP, unix.TCP_INFO)
}

// Write posts data onto the loop, which tries an immediate synchronous
// write when nothing is queued, buffering any residue.
func (conn *TCPConnection) Write(data []byte) {
	buf := append([]byte(nil), data...)
	conn.loop.RunInLoop(func() { conn.writeInLoop(buf) })
}

// Shutdown issues a half-close on the write side once the write buffer
// drains; if a write is currently in flight, the shutdown is deferred.
func (conn *TCPConnection) Shutdown() {
	conn.loop.RunInLoop(func() {
		if conn.closed.Load() {
			return
		}
		if conn.writing {
			conn.shutdownPending = true
			return
		}
		conn.doShutdown()
	})
}

// ForceClose disables the handler and fires the close callback immediately.
func (conn *TCPConnection) ForceClose() {
	conn.loop.RunInLoop(func() { conn.handleClose() })
}

// ForceCloseWithDelay schedules ForceClose via the loop's timer queue.
func (conn *TCPConnection) ForceCloseWithDelay(d time.Duration) {
	conn.loop.RunInLoop(func() {
		conn.loop.AddTimer(func() { conn.handleClose() }, time.Now().Add(d), 0)
	})
}

func (conn *TCPConnection) doShutdown() {
	if err := unix.Shutdown(conn.fd(), unix.SHUT_WR); err != nil {
		conn.loop.logger().Warnf("reactor: shutdown fd=%d: %v", conn.fd(), err)
	}
}

// handleRead consumes one scatter read into the read buffer and evaluates
// the active read mode. n == -1 with a nil error is a would-block: retry on
// the next readiness notification, not an error and not EOF.
func (conn *TCPConnection) handleRead() {
	n, err := conn.readBuf.ReadFd(conn.fd())
	if n == -1 && err == nil {
		return
	}
	if n == 0 && err == nil {
		conn.handleClose()
		return
	}
	if err != nil {
		conn.faulted = true
		if conn.errorCallback != nil {
			conn.errorCallback(conn, err)
		}
		return
	}
	conn.evaluateReadMode()
}

func (conn *TCPConnection) evaluateReadMode() {
	fire := false
	switch conn.readMode.mode {
	case ReadRaw:
		fire = true
	case ReadUntilDelimiter:
		fire = conn.readBuf.Find(conn.readMode.delimiter, 0) >= 0
	case ReadExactLength:
		fire = conn.readBuf.ReadableBytes() >= conn.readMode.length
	case ReadPredicate:
		fire = conn.readMode.predicate != nil && conn.readMode.predicate(conn.readBuf)
	}
	if fire && conn.readCompleteCallback != nil {
		conn.readCompleteCallback(conn)
	}
}

// handleError queries SO_ERROR and fires the error callback.
func (conn *TCPConnection) handleError() {
	errno, err := unix.GetsockoptInt(conn.fd(), unix.SOL_SOCKET, unix.SO_ERROR)
	var reported error
	if err != nil {
		reported = err
	} else if errno != 0 {
		reported = unix.Errno(errno)
	}
	if conn.errorCallback != nil {
		conn.errorCallback(conn, reported)
	}
}

// handleClose fires the close callback exactly once and destroys the
// backing handler.
func (conn *TCPConnection) handleClose() {
	if !conn.closed.CompareAndSwap(false, true) {
		return
	}
	if conn.closeCallback != nil {
		conn.closeCallback(conn)
	}
	conn.handler.Destroy()
}

// writeInLoop must run on the loop thread.
func (conn *TCPConnection) writeInLoop(data []byte) {
	if conn.closed.Load() || conn.faulted {
		return
	}

	var written int
	if !conn.writing && conn.writeBuf.ReadableBytes() == 0 {
		n, err := unix.Write(conn.fd(), data)
		if err != nil && err != unix.EAGAIN {
			conn.handleWriteError(err)
			return
		}
		if n > 0 {
			written = n
		}
		if written == len(data) {
			conn.fireWriteCompleteNextIteration()
			conn.maybeFinishShutdown()
			return
		}
	}

	remaining := data[written:]
	before := conn.writeBuf.ReadableBytes()
	conn.writeBuf.Append(remaining)
	after := conn.writeBuf.ReadableBytes()

	if before < conn.highWaterMark && after >= conn.highWaterMark && conn.highWaterCallback != nil {
		conn.highWaterCallback(conn, after)
	}

	if !conn.writing {
		conn.writing = true
		conn.handler.SetWriteCallback(func() { conn.handleWrite() })
	}
}

// handleWrite drains the write buffer on a writable event. Must run on the
// loop thread.
func (conn *TCPConnection) handleWrite() {
	if conn.writeBuf.ReadableBytes() == 0 {
		conn.clearWriteInterest()
		return
	}
	n, err := unix.Write(conn.fd(), conn.writeBuf.Peek())
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		conn.handleWriteError(err)
		return
	}
	conn.writeBuf.Retrieve(n)
	if conn.writeBuf.ReadableBytes() == 0 {
		conn.clearWriteInterest()
		conn.fireWriteCompleteNextIteration()
		conn.maybeFinishShutdown()
	}
}

func (conn *TCPConnection) clearWriteInterest() {
	conn.writing = false
	conn.handler.SetWriteCallback(nil)
}

// fireWriteCompleteNextIteration queues the write-complete callback so it
// never runs re-entrantly from inside the write path that triggered it.
func (conn *TCPConnection) fireWriteCompleteNextIteration() {
	if conn.writeCompleteCallback == nil {
		return
	}
	conn.loop.QueueInLoop(func() {
		if !conn.closed.Load() {
			conn.writeCompleteCallback(conn)
		}
	})
}

func (conn *TCPConnection) maybeFinishShutdown() {
	if conn.shutdownPending && !conn.writing {
		conn.shutdownPending = false
		conn.doShutdown()
	}
}

// handleWriteError marks the connection faulted and fires the error
// callback for a fatal write error; anything else is logged and left to the
// next writable event to retry.
func (conn *TCPConnection) handleWriteError(err error) {
	if isFatalWriteError(err) {
		conn.faulted = true
		if conn.errorCallback != nil {
			conn.errorCallback(conn, err)
		}
		return
	}
	conn.loop.logger().Warnf("reactor: write fd=%d: %v", conn.fd(), err)
}

func isFatalWriteError(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
