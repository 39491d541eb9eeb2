package reactor

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// ConnectorState is the current phase of a TCPConnector's state machine.
type ConnectorState int

const (
	// ConnectorDisconnected is the state before Start and between a failed
	// attempt and its retry.
	ConnectorDisconnected ConnectorState = iota
	// ConnectorConnecting indicates a non-blocking connect() is outstanding,
	// awaiting a writable event or immediate success.
	ConnectorConnecting
	// ConnectorConnected indicates ownership of the socket has been handed
	// off to a TCPConnection.
	ConnectorConnected
)

const (
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// TCPConnector drives a non-blocking connect() through retry with constant
// or exponential backoff, producing one TCPConnection per successful
// attempt. One socket is outstanding at a time; on retry, the prior
// descriptor is closed before a fresh one is opened.
type TCPConnector struct {
	loop *EventLoop
	addr Address

	state   ConnectorState
	fd      *descriptorGuard
	handler *IOHandler

	attempt       int
	maxRetries    int
	constantDelay time.Duration
	currentDelay  time.Duration
	retryTimer    *TimerHandle
	stopped       bool

	newConnectionCallback func(conn *TCPConnection)
	retryCallback         func(attempt int)
	failedCallback        func(err error)
}

// NewTCPConnector creates a connector targeting addr. Retries are unbounded
// (cap -1) with exponential backoff by default; call SetRetries and
// SetRetryConstantDelay to change either.
func NewTCPConnector(loop *EventLoop, addr Address) *TCPConnector {
	return &TCPConnector{
		loop:         loop,
		addr:         addr,
		maxRetries:   -1,
		currentDelay: initialRetryDelay,
	}
}

// SetNewConnectionCallback installs the callback fired once per successful
// connection.
func (c *TCPConnector) SetNewConnectionCallback(cb func(conn *TCPConnection)) {
	c.loop.RunInLoop(func() { c.newConnectionCallback = cb })
}

// SetRetryConnectionCallback installs the callback fired before each retry
// attempt (not the first), with the 1-based retry number about to run (1
// for the first retry, which is the second connect attempt).
func (c *TCPConnector) SetRetryConnectionCallback(cb func(attempt int)) {
	c.loop.RunInLoop(func() { c.retryCallback = cb })
}

// SetFailedConnectionCallback installs the callback fired once, either when
// the retry budget is exhausted or on a fatal connect error.
func (c *TCPConnector) SetFailedConnectionCallback(cb func(err error)) {
	c.loop.RunInLoop(func() { c.failedCallback = cb })
}

// SetRetries sets the maximum number of retries after the first attempt;
// negative means unbounded.
func (c *TCPConnector) SetRetries(n int) {
	c.loop.RunInLoop(func() { c.maxRetries = n })
}

// SetRetryConstantDelay fixes the retry delay to d instead of the default
// exponential backoff (500ms doubling to a 30s cap).
func (c *TCPConnector) SetRetryConstantDelay(d time.Duration) {
	c.loop.RunInLoop(func() { c.constantDelay = d })
}

// Start posts the first connect attempt onto the loop.
func (c *TCPConnector) Start() {
	c.loop.RunInLoop(func() {
		c.stopped = false
		c.attempt = 0
		c.currentDelay = initialRetryDelay
		c.connect()
	})
}

// Stop cancels an in-progress attempt and any scheduled retry, without
// affecting a connection that has already been handed off.
func (c *TCPConnector) Stop() {
	c.loop.RunInLoop(func() {
		c.stopped = true
		if c.retryTimer != nil {
			c.retryTimer.Disable()
			c.retryTimer = nil
		}
		c.closeAttempt()
		c.state = ConnectorDisconnected
	})
}

// connect must run on the loop thread.
func (c *TCPConnector) connect() {
	if c.stopped {
		return
	}

	fd, err := unix.Socket(c.addr.Family(), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		c.fail(err)
		return
	}
	c.fd = newDescriptorGuard(fd)
	c.state = ConnectorConnecting

	c.handleConnectResult(unix.Connect(fd, c.addr.sockaddr()))
}

func (c *TCPConnector) handleConnectResult(err error) {
	switch {
	case err == nil, errors.Is(err, unix.EISCONN):
		c.succeed()
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		c.waitWritable()
	case errors.Is(err, unix.EAGAIN),
		errors.Is(err, unix.EADDRINUSE),
		errors.Is(err, unix.EADDRNOTAVAIL),
		errors.Is(err, unix.ECONNREFUSED),
		errors.Is(err, unix.ENETUNREACH):
		c.retryAfterDelay()
	default:
		c.fail(err)
	}
}

func (c *TCPConnector) waitWritable() {
	c.handler = newIOHandler(c.loop, c.fd)
	c.handler.SetWriteCallback(func() { c.handleWritable() })
	c.handler.Enable()
}

func (c *TCPConnector) handleWritable() {
	errno, err := unix.GetsockoptInt(c.fd.FD(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		c.fail(err)
		return
	}
	if errno == 0 {
		c.succeed()
		return
	}
	c.retryAfterDelay()
}

// succeed hands the connected descriptor off to a new TCPConnection. The
// connecting-phase IOHandler, if any, is disabled (not destroyed) so its
// descriptor survives into the connection's own handler; ownership moves
// from connector to connection without an intervening close.
func (c *TCPConnector) succeed() {
	fdNum := c.fd.FD()
	if c.handler != nil {
		c.handler.Disable()
		c.handler = nil
	}
	c.fd = nil

	local := queryLocalAddr(fdNum)
	conn := newTCPConnection(c.loop, fdNum, local, c.addr)
	conn.handler.Enable()

	c.state = ConnectorConnected
	if c.newConnectionCallback != nil {
		c.newConnectionCallback(conn)
	}
}

func (c *TCPConnector) retryAfterDelay() {
	c.closeAttempt()
	c.state = ConnectorDisconnected
	c.attempt++

	if c.maxRetries >= 0 && c.attempt > c.maxRetries {
		c.giveUp(ErrRetriesExhausted)
		return
	}

	if c.retryCallback != nil {
		c.retryCallback(c.attempt)
	}
	delay := c.nextDelay()
	c.retryTimer = c.loop.AddTimer(func() {
		c.retryTimer = nil
		c.connect()
	}, time.Now().Add(delay), 0)
}

func (c *TCPConnector) nextDelay() time.Duration {
	if c.constantDelay > 0 {
		return c.constantDelay
	}
	d := c.currentDelay
	c.currentDelay *= 2
	if c.currentDelay > maxRetryDelay {
		c.currentDelay = maxRetryDelay
	}
	return d
}

func (c *TCPConnector) fail(err error) {
	c.closeAttempt()
	c.state = ConnectorDisconnected
	c.giveUp(err)
}

func (c *TCPConnector) giveUp(err error) {
	if c.failedCallback != nil {
		c.failedCallback(err)
	}
}

// closeAttempt releases whatever descriptor/handler the current attempt
// holds, if any.
func (c *TCPConnector) closeAttempt() {
	if c.handler != nil {
		c.handler.Destroy()
		c.handler = nil
		c.fd = nil
		return
	}
	if c.fd != nil {
		_ = c.fd.Close()
		c.fd = nil
	}
}

func queryLocalAddr(fd int) Address {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Address{}
	}
	return addressFromSockaddr(sa)
}
