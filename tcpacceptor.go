package reactor

import (
	"golang.org/x/sys/unix"
)

// TCPAcceptor listens on one bound socket and hands off every accepted
// connection to an accept callback. It reserves a placeholder descriptor so
// that a process-wide descriptor exhaustion (EMFILE/ENFILE) can be worked
// around without simply stalling accept forever.
type TCPAcceptor struct {
	loop        *EventLoop
	handler     *IOHandler
	listenFd    *descriptorGuard
	placeholder int
	localAddr   Address

	acceptCallback func(conn *TCPConnection)
}

// NewTCPAcceptor creates, binds, and wraps a listening socket for addr. It
// does not start listening; call Listen once options are configured.
func NewTCPAcceptor(loop *EventLoop, addr Address) (*TCPAcceptor, error) {
	fd, err := unix.Socket(addr.Family(), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, newSystemError("socket", err)
	}
	if err := unix.Bind(fd, addr.sockaddr()); err != nil {
		_ = unix.Close(fd)
		return nil, newSystemError("bind", err)
	}

	placeholder, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(fd)
		return nil, newSystemError("open placeholder", err)
	}

	a := &TCPAcceptor{
		loop:        loop,
		listenFd:    newDescriptorGuard(fd),
		placeholder: placeholder,
		localAddr:   addr,
	}
	a.handler = newIOHandler(loop, a.listenFd)
	a.handler.SetReadCallback(func(Interest) { a.handleAccept() })
	return a, nil
}

// SetAcceptCallback installs the callback invoked with each accepted
// connection.
func (a *TCPAcceptor) SetAcceptCallback(cb func(conn *TCPConnection)) {
	a.loop.RunInLoop(func() { a.acceptCallback = cb })
}

// SetReuseAddr toggles SO_REUSEADDR on the listening socket.
func (a *TCPAcceptor) SetReuseAddr(on bool) error {
	return unix.SetsockoptInt(a.listenFd.FD(), unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on))
}

// SetReusePort toggles SO_REUSEPORT on the listening socket.
func (a *TCPAcceptor) SetReusePort(on bool) error {
	return unix.SetsockoptInt(a.listenFd.FD(), unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on))
}

// SetTCPNoDelay toggles TCP_NODELAY on the listening socket, inherited by
// descriptors it accepts on some kernels; per the design this option is
// exposed on the acceptor itself rather than only on accepted connections.
func (a *TCPAcceptor) SetTCPNoDelay(on bool) error {
	return unix.SetsockoptInt(a.listenFd.FD(), unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

// SetKeepAlive toggles SO_KEEPALIVE on the listening socket.
func (a *TCPAcceptor) SetKeepAlive(on bool) error {
	return unix.SetsockoptInt(a.listenFd.FD(), unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on))
}

// Listen marks the socket listening and enables its read interest. It is
// safe to call before the owning loop's Loop has started.
func (a *TCPAcceptor) Listen() error {
	var retErr error
	done := make(chan struct{})
	a.loop.RunInLoop(func() {
		if err := unix.Listen(a.listenFd.FD(), unix.SOMAXCONN); err != nil {
			retErr = newSystemError("listen", err)
			close(done)
			return
		}
		a.handler.Enable()
		close(done)
	})
	<-done
	return retErr
}

// Close stops accepting and releases both the listening socket and the
// placeholder descriptor.
func (a *TCPAcceptor) Close() {
	a.loop.RunInLoop(func() {
		a.handler.Destroy()
		_ = unix.Close(a.placeholder)
	})
}

// handleAccept drains every pending connection until accept4 would block,
// delivering each to the accept callback.
func (a *TCPAcceptor) handleAccept() {
	for {
		nfd, sa, err := unix.Accept4(a.listenFd.FD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EMFILE, unix.ENFILE:
				a.handleDescriptorExhaustion()
				continue
			default:
				a.loop.logger().Warnf("reactor: accept fd=%d: %v", a.listenFd.FD(), err)
				return
			}
		}

		peer := addressFromSockaddr(sa)
		conn := newTCPConnection(a.loop, nfd, a.localAddr, peer)
		conn.handler.Enable()
		if a.acceptCallback != nil {
			a.acceptCallback(conn)
		}
	}
}

// handleDescriptorExhaustion implements the mandatory EMFILE/ENFILE
// workaround: release the reserved placeholder, accept and immediately
// close the offending connection (freeing the kernel's backlog slot), then
// reopen the placeholder so the next exhaustion can be handled the same
// way.
func (a *TCPAcceptor) handleDescriptorExhaustion() {
	_ = unix.Close(a.placeholder)

	if fd, _, err := unix.Accept(a.listenFd.FD()); err == nil {
		_ = unix.Close(fd)
	}

	ph, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		a.loop.logger().Errorf("reactor: reopen placeholder: %v", err)
		return
	}
	a.placeholder = ph
}
