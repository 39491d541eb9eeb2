package reactor

import (
	"golang.org/x/sys/unix"
)

// udpScratchSize bounds one recvfrom() call, matching the scatter-read
// scratch region ByteBuffer.ReadFd uses for its stream counterpart.
const udpScratchSize = 65536

// UDPSocket wraps one non-blocking UDP socket. Unlike TCPConnection there is
// no connection state machine: datagrams are delivered to the data callback
// as they arrive, each tagged with its sender's Address, and a socket may
// optionally be bound (for a server) and/or connected (to fix a single peer
// for Send/Recv). Every method is safe to call from any goroutine. The
// callback slots, bind, connect and handler registration are only ever
// touched on the owning loop's goroutine; SendTo, Send and the
// socket-option setters act on the descriptor directly from the calling
// goroutine.
type UDPSocket struct {
	loop    *EventLoop
	handler *IOHandler
	fd      *descriptorGuard
	ipv6    bool

	local     Address
	connected bool

	dataCallback  func(sock *UDPSocket, data []byte, from Address)
	errorCallback func(sock *UDPSocket, err error)
}

// NewUDPSocket creates a non-blocking UDP socket for the given family. It
// does not bind, connect, or enable the handler; call BindAddress (for a
// server) and/or Connect (to fix a peer), then Enable once a data callback
// is installed.
func NewUDPSocket(loop *EventLoop, ipv6 bool) (*UDPSocket, error) {
	family := unix.AF_INET
	if ipv6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, newSystemError("socket", err)
	}

	s := &UDPSocket{
		loop: loop,
		fd:   newDescriptorGuard(fd),
		ipv6: ipv6,
	}
	s.handler = newIOHandler(loop, s.fd)
	s.handler.SetReadCallback(func(Interest) { s.handleRead() })
	s.handler.SetErrorCallback(func() { s.handleError() })
	return s, nil
}

// SetDataCallback installs the callback fired once per received datagram.
func (s *UDPSocket) SetDataCallback(cb func(sock *UDPSocket, data []byte, from Address)) {
	s.loop.RunInLoop(func() { s.dataCallback = cb })
}

// SetErrorCallback installs the callback fired when the kernel reports an
// error condition on the socket.
func (s *UDPSocket) SetErrorCallback(cb func(sock *UDPSocket, err error)) {
	s.loop.RunInLoop(func() { s.errorCallback = cb })
}

// LocalAddr returns the address BindAddress bound the socket to, or the zero
// Address if it was never bound.
func (s *UDPSocket) LocalAddr() Address { return s.local }

// BindAddress binds the socket for server use. Must be called before
// Enable.
func (s *UDPSocket) BindAddress(addr Address) error {
	var retErr error
	done := make(chan struct{})
	s.loop.RunInLoop(func() {
		if err := unix.Bind(s.fd.FD(), addr.sockaddr()); err != nil {
			retErr = newSystemError("bind", err)
			close(done)
			return
		}
		s.local = addr
		if sa, err := unix.Getsockname(s.fd.FD()); err == nil {
			s.local = addressFromSockaddr(sa)
		}
		close(done)
	})
	<-done
	return retErr
}

// Connect fixes addr as the socket's sole peer: subsequent Send/Recv target
// it directly and the kernel filters out datagrams from any other source.
func (s *UDPSocket) Connect(addr Address) error {
	var retErr error
	done := make(chan struct{})
	s.loop.RunInLoop(func() {
		if err := unix.Connect(s.fd.FD(), addr.sockaddr()); err != nil {
			retErr = newSystemError("connect", err)
			close(done)
			return
		}
		s.connected = true
		close(done)
	})
	<-done
	return retErr
}

// Enable registers the socket's read interest with the poller.
func (s *UDPSocket) Enable() {
	s.loop.RunInLoop(func() { s.handler.Enable() })
}

// Close disables the handler and releases the socket.
func (s *UDPSocket) Close() {
	s.loop.RunInLoop(func() { s.handler.Destroy() })
}

// SetReuseAddr toggles SO_REUSEADDR.
func (s *UDPSocket) SetReuseAddr(on bool) error {
	return unix.SetsockoptInt(s.fd.FD(), unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on))
}

// SetReusePort toggles SO_REUSEPORT.
func (s *UDPSocket) SetReusePort(on bool) error {
	return unix.SetsockoptInt(s.fd.FD(), unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on))
}

// SetBroadcast toggles SO_BROADCAST, required to send to a broadcast
// address.
func (s *UDPSocket) SetBroadcast(on bool) error {
	return unix.SetsockoptInt(s.fd.FD(), unix.SOL_SOCKET, unix.SO_BROADCAST, boolToInt(on))
}

// SetMulticastTTL sets IP_MULTICAST_TTL (IPv4) or IPV6_MULTICAST_HOPS
// (IPv6).
func (s *UDPSocket) SetMulticastTTL(ttl int) error {
	if s.ipv6 {
		return unix.SetsockoptInt(s.fd.FD(), unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, ttl)
	}
	return unix.SetsockoptInt(s.fd.FD(), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl)
}

// SetMulticastLoopback toggles whether a multicast datagram sent on this
// socket is looped back to the sending host.
func (s *UDPSocket) SetMulticastLoopback(on bool) error {
	if s.ipv6 {
		return unix.SetsockoptInt(s.fd.FD(), unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, boolToInt(on))
	}
	return unix.SetsockoptInt(s.fd.FD(), unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, boolToInt(on))
}

// SetRecvBufferSize sets SO_RCVBUF.
func (s *UDPSocket) SetRecvBufferSize(n int) error {
	return unix.SetsockoptInt(s.fd.FD(), unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}

// GetRecvBufferSize reads back SO_RCVBUF.
func (s *UDPSocket) GetRecvBufferSize() (int, error) {
	return unix.GetsockoptInt(s.fd.FD(), unix.SOL_SOCKET, unix.SO_RCVBUF)
}

// SetSendBufferSize sets SO_SNDBUF.
func (s *UDPSocket) SetSendBufferSize(n int) error {
	return unix.SetsockoptInt(s.fd.FD(), unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

// GetSendBufferSize reads back SO_SNDBUF.
func (s *UDPSocket) GetSendBufferSize() (int, error) {
	return unix.GetsockoptInt(s.fd.FD(), unix.SOL_SOCKET, unix.SO_SNDBUF)
}

// JoinMulticastGroup joins group on the interface identified by iface (its
// zero value selects the default interface for IPv4; IPv6 requires the port
// field of iface to carry the interface index).
func (s *UDPSocket) JoinMulticastGroup(group, iface Address) error {
	if s.ipv6 {
		req := &unix.IPv6Mreq{Interface: uint32(iface.port)}
		copy(req.Multiaddr[:], group.ip.To16())
		return unix.SetsockoptIPv6Mreq(s.fd.FD(), unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, req)
	}
	req := &unix.IPMreq{}
	copy(req.Multiaddr[:], group.ip.To4())
	if iface.ip != nil {
		copy(req.Interface[:], iface.ip.To4())
	}
	return unix.SetsockoptIPMreq(s.fd.FD(), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, req)
}

// LeaveMulticastGroup reverses a prior JoinMulticastGroup.
func (s *UDPSocket) LeaveMulticastGroup(group, iface Address) error {
	if s.ipv6 {
		req := &unix.IPv6Mreq{Interface: uint32(iface.port)}
		copy(req.Multiaddr[:], group.ip.To16())
		return unix.SetsockoptIPv6Mreq(s.fd.FD(), unix.IPPROTO_IPV6, unix.IPV6_LEAVE_GROUP, req)
	}
	req := &unix.IPMreq{}
	copy(req.Multiaddr[:], group.ip.To4())
	if iface.ip != nil {
		copy(req.Interface[:], iface.ip.To4())
	}
	return unix.SetsockoptIPMreq(s.fd.FD(), unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, req)
}

// SendTo sends data to addr. UDP datagram writes are atomic: a nil error
// means the full datagram was accepted by the kernel.
func (s *UDPSocket) SendTo(data []byte, addr Address) (int, error) {
	if err := unix.Sendto(s.fd.FD(), data, 0, addr.sockaddr()); err != nil {
		return 0, newSystemError("sendto", err)
	}
	return len(data), nil
}

// Send writes to the socket's connected peer. Connect must have succeeded
// first.
func (s *UDPSocket) Send(data []byte) (int, error) {
	n, err := unix.Write(s.fd.FD(), data)
	if err != nil {
		return 0, newSystemError("write", err)
	}
	return n, nil
}

// handleRead drains every pending datagram until recvfrom would block,
// delivering each to the data callback with its sender's address.
func (s *UDPSocket) handleRead() {
	var buf [udpScratchSize]byte
	for {
		n, from, err := unix.Recvfrom(s.fd.FD(), buf[:], 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.loop.logger().Warnf("reactor: recvfrom fd=%d: %v", s.fd.FD(), err)
			return
		}
		var peer Address
		if from != nil {
			peer = addressFromSockaddr(from)
		}
		if s.dataCallback != nil {
			// copy: buf is reused by the next iteration of this loop.
			data := append([]byte(nil), buf[:n]...)
			s.dataCallback(s, data, peer)
		}
	}
}

// handleError queries SO_ERROR and fires the error callback.
func (s *UDPSocket) handleError() {
	errno, err := unix.GetsockoptInt(s.fd.FD(), unix.SOL_SOCKET, unix.SO_ERROR)
	var reported error
	if err != nil {
		reported = err
	} else if errno != 0 {
		reported = unix.Errno(errno)
	}
	if s.errorCallback != nil {
		s.errorCallback(s, reported)
	}
}
