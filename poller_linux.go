//go:build linux

package reactor

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Poller is a thin wrapper over epoll. It tracks which descriptors are
// registered so that Add/Modify/Remove can report AlreadyTracked/NotTracked
// without relying on epoll_ctl's own errno, and it stores the caller's
// cookie directly in the epoll_event union so Wait never needs a secondary
// lookup to route an event to its owner.
//
// Poller itself is safe for concurrent Add/Modify/Remove from any goroutine;
// Wait must only ever be called from the owning EventLoop's goroutine.
type Poller struct {
	epfd     int
	mu       sync.Mutex
	tracked  map[int]struct{}
	eventBuf []unix.EpollEvent
	closed   atomic.Bool
}

// NewPoller creates the epoll instance backing a Poller. Failure here is a
// kernel-facility setup failure and, per the design, is fatal.
func NewPoller() *Poller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		fatalf("epoll_create1: %v", err)
	}
	return &Poller{
		epfd:     epfd,
		tracked:  make(map[int]struct{}),
		eventBuf: make([]unix.EpollEvent, 256),
	}
}

// Add registers fd for the given interest, setting it non-blocking first.
// cookie is returned unchanged on every event for fd until Remove.
func (p *Poller) Add(fd int, interest Interest, cookie uintptr) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return newSystemError("set_nonblock", err)
	}

	p.mu.Lock()
	if _, ok := p.tracked[fd]; ok {
		p.mu.Unlock()
		return ErrAlreadyTracked
	}
	p.tracked[fd] = struct{}{}
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: interestToEpoll(interest)}
	setEpollCookie(&ev, cookie)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.mu.Lock()
		delete(p.tracked, fd)
		p.mu.Unlock()
		return newSystemError("epoll_ctl(ADD)", err)
	}
	return nil
}

// Modify changes the interest mask and/or cookie for an already-tracked fd.
func (p *Poller) Modify(fd int, interest Interest, cookie uintptr) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	p.mu.Lock()
	if _, ok := p.tracked[fd]; !ok {
		p.mu.Unlock()
		return ErrNotTracked
	}
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: interestToEpoll(interest)}
	setEpollCookie(&ev, cookie)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return newSystemError("epoll_ctl(MOD)", err)
	}
	return nil
}

// Remove deregisters fd. The caller is responsible for closing fd itself.
func (p *Poller) Remove(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	p.mu.Lock()
	if _, ok := p.tracked[fd]; !ok {
		p.mu.Unlock()
		return ErrNotTracked
	}
	delete(p.tracked, fd)
	p.mu.Unlock()

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return newSystemError("epoll_ctl(DEL)", err)
	}
	return nil
}

// Wait blocks for at most timeoutMs (WaitBlock to block indefinitely,
// WaitNonBlocking for a non-blocking check) and returns the ready batch.
// sigmask, if non-nil, is the signal mask to install for the duration of the
// call (as for epoll_pwait); a signal outside that mask interrupting the
// wait yields an empty, non-error batch rather than propagating EINTR.
//
// The returned slice is newly allocated on every call; the poller keeps no
// reference to it.
func (p *Poller) Wait(timeoutMs int, sigmask *unix.Sigset_t) ([]PollEvent, error) {
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}

	n, err := unix.EpollPwait(p.epfd, p.eventBuf, timeoutMs, sigmask)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, newSystemError("epoll_pwait", err)
	}

	out := make([]PollEvent, n)
	for i := 0; i < n; i++ {
		out[i] = PollEvent{
			Events: epollToInterest(p.eventBuf[i].Events),
			Cookie: getEpollCookie(&p.eventBuf[i]),
		}
	}
	return out, nil
}

// Close releases the epoll descriptor. Further operations return
// ErrPollerClosed.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func interestToEpoll(interest Interest) uint32 {
	var e uint32
	if interest&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	if interest&Priority != 0 {
		e |= unix.EPOLLPRI
	}
	if interest&PeerHangup != 0 {
		e |= unix.EPOLLRDHUP
	}
	if interest&EdgeTrigger != 0 {
		e |= unix.EPOLLET
	}
	return e
}

// setEpollCookie and getEpollCookie store an arbitrary 64-bit cookie across
// the Fd/Pad pair that make up the kernel's epoll_data union, avoiding any
// need to track a separate fd->cookie table for dispatch.
func setEpollCookie(ev *unix.EpollEvent, cookie uintptr) {
	*(*uint64)(unsafe.Pointer(&ev.Fd)) = uint64(cookie)
}

func getEpollCookie(ev *unix.EpollEvent) uintptr {
	return uintptr(*(*uint64)(unsafe.Pointer(&ev.Fd)))
}

func epollToInterest(e uint32) Interest {
	var interest Interest
	if e&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		interest |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		interest |= Writable
	}
	if e&unix.EPOLLRDHUP != 0 {
		interest |= PeerHangup
	}
	if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		interest |= ErrorReady
	}
	return interest
}
