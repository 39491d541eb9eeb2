//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// wakeup is an eventfd-backed descriptor used to interrupt a blocked
// Poller.Wait from any goroutine: QueueInLoop writes to it after appending to
// the pending-functor queue, and its IOHandler's read callback simply drains
// the counter, since the act of becoming readable is the only signal that
// matters.
type wakeup struct {
	fd      *descriptorGuard
	handler *IOHandler
}

func newWakeup(loop *EventLoop) *wakeup {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		fatalf("eventfd: %v", err)
	}
	w := &wakeup{fd: newDescriptorGuard(fd)}
	w.handler = newIOHandler(loop, w.fd)
	w.handler.SetReadCallback(func(Interest) { w.drain() })
	return w
}

// signal makes the wakeup descriptor readable. Safe to call from any
// goroutine, including concurrently with itself.
func (w *wakeup) signal() {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(w.fd.FD(), buf[:])
	if err != nil && err != unix.EAGAIN {
		// best effort: a failed wakeup write only risks a slightly delayed
		// pending-functor drain, not a lost one, since the next natural
		// wakeup will drain it anyway.
		_ = err
	}
}

// drain empties the eventfd counter.
func (w *wakeup) drain() {
	var buf [8]byte
	for {
		n, err := unix.Read(w.fd.FD(), buf[:])
		if err != nil || n != 8 {
			return
		}
	}
}
