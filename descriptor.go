package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// descriptorGuard owns exactly one OS file descriptor and closes it exactly
// once. Two guards must never name the same descriptor at the same time;
// callers that hand a descriptor to a guard give up ownership of it.
type descriptorGuard struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// newDescriptorGuard wraps an already-open, non-blocking, close-on-exec
// descriptor.
func newDescriptorGuard(fd int) *descriptorGuard {
	return &descriptorGuard{fd: fd}
}

// FD returns the underlying descriptor number. It remains valid only until
// Close runs; callers on the loop thread may rely on it being stable for the
// lifetime of an enabled handler.
func (g *descriptorGuard) FD() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fd
}

// Close closes the descriptor exactly once. Subsequent calls are no-ops.
func (g *descriptorGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	fd := g.fd
	g.fd = -1
	return unix.Close(fd)
}

// Closed reports whether Close has already run.
func (g *descriptorGuard) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// setNonblockCloexec applies the non-blocking and close-on-exec flags the
// design requires of every descriptor the library creates or accepts.
func setNonblockCloexec(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	if errno != 0 {
		return errno
	}
	return nil
}
