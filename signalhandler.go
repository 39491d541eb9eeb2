package reactor

import (
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SignalDisposition is the desired disposition of a registered signal.
type SignalDisposition int

const (
	// SignalIgnored discards the signal.
	SignalIgnored SignalDisposition = iota
	// SignalDefault restores the process default disposition.
	SignalDefault
	// SignalHandled routes the signal to a user callback via a signalfd and
	// an IOHandler.
	SignalHandled
)

// signalRegistration is the bookkeeping for one signal number. At most one
// registration exists per signal per process; HandleSignal on an existing
// signal edits disposition and callback in place.
type signalRegistration struct {
	sig         syscall.Signal
	disposition SignalDisposition
	fd          *descriptorGuard
	handler     *IOHandler
	callback    func()

	// notifyCh/notifyDone back the signal.Notify fallback path described on
	// enableSignalfd; both are nil unless disposition is SignalHandled.
	notifyCh   chan os.Signal
	notifyDone chan struct{}
}

var signalThreadOnce sync.Once

// lockSignalThread pins the calling goroutine to its OS thread once, for the
// lifetime of the process. signalfd delivery is reliable only when the
// signal is blocked on the thread performing the read; since a goroutine
// may otherwise migrate between OS threads, the first Handled registration
// locks the loop goroutine down.
func lockSignalThread() {
	signalThreadOnce.Do(runtime.LockOSThread)
}

// SignalHandle references one signal registration.
type SignalHandle struct {
	sig  syscall.Signal
	loop *EventLoop
}

// Update changes disposition and callback in place. It is safe to call from
// any goroutine; the mutation is posted onto the loop.
func (h *SignalHandle) Update(disposition SignalDisposition, cb func()) {
	h.loop.RunInLoop(func() {
		h.loop.applySignal(h.sig, disposition, cb)
	})
}

// Disable restores the process default disposition and deregisters the
// backing handler, if any. Signals delivered while disabled are lost; this
// is intentional.
func (h *SignalHandle) Disable() {
	h.Update(SignalDefault, nil)
}

// HandleSignal creates or updates the registration for sig. The first call
// for a signal creates the registration; subsequent calls adjust
// disposition and callback without dropping deliveries already queued at
// the signalfd but not yet drained. Safe to call from any goroutine.
func (loop *EventLoop) HandleSignal(sig syscall.Signal, disposition SignalDisposition, cb func()) *SignalHandle {
	h := &SignalHandle{sig: sig, loop: loop}
	loop.RunInLoop(func() {
		loop.applySignal(sig, disposition, cb)
	})
	return h
}

// applySignal must run on the loop thread.
func (loop *EventLoop) applySignal(sig syscall.Signal, disposition SignalDisposition, cb func()) {
	loop.signalsMu.Lock()
	reg, exists := loop.signals[sig]
	if !exists {
		reg = &signalRegistration{sig: sig, disposition: SignalDefault}
		loop.signals[sig] = reg
	}
	loop.signalsMu.Unlock()

	wasHandled := reg.disposition == SignalHandled
	reg.disposition = disposition
	reg.callback = cb

	switch disposition {
	case SignalHandled:
		if !wasHandled {
			loop.enableSignalfd(reg)
		}
	case SignalIgnored:
		if wasHandled {
			loop.disableSignalfd(reg)
		}
		signal.Ignore(sig)
	case SignalDefault:
		if wasHandled {
			loop.disableSignalfd(reg)
		}
		signal.Reset(sig)
	}
}

// enableSignalfd creates the signalfd-backed handler for reg.sig and blocks
// the signal on the loop thread so the signalfd path can deliver it there.
//
// PthreadSigmask only ever affects the calling thread: a process-directed
// signal (kill(pid, sig), as opposed to one targeted at a specific thread)
// is delivered by the kernel to whichever thread in the process currently
// has it unblocked, which on a multi-threaded Go process is not guaranteed
// to be the loop thread. Blocking it here is necessary for the signalfd read
// to see it at all, but not sufficient for reliable delivery by itself.
//
// signal.Notify closes that gap: unlike the per-thread block, the sigaction
// disposition it installs is process-wide, so the Go runtime's own signal
// forwarding catches the signal regardless of which thread the kernel
// handed it to and relays it onto notifyCh. The two paths are mutually
// exclusive per delivery (the kernel picks exactly one thread), so every
// occurrence reaches the callback exactly once, through whichever path
// happened to see it.
func (loop *EventLoop) enableSignalfd(reg *signalRegistration) {
	lockSignalThread()

	var mask unix.Sigset_t
	sigaddset(&mask, reg.sig)

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &mask, nil); err != nil {
		loop.logger().Errorf("reactor: sigprocmask(BLOCK, %v): %v", reg.sig, err)
		return
	}

	fd, err := unix.Signalfd(-1, &mask, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		loop.logger().Errorf("reactor: signalfd(%v): %v", reg.sig, err)
		return
	}

	reg.fd = newDescriptorGuard(fd)
	reg.handler = newIOHandler(loop, reg.fd)
	reg.handler.SetReadCallback(func(Interest) {
		loop.drainSignalfd(reg)
	})
	reg.handler.Enable()

	reg.notifyCh = make(chan os.Signal, 1)
	reg.notifyDone = make(chan struct{})
	signal.Notify(reg.notifyCh, reg.sig)
	go loop.watchNotifyFallback(reg)
}

// watchNotifyFallback relays deliveries signal.Notify caught on some thread
// other than the blocked loop thread (see enableSignalfd) into the
// callback, posted through RunInLoop like every other mutation of reg.
func (loop *EventLoop) watchNotifyFallback(reg *signalRegistration) {
	for {
		select {
		case <-reg.notifyCh:
			loop.RunInLoop(func() {
				if reg.disposition == SignalHandled && reg.callback != nil {
					reg.callback()
				}
			})
		case <-reg.notifyDone:
			return
		}
	}
}

// disableSignalfd tears down the handler and notify fallback backing reg,
// if any.
func (loop *EventLoop) disableSignalfd(reg *signalRegistration) {
	if reg.handler == nil {
		return
	}
	reg.handler.Destroy()
	reg.handler = nil
	reg.fd = nil

	signal.Stop(reg.notifyCh)
	close(reg.notifyDone)
	reg.notifyCh = nil
	reg.notifyDone = nil

	var mask unix.Sigset_t
	sigaddset(&mask, reg.sig)
	_ = unix.PthreadSigmask(unix.SIG_UNBLOCK, &mask, nil)
}

// drainSignalfd reads every queued siginfo from reg's signalfd and invokes
// the current callback once per delivery.
func (loop *EventLoop) drainSignalfd(reg *signalRegistration) {
	var info unix.SignalfdSiginfo
	buf := (*(*[unsafe.Sizeof(unix.SignalfdSiginfo{})]byte)(unsafe.Pointer(&info)))[:]
	for {
		n, err := unix.Read(reg.fd.FD(), buf)
		if err != nil || n != len(buf) {
			return
		}
		if reg.callback != nil {
			reg.callback()
		}
	}
}

// sigaddset sets bit sig in mask. golang.org/x/sys/unix.Sigset_t is a
// fixed-size bitmap; signal numbers are 1-based.
func sigaddset(mask *unix.Sigset_t, sig syscall.Signal) {
	// Val is a [N]uint64 on linux/amd64; each word holds 64 signal bits.
	word := (int(sig) - 1) / 64
	bit := uint((int(sig) - 1) % 64)
	mask.Val[word] |= 1 << bit
}
