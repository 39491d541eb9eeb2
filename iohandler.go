package reactor

import (
	"sync"
)

// HandlerState is the lifecycle of an IOHandler.
type HandlerState int

const (
	// HandlerCreated is the state after construction, before the handler has
	// ever been registered with the poller.
	HandlerCreated HandlerState = iota
	// HandlerEnabled is the state while the handler is registered with the
	// poller and delivering events.
	HandlerEnabled
	// HandlerDisabled is the terminal state: deregistered, callbacks
	// cleared.
	HandlerDisabled
)

// IOHandler owns one descriptor and carries the four callback slots the
// design specifies. The callback setters may be called from any goroutine;
// they post their effect onto the owning loop so that the interest mask and
// the callback slots are only ever touched on the loop goroutine. Enable,
// Disable and Destroy do not post: they run only on the loop goroutine and
// panic with a *FatalError when called from any other goroutine once Loop
// has started.
type IOHandler struct {
	loop *EventLoop
	fd   *descriptorGuard

	mu       sync.Mutex
	state    HandlerState
	interest Interest
	lastEvents Interest

	readCallback  func(events Interest)
	writeCallback func()
	closeCallback func()
	errorCallback func()

	cookie uintptr
}

// newIOHandler constructs a handler in the Created state. It does not touch
// the poller.
func newIOHandler(loop *EventLoop, fd *descriptorGuard) *IOHandler {
	h := &IOHandler{loop: loop, fd: fd, state: HandlerCreated}
	h.cookie = loop.registerHandler(h)
	return h
}

// FD returns the backing descriptor number.
func (h *IOHandler) FD() int {
	return h.fd.FD()
}

// State returns the handler's current lifecycle state.
func (h *IOHandler) State() HandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetReadCallback installs (or, with nil, clears) the callback fired when
// the descriptor becomes readable, has priority data, or reports
// PeerHangup (with or without Readable).
func (h *IOHandler) SetReadCallback(cb func(events Interest)) {
	h.loop.RunInLoop(func() {
		h.mu.Lock()
		h.readCallback = cb
		h.setInterestBit(Readable, cb != nil)
		h.mu.Unlock()
	})
}

// SetWriteCallback installs (or clears) the callback fired when the
// descriptor becomes writable.
func (h *IOHandler) SetWriteCallback(cb func()) {
	h.loop.RunInLoop(func() {
		h.mu.Lock()
		h.writeCallback = cb
		h.setInterestBit(Writable, cb != nil)
		h.mu.Unlock()
	})
}

// SetCloseCallback installs (or clears) the callback fired on peer hangup.
func (h *IOHandler) SetCloseCallback(cb func()) {
	h.loop.RunInLoop(func() {
		h.mu.Lock()
		h.closeCallback = cb
		h.setInterestBit(PeerHangup, cb != nil)
		h.mu.Unlock()
	})
}

// SetErrorCallback installs (or clears) the callback fired when the kernel
// reports an error condition on the descriptor.
func (h *IOHandler) SetErrorCallback(cb func()) {
	h.loop.RunInLoop(func() {
		h.mu.Lock()
		h.errorCallback = cb
		h.mu.Unlock()
	})
}

// setInterestBit adjusts h.interest and, if currently enabled, schedules a
// poller modify. Caller must hold h.mu.
func (h *IOHandler) setInterestBit(bit Interest, set bool) {
	if set {
		h.interest |= bit
	} else {
		h.interest &^= bit
	}
	if h.state == HandlerEnabled {
		_ = h.loop.poller.Modify(h.fd.FD(), h.interest, h.cookie)
	}
}

// Enable transitions Created->Enabled (registering with the poller) or, if
// already Enabled, re-applies the current interest mask with a poller
// modify. Must run on the loop thread; callers from other
// goroutines should route through RunInLoop/QueueInLoop.
func (h *IOHandler) Enable() {
	h.loop.assertInLoopThread()
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case HandlerCreated:
		if err := h.loop.poller.Add(h.fd.FD(), h.interest, h.cookie); err != nil {
			h.loop.logger().Warnf("reactor: enable fd=%d: %v", h.fd.FD(), err)
			return
		}
		h.state = HandlerEnabled
	case HandlerEnabled:
		_ = h.loop.poller.Modify(h.fd.FD(), h.interest, h.cookie)
	case HandlerDisabled:
		h.loop.logger().Warnf("reactor: enable called on disabled handler fd=%d", h.fd.FD())
	}
}

// Disable transitions to Disabled: deregisters from the poller, clears all
// callback slots (breaking any closure cycle through the handler), and is
// terminal. Must run on the loop thread.
func (h *IOHandler) Disable() {
	h.loop.assertInLoopThread()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HandlerDisabled {
		return
	}
	if h.state == HandlerEnabled && h.loop.state.Load() != StateEnd {
		if err := h.loop.poller.Remove(h.fd.FD()); err != nil {
			h.loop.logger().Warnf("reactor: disable fd=%d: %v", h.fd.FD(), err)
		}
	}
	h.state = HandlerDisabled
	h.readCallback = nil
	h.writeCallback = nil
	h.closeCallback = nil
	h.errorCallback = nil
	h.loop.unregisterHandler(h.cookie)
}

// Destroy disables the handler (if not already) and closes the descriptor.
// Must run on the loop thread.
func (h *IOHandler) Destroy() {
	h.Disable()
	_ = h.fd.Close()
}

// dispatch is invoked by the EventLoop with the raw readiness mask for one
// iteration. It fires at most one callback per slot, in the fixed order
// close, error, read, write; a handler disabled mid-dispatch (by one of its
// own callbacks) short-circuits the remaining callbacks.
func (h *IOHandler) dispatch(events Interest) {
	h.mu.Lock()
	h.lastEvents = events
	h.mu.Unlock()

	if events&PeerHangup != 0 && events&Readable == 0 {
		if !h.fireClose() {
			return
		}
	}
	if events&ErrorReady != 0 {
		if !h.fireError() {
			return
		}
	}
	if events&(Readable|Priority|PeerHangup) != 0 {
		if !h.fireRead(events) {
			return
		}
	}
	if events&Writable != 0 {
		h.fireWrite()
	}
}

func (h *IOHandler) isDisabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == HandlerDisabled
}

func (h *IOHandler) fireClose() bool {
	h.mu.Lock()
	cb := h.closeCallback
	h.mu.Unlock()
	if cb == nil {
		h.loop.logger().Warnf("reactor: fd=%d hangup with no close callback", h.fd.FD())
		return !h.isDisabled()
	}
	cb()
	return !h.isDisabled()
}

func (h *IOHandler) fireError() bool {
	h.mu.Lock()
	cb := h.errorCallback
	h.mu.Unlock()
	if cb == nil {
		h.loop.logger().Warnf("reactor: fd=%d error with no error callback", h.fd.FD())
		return !h.isDisabled()
	}
	cb()
	return !h.isDisabled()
}

func (h *IOHandler) fireRead(events Interest) bool {
	h.mu.Lock()
	cb := h.readCallback
	h.mu.Unlock()
	if cb == nil {
		h.loop.logger().Warnf("reactor: fd=%d readable with no read callback", h.fd.FD())
		return !h.isDisabled()
	}
	cb(events)
	return !h.isDisabled()
}

func (h *IOHandler) fireWrite() bool {
	h.mu.Lock()
	cb := h.writeCallback
	h.mu.Unlock()
	if cb == nil {
		h.loop.logger().Warnf("reactor: fd=%d writable with no write callback", h.fd.FD())
		return !h.isDisabled()
	}
	cb()
	return !h.isDisabled()
}
