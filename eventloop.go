package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// EventLoop is a single-goroutine reactor: one call to Loop drives a
// poll-dispatch-drain cycle until EndLoop is called. Every IOHandler, the
// TimerQueue, and the signal registry it owns are only ever touched from
// that one goroutine; other goroutines reach the loop exclusively through
// RunInLoop, QueueInLoop, and the handle types (TimerHandle, SignalHandle)
// that wrap them.
type EventLoop struct {
	poller *Poller
	timers *TimerQueue
	wake   *wakeup
	state  *loopState

	log        Logger
	workerPool *WorkerPool

	handlersMu sync.Mutex
	handlers   map[uintptr]*IOHandler
	nextCookie atomic.Uint64

	pendingMu    sync.Mutex
	pending      []func()
	pendingSpare []func()

	signalsMu sync.Mutex
	signals   map[syscall.Signal]*signalRegistration

	running         atomic.Bool
	endRequested    atomic.Bool
	loopGoroutineID atomic.Uint64
	iteration       atomic.Uint64

	pollReturnMu   sync.Mutex
	pollReturnTime time.Time
}

// NewEventLoop constructs an EventLoop and the kernel facilities it owns
// (epoll instance, timerfd, eventfd wakeup). Failure to create any of these
// is a fatal setup error, except timerfd_create, which is returned since a
// process can plausibly run out of descriptors at startup.
func NewEventLoop(opts ...EventLoopOption) (*EventLoop, error) {
	cfg := resolveLoopConfig(opts)

	loop := &EventLoop{
		state:    newLoopState(),
		log:      cfg.logger,
		handlers: make(map[uintptr]*IOHandler),
		signals:  make(map[syscall.Signal]*signalRegistration),
	}
	loop.workerPool = cfg.workerPool
	loop.poller = NewPoller()

	timers, err := newTimerQueue(loop)
	if err != nil {
		_ = loop.poller.Close()
		return nil, err
	}
	loop.timers = timers

	loop.wake = newWakeup(loop)
	loop.wake.handler.Enable()

	return loop, nil
}

// logger returns the configured Logger, never nil.
func (loop *EventLoop) logger() Logger {
	return loop.log
}

// State returns the loop's current phase.
func (loop *EventLoop) State() LoopState {
	return loop.state.Load()
}

// Iteration returns the number of completed poll-dispatch-drain cycles.
func (loop *EventLoop) Iteration() uint64 {
	return loop.iteration.Load()
}

// PollReturnTime returns the wall-clock time the most recent Poller.Wait
// call returned. Safe to call from any goroutine.
func (loop *EventLoop) PollReturnTime() time.Time {
	loop.pollReturnMu.Lock()
	defer loop.pollReturnMu.Unlock()
	return loop.pollReturnTime
}

// AddTimer schedules cb to run at when, and every interval thereafter if
// interval > 0. An expiration in the past is accepted and runs on the next
// loop turn. Safe to call from any goroutine: the id backing the returned
// handle is allocated immediately, and the heap insertion itself is posted
// through RunInLoop, so the handle is usable (Disable, UpdateCallback, ...)
// before the entry is necessarily live.
func (loop *EventLoop) AddTimer(cb func(), when time.Time, interval time.Duration) *TimerHandle {
	id := loop.timers.allocateID()
	loop.RunInLoop(func() {
		loop.timers.insert(id, cb, when, interval)
	})
	return &TimerHandle{id: id, queue: loop.timers}
}

// Loop runs the poll-dispatch-drain cycle on the calling goroutine until
// EndLoop is called, returning nil. It returns ErrLoopAlreadyRunning if a
// previous call to Loop has not yet returned. If Poller.Wait fails, Loop
// logs the error and returns it; it does not keep polling after a failed
// wait.
func (loop *EventLoop) Loop() error {
	if !loop.running.CompareAndSwap(false, true) {
		return ErrLoopAlreadyRunning
	}
	loop.loopGoroutineID.Store(getGoroutineID())
	defer func() {
		loop.state.Store(StateEnd)
		loop.running.Store(false)
	}()

	for {
		loop.state.Store(StatePolling)
		events, err := loop.poller.Wait(int(WaitBlock), nil)
		loop.pollReturnMu.Lock()
		loop.pollReturnTime = time.Now()
		loop.pollReturnMu.Unlock()
		if err != nil {
			loop.log.Errorf("reactor: poller wait: %v", err)
			return err
		}

		loop.state.Store(StateIOHandling)
		loop.dispatchReady(events)

		loop.state.Store(StatePendingHandling)
		loop.drainPending()

		loop.iteration.Add(1)

		if loop.endRequested.Load() {
			return nil
		}
	}
}

// EndLoop requests that the loop stop after completing its current
// iteration. Safe to call from any goroutine, including the loop's own.
func (loop *EventLoop) EndLoop() {
	loop.endRequested.Store(true)
	loop.wake.signal()
}

// dispatchReady routes each ready event to its owning handler by cookie,
// with no secondary lookup by descriptor.
func (loop *EventLoop) dispatchReady(events []PollEvent) {
	for _, ev := range events {
		loop.handlersMu.Lock()
		h := loop.handlers[ev.Cookie]
		loop.handlersMu.Unlock()
		if h == nil {
			continue
		}
		h.dispatch(ev.Events)
	}
}

// registerHandler assigns a handler a process-unique cookie and indexes it
// for dispatch. Called once per IOHandler, at construction.
func (loop *EventLoop) registerHandler(h *IOHandler) uintptr {
	cookie := uintptr(loop.nextCookie.Add(1))
	loop.handlersMu.Lock()
	loop.handlers[cookie] = h
	loop.handlersMu.Unlock()
	return cookie
}

// unregisterHandler removes a handler's dispatch entry. Called once, from
// IOHandler.Disable.
func (loop *EventLoop) unregisterHandler(cookie uintptr) {
	loop.handlersMu.Lock()
	delete(loop.handlers, cookie)
	loop.handlersMu.Unlock()
}

// RunInLoop executes f immediately if called from the loop thread, or
// queues it otherwise. Use this when f must run before the caller proceeds
// whenever that is safe, i.e. the caller does not itself hold a lock the
// loop thread might need.
func (loop *EventLoop) RunInLoop(f func()) {
	if loop.isLoopThread() {
		f()
		return
	}
	loop.QueueInLoop(f)
}

// QueueInLoop always defers f to run on the loop thread during its next
// PendingHandling phase, waking a blocked Poller.Wait if necessary. Unlike
// RunInLoop, this never executes f synchronously, even when called from the
// loop thread itself.
func (loop *EventLoop) QueueInLoop(f func()) {
	loop.pendingMu.Lock()
	loop.pending = append(loop.pending, f)
	loop.pendingMu.Unlock()
	loop.wake.signal()
}

// drainPending swaps the pending queue for its spare buffer under the lock
// and executes the swapped-out batch outside it, so a functor that itself
// calls QueueInLoop does not deadlock and is picked up on the next
// iteration rather than the current one.
func (loop *EventLoop) drainPending() {
	loop.pendingMu.Lock()
	jobs := loop.pending
	loop.pending = loop.pendingSpare
	loop.pendingMu.Unlock()

	for _, job := range jobs {
		loop.invokePending(job)
	}

	loop.pendingSpare = jobs[:0]
}

func (loop *EventLoop) invokePending(job func()) {
	defer func() {
		if r := recover(); r != nil {
			loop.log.Errorf("reactor: pending functor panicked: %v", r)
		}
	}()
	job()
}

// RunInPool submits f to the configured WorkerPool, or runs it via
// RunInLoop if no pool was attached with WithWorkerPool.
func (loop *EventLoop) RunInPool(f func()) {
	if loop.workerPool != nil {
		loop.workerPool.Submit(f)
		return
	}
	loop.RunInLoop(f)
}

// assertInLoopThread panics with a *FatalError if called from any goroutine
// other than the one driving Loop. Before Loop has been called for the
// first time, any goroutine is accepted, since no driver yet exists to race
// against.
func (loop *EventLoop) assertInLoopThread() {
	if !loop.isLoopThread() {
		fatalf("called from outside the event loop goroutine")
	}
}

// isLoopThread reports whether the calling goroutine is the one driving
// Loop, or true if Loop has not yet been called.
func (loop *EventLoop) isLoopThread() bool {
	id := loop.loopGoroutineID.Load()
	if id == 0 {
		return true
	}
	return getGoroutineID() == id
}

// getGoroutineID extracts the numeric goroutine ID from the header line of
// runtime.Stack's output. It is used only for the affinity assertions
// above; nothing in the package depends on goroutine IDs being stable or
// dense.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// Close releases every kernel facility the loop owns: the poller, the
// timerfd, and the eventfd wakeup. Call only after Loop has returned.
func (loop *EventLoop) Close() error {
	loop.timers.handler.Destroy()
	loop.wake.handler.Destroy()
	return loop.poller.Close()
}
