package reactor

import (
	"container/heap"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// minTimerFdSeparation is the timerfd-precision clamp from §9 of the design:
// expirations closer than this to now are pushed out to avoid immediate
// re-arm storms.
const minTimerFdSeparation = 100 * time.Microsecond

// timerEntry is one pending timer. Ordering key is (expiration, seq)
// ascending, so ties among equal expirations break on creation order.
type timerEntry struct {
	id         uint64
	cb         func()
	expiration time.Time
	interval   time.Duration
	seq        uint64
	disabled   bool
}

// timerHeap is a min-heap of *timerEntry ordered by (expiration, seq).
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration.Equal(h[j].expiration) {
		return h[i].seq < h[j].seq
	}
	return h[i].expiration.Before(h[j].expiration)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// TimerQueue is a min-heap of pending timers backed by a single timerfd,
// rearmed to the earliest deadline on every mutation. The heap, map, and
// timerfd itself are only ever touched on the owning EventLoop's goroutine;
// EventLoop.AddTimer allocates an id up front (safe from any goroutine) and
// posts the actual heap insertion through RunInLoop, so a TimerHandle is
// always returned to the caller before the entry is necessarily live.
type TimerQueue struct {
	loop    *EventLoop
	fd      *descriptorGuard
	handler *IOHandler
	heap    timerHeap
	entries map[uint64]*timerEntry
	nextID  atomic.Uint64
	nextSeq uint64
}

func newTimerQueue(loop *EventLoop) (*TimerQueue, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, newSystemError("timerfd_create", err)
	}
	tq := &TimerQueue{
		loop:    loop,
		fd:      newDescriptorGuard(fd),
		entries: make(map[uint64]*timerEntry),
	}
	tq.handler = newIOHandler(loop, tq.fd)
	tq.handler.SetReadCallback(func(Interest) { tq.handleExpiration() })
	tq.handler.Enable()
	return tq, nil
}

// TimerHandle references a single entry in a TimerQueue.
type TimerHandle struct {
	id    uint64
	queue *TimerQueue
}

// Disable cancels the timer. It is safe to call from any goroutine; a
// one-shot timer that has already fired, or a repeater already disabled, is
// a no-op.
func (h *TimerHandle) Disable() {
	h.queue.loop.RunInLoop(func() {
		h.queue.cancel(h.id)
	})
}

// UpdateCallback replaces the callback invoked on the next (and subsequent,
// for a repeater) expiration, in place.
func (h *TimerHandle) UpdateCallback(fn func()) {
	h.queue.loop.RunInLoop(func() {
		if e, ok := h.queue.entries[h.id]; ok {
			e.cb = fn
		}
	})
}

// IsRepeat reports whether the timer repeats.
func (h *TimerHandle) IsRepeat() bool {
	done := make(chan bool, 1)
	h.queue.loop.RunInLoop(func() {
		e, ok := h.queue.entries[h.id]
		done <- ok && e.interval > 0
	})
	return <-done
}

// allocateID reserves the next timer id. Safe to call from any goroutine,
// since it never touches the heap itself.
func (tq *TimerQueue) allocateID() uint64 {
	return tq.nextID.Add(1)
}

// insert pushes a pre-allocated, pre-validated entry onto the heap and
// rearms the timerfd if it becomes the new head. Must run on the loop
// thread; callers reach it through EventLoop.AddTimer.
func (tq *TimerQueue) insert(id uint64, cb func(), when time.Time, interval time.Duration) {
	tq.loop.assertInLoopThread()

	if min := time.Now().Add(minTimerFdSeparation); when.Before(min) {
		when = min
	}

	entry := &timerEntry{
		id:         id,
		cb:         cb,
		expiration: when,
		interval:   interval,
		seq:        tq.nextSeq,
	}
	tq.nextSeq++

	heap.Push(&tq.heap, entry)
	tq.entries[id] = entry

	if tq.heap[0] == entry {
		tq.rearm()
	}
}

// cancel marks id disabled and, if it was the current head, drops the
// disabled run of heads and rearms to the next valid one.
func (tq *TimerQueue) cancel(id uint64) {
	entry, ok := tq.entries[id]
	if !ok {
		return
	}
	entry.disabled = true
	delete(tq.entries, id)

	if tq.heap.Len() > 0 && tq.heap[0] == entry {
		for tq.heap.Len() > 0 && tq.heap[0].disabled {
			heap.Pop(&tq.heap)
		}
		tq.rearm()
	}
}

// handleExpiration drains the timerfd counter, fires every entry whose
// expiration has passed, re-inserts repeaters, and rearms to the new head.
func (tq *TimerQueue) handleExpiration() {
	var buf [8]byte
	_, _ = unix.Read(tq.fd.FD(), buf[:])

	now := time.Now()
	for tq.heap.Len() > 0 && !tq.heap[0].expiration.After(now) {
		entry := heap.Pop(&tq.heap).(*timerEntry)
		if entry.disabled {
			continue
		}
		delete(tq.entries, entry.id)

		tq.invoke(entry)

		if entry.interval > 0 && !entry.disabled {
			entry.expiration = now.Add(entry.interval)
			heap.Push(&tq.heap, entry)
			tq.entries[entry.id] = entry
		}
	}
	tq.rearm()
}

// invoke calls entry.cb, disabling a repeating timer whose callback panics
// rather than letting the panic escape the loop.
func (tq *TimerQueue) invoke(entry *timerEntry) {
	defer func() {
		if r := recover(); r != nil {
			entry.disabled = true
			tq.loop.logger().Errorf("reactor: timer callback panicked, disabling: %v", r)
		}
	}()
	entry.cb()
}

// rearm sets the timerfd to the current head's expiration, or disarms it if
// the heap is empty.
func (tq *TimerQueue) rearm() {
	var spec unix.ItimerSpec
	if tq.heap.Len() > 0 {
		d := time.Until(tq.heap[0].expiration)
		if d < time.Nanosecond {
			d = time.Nanosecond
		}
		spec.Value.Sec = int64(d / time.Second)
		spec.Value.Nsec = int64(d % time.Second)
	}
	if err := unix.TimerfdSettime(tq.fd.FD(), 0, &spec, nil); err != nil {
		tq.loop.logger().Errorf("reactor: timerfd_settime: %v", err)
	}
}
