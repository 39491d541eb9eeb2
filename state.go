package reactor

import "sync/atomic"

// LoopState is the current phase of an EventLoop's drive cycle, per §3 of
// the design: Ready (constructed, not yet driving), Polling (blocked in
// Poller.Wait), IOHandling (dispatching ready events to handlers),
// PendingHandling (draining the pending-functor queue), and End (Loop has
// returned).
type LoopState uint32

const (
	// StateReady is the state from construction until the first iteration
	// begins. Once Loop has returned the state stays StateEnd, including
	// before a later Loop call begins its first iteration.
	StateReady LoopState = iota
	// StatePolling indicates the loop is blocked in Poller.Wait.
	StatePolling
	// StateIOHandling indicates the loop is dispatching ready events.
	StateIOHandling
	// StatePendingHandling indicates the loop is draining queued functors.
	StatePendingHandling
	// StateEnd indicates EndLoop has been called and Loop has returned.
	StateEnd
)

// String returns a human-readable name for the state.
func (s LoopState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StatePolling:
		return "Polling"
	case StateIOHandling:
		return "IOHandling"
	case StatePendingHandling:
		return "PendingHandling"
	case StateEnd:
		return "End"
	default:
		return "Unknown"
	}
}

// loopState is a lock-free holder for LoopState, read by any goroutine but
// written only by the loop goroutine itself.
type loopState struct {
	v atomic.Uint32
}

func newLoopState() *loopState {
	s := &loopState{}
	s.v.Store(uint32(StateReady))
	return s
}

func (s *loopState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *loopState) Store(state LoopState) {
	s.v.Store(uint32(state))
}
