package reactor

// Interest is the union of readiness bits a descriptor can be watched for,
// plus the edge-trigger modifier. It is passed to Poller.Add and
// Poller.Modify and mirrors the bits the kernel's readiness interface
// reports back on PollEvent.Events.
type Interest uint32

const (
	// Readable indicates interest in (or readiness for) ordinary or priority
	// reads.
	Readable Interest = 1 << iota
	// Writable indicates interest in (or readiness for) writes.
	Writable
	// Priority indicates urgent/out-of-band readable data.
	Priority
	// PeerHangup indicates the peer half-closed its end of a stream socket.
	PeerHangup
	// ErrorReady indicates an error condition on the descriptor. This bit is
	// always implicitly reported by the kernel and never needs to be
	// requested; it is part of Interest only so interest masks and returned
	// event masks share one type.
	ErrorReady
	// EdgeTrigger requests edge-triggered notification: the descriptor is
	// reported ready only on a not-ready-to-ready transition, and the
	// handler must drain it fully before the next wait.
	EdgeTrigger
)

// PollEvent is one readiness notification yielded by Poller.Wait: the
// triggered bits and the opaque cookie supplied at Add/Modify time. Routing
// an event to its owner never requires a secondary lookup by descriptor.
type PollEvent struct {
	Events Interest
	Cookie uintptr
}

// waitTimeout encodes the three timeout regimes Poller.Wait accepts: negative
// blocks indefinitely, zero polls without blocking, and positive is a
// millisecond bound.
type waitTimeout int

const (
	// WaitBlock blocks Poller.Wait indefinitely until an event or signal
	// arrives.
	WaitBlock waitTimeout = -1
	// WaitNonBlocking makes Poller.Wait a non-blocking check.
	WaitNonBlocking waitTimeout = 0
)
