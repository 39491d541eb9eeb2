package reactor

// EventLoopOption configures an EventLoop at construction time.
type EventLoopOption interface {
	apply(*loopConfig)
}

type loopConfig struct {
	logger     Logger
	workerPool *WorkerPool
}

type eventLoopOptionFunc func(*loopConfig)

func (f eventLoopOptionFunc) apply(c *loopConfig) { f(c) }

// WithLogger installs a Logger used for all warnings and diagnostics the
// loop, its handlers, timers, and signal registrations emit. The default is
// NoopLogger.
func WithLogger(logger Logger) EventLoopOption {
	return eventLoopOptionFunc(func(c *loopConfig) {
		if logger != nil {
			c.logger = logger
		}
	})
}

// WithWorkerPool attaches a bounded worker pool that RunInPool delegates to.
// Without this option, RunInPool behaves like RunInLoop.
func WithWorkerPool(pool *WorkerPool) EventLoopOption {
	return eventLoopOptionFunc(func(c *loopConfig) {
		c.workerPool = pool
	})
}

func resolveLoopConfig(opts []EventLoopOption) *loopConfig {
	cfg := &loopConfig{logger: NoopLogger{}}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	return cfg
}
