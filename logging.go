// logging.go - structured logging for the reactor core.
//
// The loop, handlers, timers, and connections all log through the small
// Logger interface below rather than depending on any one logging
// framework directly. NewLogifaceLogger adapts github.com/joeycumines/logiface
// via its github.com/joeycumines/izerolog zerolog backend for production
// use; NewDefaultLogger is a dependency-free fallback suitable for tests and
// examples.
package reactor

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the structured logging sink used throughout the package.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NoopLogger discards everything. It is the zero-value default for an
// EventLoop constructed without WithLogger.
type NoopLogger struct{}

func (NoopLogger) Debugf(string, ...any) {}
func (NoopLogger) Infof(string, ...any)  {}
func (NoopLogger) Warnf(string, ...any)  {}
func (NoopLogger) Errorf(string, ...any) {}

// DefaultLogger is a small, dependency-free text logger.
type DefaultLogger struct {
	mu  sync.Mutex
	out io.Writer
	min logLevel
}

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

// NewDefaultLogger returns a Logger writing leveled, timestamped lines to w.
// Passing nil for w defaults to os.Stderr.
func NewDefaultLogger(w io.Writer) *DefaultLogger {
	if w == nil {
		w = os.Stderr
	}
	return &DefaultLogger{out: w, min: levelDebug}
}

func (l *DefaultLogger) log(level logLevel, name, format string, args ...any) {
	if level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %-5s %s\n", time.Now().Format("15:04:05.000"), name, fmt.Sprintf(format, args...))
}

func (l *DefaultLogger) Debugf(format string, args ...any) { l.log(levelDebug, "DEBUG", format, args...) }
func (l *DefaultLogger) Infof(format string, args ...any)  { l.log(levelInfo, "INFO", format, args...) }
func (l *DefaultLogger) Warnf(format string, args ...any)  { l.log(levelWarn, "WARN", format, args...) }
func (l *DefaultLogger) Errorf(format string, args ...any) { l.log(levelError, "ERROR", format, args...) }

// logifaceLogger adapts a github.com/joeycumines/logiface Logger, backed by
// zerolog, to the package's Logger interface.
type logifaceLogger struct {
	l *logiface.Logger[*izerolog.Event]
}

// NewLogifaceLogger builds a Logger that writes structured, leveled JSON via
// logiface/zerolog to w.
func NewLogifaceLogger(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return &logifaceLogger{
		l: izerolog.L.New(izerolog.L.WithZerolog(zl)),
	}
}

func (a *logifaceLogger) Debugf(format string, args ...any) {
	a.l.Debug().Logf(format, args...)
}

func (a *logifaceLogger) Infof(format string, args ...any) {
	a.l.Info().Logf(format, args...)
}

func (a *logifaceLogger) Warnf(format string, args ...any) {
	a.l.Notice().Logf(format, args...)
}

func (a *logifaceLogger) Errorf(format string, args ...any) {
	a.l.Err().Logf(format, args...)
}
