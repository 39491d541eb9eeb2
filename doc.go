// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package reactor implements a single-threaded, epoll-driven event loop for
// Linux: a reactor core that multiplexes socket readiness, kernel timers, and
// POSIX signals onto one goroutine, plus a buffered TCP connection
// abstraction layered on top of it.
//
// # Architecture
//
// [EventLoop] is the reactor. It owns a [Poller] (a thin epoll wrapper), a
// [TimerQueue] (a single timerfd rearmed to the earliest deadline), a signal
// registry (one signalfd per registered signal), and a pending-functor queue
// used for cross-thread submission. Exactly one goroutine may drive a given
// loop's [EventLoop.Loop] at a time; a second concurrent call returns
// [ErrLoopAlreadyRunning].
//
// [IOHandler] owns one descriptor and mediates every poller mutation through
// its owning loop. [TCPConnection], [TCPAcceptor], and [TCPConnector] are
// built on top of IOHandler and add buffering, read-mode state machines,
// write queuing with a high-water mark, and connect/accept state machines.
//
// [ByteBuffer] is the wire-level buffer: a growable region with a
// cheap-prepend prefix, reader/writer indices, and delimiter search
// primitives, modeled after the Netty/muduo buffer design.
//
// # Thread Safety
//
// All handler, connection, and timer callbacks run serially on the loop
// goroutine. The public setters on [IOHandler] and [TCPConnection] may be
// called from any goroutine; they post their mutation onto the loop via
// [EventLoop.RunInLoop] or [EventLoop.QueueInLoop] rather than touching
// shared state directly.
//
// # Platform Support
//
// The reactor depends on epoll, eventfd, timerfd, and signalfd, all Linux
// kernel facilities with no portable equivalent; the package only builds on
// linux.
//
// # Usage
//
//	loop, err := reactor.NewEventLoop()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	acceptor, err := reactor.NewTCPAcceptor(loop, reactor.NewListenAddress(9000, false, false))
//	if err != nil {
//		log.Fatal(err)
//	}
//	acceptor.SetAcceptCallback(func(conn *reactor.TCPConnection) {
//		conn.SetReadCompleteCallback(func(c *reactor.TCPConnection) {
//			buf := c.GetReadBuffer()
//			c.Write(buf.Peek())
//			buf.RetrieveAll()
//		})
//	})
//	if err := acceptor.Listen(); err != nil {
//		log.Fatal(err)
//	}
//
//	loop.Loop()
package reactor
