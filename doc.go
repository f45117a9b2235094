// Package dispatch implements a portable, asynchronous event-dispatch
// engine: the core of a service-supervision/init system's event loop.
//
// The engine multiplexes file-descriptor readiness, POSIX signals,
// child-process termination, and multi-clock timers onto a single
// dispatch loop, delivering events to user-registered watchers with
// well-defined arming, rearm, cancellation, and thread-safety semantics.
//
// # Architecture
//
// A [Loop] owns the dispatch core: a priority-ordered event queue
// (priorityqueue.go), two per-clock timer heaps (timerqueue.go), a
// pluggable [Backend] that multiplexes OS readiness primitives
// (backend_epoll_linux.go, backend_kqueue_unix.go, backend_pselect.go),
// a child-process reaper (reaper.go), and a cross-thread interrupt
// channel (interrupt.go) used to wake a blocked poller.
//
// Users register typed watchers — [FdWatcher], [BidiFdWatcher],
// [SignalWatcher], [ChildWatcher], [TimerWatcher] — against a [Loop].
// Each watcher's callback returns a [RearmVerdict] directing what the
// engine does with the watcher once the callback returns.
//
// # Platform support
//
// I/O readiness is polled using the OS-native primitive: epoll on
// Linux, kqueue on the BSD family (including Darwin), and pselect as a
// portable POSIX fallback. Exactly one backend is compiled in per
// platform; see [Backend] for the capability contract every backend
// must satisfy.
//
// # Concurrency
//
// A [Loop] may run in thread-safe mode (default) or single-threaded
// mode ([WithSingleThreaded]), the latter eliding the wait/attention
// lock entirely. See [Loop.Run] and [Loop.Poll] for the only operations
// that may block.
//
// # Scope
//
// This package is the core engine only: supervisor/service-record state
// machines, dependency graphs, service loading, control-socket
// protocols, and shutdown orchestration are external collaborators that
// consume this package's watcher API; none of that is implemented here.
package dispatch
