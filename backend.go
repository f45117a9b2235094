package dispatch

import "time"

// BackendCapabilities describes the behavioural differences between
// the kernel polling mechanisms a Backend may wrap (spec §4.3). The
// dispatch core consults these flags rather than ever branching on the
// concrete backend type.
type BackendCapabilities struct {
	// HasBidiFDWatch: a single kernel registration can multiplex both
	// read and write readiness for one fd (epoll: true; kqueue:
	// false, since EVFILT_READ/EVFILT_WRITE are independent filters).
	HasBidiFDWatch bool

	// HasSeparateRWFDWatches: the backend requires (or at least
	// allows) read and write interest on a shared fd to be registered
	// and removed independently.
	HasSeparateRWFDWatches bool

	// SupportsNonOneshotFD: the kernel mechanism could leave a watch
	// armed across multiple deliveries. Every backend here arms fd
	// watches one-shot whatever this flag says; the core only records
	// it on each FdWatcher (the emulate field) and does not otherwise
	// branch on it.
	SupportsNonOneshotFD bool

	// InterruptAfterFdAdd: adding an fd watch from a goroutine other
	// than the poller requires an explicit interrupt to take effect
	// on an in-progress blocked poll.
	InterruptAfterFdAdd bool

	// InterruptAfterSignalAdd: as InterruptAfterFdAdd, for signal
	// watches.
	InterruptAfterSignalAdd bool

	// FullTimerSupport: the backend can report wait timeouts precise
	// enough to rely on for all clocks without an auxiliary
	// mechanism (false for the pselect fallback). The dispatch core
	// does not consult this flag: poll timeouts are computed the same
	// way for every backend.
	FullTimerSupport bool
}

// SigInfo carries what a backend could recover about a delivered
// signal. Only Signo is guaranteed; Pid/Uid are populated only where
// the OS hands back structured info (Linux signalfd does; a
// channel-based os/signal.Notify fallback cannot, since Go's runtime
// — not user code — owns the actual signal handler).
type SigInfo struct {
	Signo int
	Pid   int
	Uid   int
}

// Backend is the pluggable polling-mechanism contract every platform
// driver implements (spec §4.3). The dispatch core (loop.go) is the
// sole caller; all methods except PullEvents assume the caller holds
// the attention lock or is otherwise the designated poller.
type Backend interface {
	Capabilities() BackendCapabilities

	AddFDWatch(fd int, w *FdWatcher, events FdEvents, oneshot bool) error
	AddBidiFDWatch(fd int, read, write *FdWatcher, readEvents, writeEvents FdEvents) error
	EnableFDWatch(fd int, w *FdWatcher, events FdEvents) error
	DisableFDWatch(fd int, w *FdWatcher) error
	RemoveFDWatch(fd int, w *FdWatcher) error
	RemoveBidiFDWatch(fd int, read, write *FdWatcher) error

	// AddSignalWatch arms delivery of sig, blocking it at the process
	// level first if the backend requires that discipline (all of
	// ours do: spec §4.3 notes the signal must be blocked before
	// add_watch so normal disposition never runs concurrently with
	// polling).
	AddSignalWatch(sig int, w *SignalWatcher) error
	RearmSignalWatch(sig int, w *SignalWatcher) error
	RemoveSignalWatch(sig int, w *SignalWatcher) error

	// PullEvents blocks for up to timeout (ignored, may block
	// indefinitely, if doWait is true and timeout is negative) and
	// delivers all ready watchers to the dispatch core by calling
	// back into Loop.enqueueLocked under the base lock. Returns
	// nil on a clean wake (including spurious/interrupted wakes).
	PullEvents(l *Loop, doWait bool, timeout time.Duration) error

	Close() error
}
