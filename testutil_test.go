package dispatch

import "time"

// noopTestBackend is a Backend that performs no real I/O. It exists so
// package-level unit tests can construct a Loop (exercising New's
// wiring of the interrupt watcher and SIGCHLD watch) without depending
// on the platform's actual polling mechanism, and so tests can drive
// processTimerExpiry/dispatchReady directly instead of through a real
// blocked poll.
type noopTestBackend struct {
	pulled chan struct{}
}

func newNoopTestBackend() *noopTestBackend {
	return &noopTestBackend{pulled: make(chan struct{}, 1)}
}

func (b *noopTestBackend) Capabilities() BackendCapabilities {
	return BackendCapabilities{
		HasBidiFDWatch:          true,
		SupportsNonOneshotFD:    true,
		FullTimerSupport:        true,
		InterruptAfterFdAdd:     false,
		InterruptAfterSignalAdd: false,
	}
}

func (b *noopTestBackend) AddFDWatch(int, *FdWatcher, FdEvents, bool) error         { return nil }
func (b *noopTestBackend) AddBidiFDWatch(int, *FdWatcher, *FdWatcher, FdEvents, FdEvents) error {
	return nil
}
func (b *noopTestBackend) EnableFDWatch(int, *FdWatcher, FdEvents) error  { return nil }
func (b *noopTestBackend) DisableFDWatch(int, *FdWatcher) error           { return nil }
func (b *noopTestBackend) RemoveFDWatch(int, *FdWatcher) error           { return nil }
func (b *noopTestBackend) RemoveBidiFDWatch(int, *FdWatcher, *FdWatcher) error { return nil }

func (b *noopTestBackend) AddSignalWatch(int, *SignalWatcher) error   { return nil }
func (b *noopTestBackend) RearmSignalWatch(int, *SignalWatcher) error { return nil }
func (b *noopTestBackend) RemoveSignalWatch(int, *SignalWatcher) error { return nil }

// PullEvents never reports readiness itself; it just blocks for the
// requested duration (or returns immediately for a zero-timeout poll),
// giving callers of Loop.Poll/Run well-defined, interruptible timing
// without a real kernel multiplexer underneath.
func (b *noopTestBackend) PullEvents(l *Loop, doWait bool, timeout time.Duration) error {
	select {
	case <-b.pulled:
	default:
	}
	if !doWait {
		return nil
	}
	if timeout < 0 {
		<-b.pulled
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-b.pulled:
	case <-t.C:
	}
	return nil
}

func (b *noopTestBackend) Close() error { return nil }
