package dispatch

import "sync/atomic"

// interruptChannel is the cross-thread wake-up primitive (spec §4.6):
// any goroutine may call Signal to force a blocked poller to return
// promptly, without itself being a watchable user-facing event. It is
// registered with the backend as a permanent IN-event fd watch whose
// callback only drains the primitive.
type interruptChannel struct {
	readFD, writeFD int
	pending         atomic.Bool
	watcher         *FdWatcher
}

func newInterruptChannel() (*interruptChannel, error) {
	r, w, err := newInterruptFD()
	if err != nil {
		return nil, err
	}
	return &interruptChannel{readFD: r, writeFD: w}, nil
}

// Signal wakes a blocked poller. Concurrent Signal calls coalesce: only
// the first after a drain actually writes, so a storm of callers from
// multiple goroutines costs at most one write per poll cycle.
func (ic *interruptChannel) Signal() {
	if ic.pending.CompareAndSwap(false, true) {
		_ = interruptSignal(ic.writeFD)
	}
}

// drain is the watcher callback: it clears the primitive and the
// pending flag, delivering no user-visible event. Always rearms.
func (ic *interruptChannel) drain(l *Loop, w *FdWatcher, events FdEvents) RearmVerdict {
	interruptDrain(ic.readFD)
	ic.pending.Store(false)
	return Rearm
}

func (ic *interruptChannel) close() {
	closeInterruptFD(ic.readFD, ic.writeFD)
}
