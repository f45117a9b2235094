package dispatch

import (
	"runtime"
	"sync"
	"time"
)

// Loop is the central dispatch engine (spec §2, §4.7): a priority
// queue of ready watchers, two timer heaps, a pluggable backend, a
// child reaper, an attention lock, and a cross-thread interrupt
// channel. The zero value is not usable; construct with New.
type Loop struct {
	_ [0]func() // no copying

	state *loopState

	// baseMu is the "base lock" (grounded on the teacher's
	// sync.Mutex-guarded hot state, itself grounded on
	// original_source/dasynq/include/dasynq.h's loop_mech.lock):
	// guards the priority queue, both timer heaps, and watcher
	// registration bookkeeping.
	baseMu sync.Mutex
	pq     *priorityQueue
	thSys  *timerHeap
	thMono *timerHeap

	backend   Backend
	attn      attentionLock
	interrupt *interruptChannel
	reaper    *reaper
	logger    Logger

	runGoroutine uint64 // getGoroutineID() of the active Run/Poll caller; 0 if none

	closeOnce sync.Once
	doneCh    chan struct{}
}

// New constructs a Loop. The returned Loop is StateAwake: no
// goroutine is polling until Run or a Poll loop is driven by the
// caller.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	ic, err := newInterruptChannel()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		state:     newLoopState(),
		pq:        newPriorityQueue(cfg.priorityArity),
		thSys:     newTimerHeap(cfg.priorityArity),
		thMono:    newTimerHeap(cfg.priorityArity),
		interrupt: ic,
		reaper:    newReaper(),
		logger:    cfg.logger,
		doneCh:    make(chan struct{}),
	}

	if cfg.singleThreaded {
		l.attn = singleThreadedAttentionLock{}
	} else {
		l.attn = newThreadSafeAttentionLock(l.interrupt.Signal)
	}

	if cfg.backend != nil {
		l.backend = cfg.backend
	} else {
		b, err := newPlatformBackend(cfg.maxFD)
		if err != nil {
			ic.close()
			return nil, err
		}
		l.backend = b
	}

	iw := NewFdWatcher(l.interrupt.readFD, 0, l.interrupt.drain)
	if err := l.RegisterFdWatch(iw, EventIn); err != nil {
		_ = l.backend.Close()
		ic.close()
		return nil, err
	}
	l.interrupt.watcher = iw

	sc := NewSignalWatcher(sigchldNumber(), 0, func(lp *Loop, w *SignalWatcher, info SigInfo) RearmVerdict {
		lp.reaper.reapAll(lp)
		return Rearm
	})
	if err := l.RegisterSignalWatch(sc); err != nil {
		l.log(LevelWarn, "child", "SIGCHLD watch unavailable; child reaping will not be automatic", err)
	}

	return l, nil
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() LoopState { return l.state.Load() }

// timerHeapFor returns the heap backing the given clock.
func (l *Loop) timerHeapFor(clock ClockID) *timerHeap {
	if clock == ClockMonotonic {
		return l.thMono
	}
	return l.thSys
}

// wakePollerForTimerChange interrupts a blocked poll when a timer
// change means a previously-computed sleep duration is now wrong.
func (l *Loop) wakePollerForTimerChange() {
	l.interrupt.Signal()
}

// enqueueLocked places w on the ready queue. Caller holds baseMu.
func (l *Loop) enqueueLocked(w watcher) {
	b := w.base()
	if b.queued {
		return
	}
	_ = l.pq.Insert(w)
}

// enqueueFromAnySource is enqueueLocked's counterpart for callers
// that do not hold baseMu (the reaper's SIGCHLD-driven reapAll): it
// takes baseMu itself, then wakes the poller.
func (l *Loop) enqueueFromAnySource(w watcher) {
	l.baseMu.Lock()
	l.enqueueLocked(w)
	l.baseMu.Unlock()
	l.interrupt.Signal()
}

// deregisterGeneric implements the shared half of every
// Deregister*Watch method (spec §4.9): if the watcher is mid-dispatch
// (active), deregistration is deferred via the deleteme flag and
// completed by the dispatch loop once the callback returns; otherwise
// it happens immediately, under the attention lock so no poll is
// in-flight while kernel state changes.
func (l *Loop) deregisterGeneric(w watcher, extraCleanup func()) {
	b := w.base()

	l.baseMu.Lock()
	if !b.registered {
		l.baseMu.Unlock()
		return
	}
	if b.active {
		b.deleteme = true
		l.baseMu.Unlock()
		return
	}
	if b.queued {
		l.pq.Remove(w)
	}
	l.baseMu.Unlock()

	l.attn.AcquireAttn()
	extraCleanup()
	b.registered = false
	l.attn.Release()

	w.notifyRemoved(l)
}

// Run drives the dispatch loop until ctxDone (if non-nil) fires or
// Shutdown/Close is called. It blocks the calling goroutine.
func (l *Loop) Run(ctxDone <-chan struct{}) error {
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.isRunGoroutine() {
			return ErrReentrantRun
		}
		return ErrLoopAlreadyRunning
	}
	l.runGoroutine = getGoroutineID()
	defer func() { l.runGoroutine = 0 }()

	for {
		select {
		case <-ctxDone:
			l.state.Store(StateTerminating)
		default:
		}
		if l.state.Load() == StateTerminating {
			break
		}
		if err := l.Poll(-1); err != nil {
			return err
		}
	}

	l.state.Store(StateTerminated)
	close(l.doneCh)
	return nil
}

// Poll runs a single iteration: block for up to timeout (negative
// means indefinitely) waiting for readiness or timer expiry, then
// dispatch every ready watcher once (spec §4.7's 7-step sequence).
func (l *Loop) Poll(timeout time.Duration) error {
	l.attn.AcquirePollWait()

	waitFor := l.computePollTimeout(timeout)

	// Only the backend poll runs under the wait/attention lock; dispatch
	// below runs under baseMu alone, so a verdict of Remove (or a
	// callback deregistering a watcher) can take the attention lock.
	err := l.backend.PullEvents(l, waitFor >= 0 || timeout < 0, waitFor)
	l.attn.Release()
	if err != nil {
		return err
	}

	now := ClockMonotonic.now()
	l.baseMu.Lock()
	l.processTimerExpiry(l.thMono, now)
	l.baseMu.Unlock()

	nowSys := ClockSystem.now()
	l.baseMu.Lock()
	l.processTimerExpiry(l.thSys, nowSys)
	l.baseMu.Unlock()

	l.dispatchReady()
	return nil
}

// computePollTimeout returns how long the backend may block: the
// caller's requested timeout, clamped to not overshoot the nearer of
// the two timer heaps' next expiry. A negative result means block
// indefinitely.
func (l *Loop) computePollTimeout(requested time.Duration) time.Duration {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()

	best := requested
	for _, clock := range [...]ClockID{ClockSystem, ClockMonotonic} {
		h := l.timerHeapFor(clock)
		expiry, ok := h.nextExpiry()
		if !ok {
			continue
		}
		until := expiry.Sub(clock.now())
		if until < 0 {
			until = 0
		}
		if best < 0 || until < best {
			best = until
		}
	}
	return best
}

// dispatchReady implements the per-watcher dispatch sequence from
// spec §4.7: acquire lock, pop root, mark active, release lock,
// invoke, reacquire, apply rearm verdict. The batch is capped at the
// queue length on entry, so a watcher that returns Requeue runs again
// in the next batch rather than starving the poll.
func (l *Loop) dispatchReady() {
	l.baseMu.Lock()
	limit := l.pq.Len()
	l.baseMu.Unlock()
	for ; limit > 0; limit-- {
		l.baseMu.Lock()
		w := l.pq.PullRoot()
		if w == nil {
			l.baseMu.Unlock()
			return
		}
		b := w.base()
		b.active = true
		l.baseMu.Unlock()

		verdict := w.dispatchEvent(l)
		if _, isChild := w.(*ChildWatcher); isChild {
			// A child watch fires exactly once; whatever the callback
			// returned, the engine still unregisters it.
			verdict = Remove
		}

		l.baseMu.Lock()
		b.active = false
		deferredRemove := b.deleteme
		b.deleteme = false
		l.baseMu.Unlock()

		if deferredRemove {
			verdict = Remove
		}

		switch verdict {
		case Requeue:
			l.baseMu.Lock()
			l.enqueueLocked(w)
			l.baseMu.Unlock()
		case Remove:
			l.removeAfterDispatch(w)
		case Rearm:
			l.rearmAfterDispatch(w)
		case Disarm:
			l.disarmAfterDispatch(w)
		case Noop, Removed:
			// No backend or queue action required.
		}
	}
}

// removeAfterDispatch performs the deferred-to-Remove path: unregister
// from the backend/reaper and notify, with locks released exactly as
// spec §4.7 requires.
func (l *Loop) removeAfterDispatch(w watcher) {
	switch tw := w.(type) {
	case *FdWatcher:
		l.DeregisterFdWatch(tw)
	case *SignalWatcher:
		l.DeregisterSignalWatch(tw)
	case *ChildWatcher:
		l.DeregisterChildWatch(tw)
	case *TimerWatcher:
		l.DeregisterTimerWatcher(tw)
	}
}

// rearmAfterDispatch re-enables delivery for watcher kinds whose
// one-shot discipline requires an explicit rearm after each dispatch.
func (l *Loop) rearmAfterDispatch(w watcher) {
	switch tw := w.(type) {
	case *FdWatcher:
		_ = l.EnableFdWatch(tw, tw.watched)
	case *SignalWatcher:
		_ = l.RearmSignalWatch(tw)
	}
}

// disarmAfterDispatch suspends delivery without deregistering.
func (l *Loop) disarmAfterDispatch(w watcher) {
	if tw, ok := w.(*FdWatcher); ok {
		_ = l.DisableFdWatch(tw)
	}
}

// Shutdown requests an orderly stop: Run's loop exits after its
// current Poll iteration completes.
func (l *Loop) Shutdown() {
	for {
		cur := l.state.Load()
		if cur == StateTerminated || cur == StateTerminating {
			return
		}
		if l.state.TryTransition(cur, StateTerminating) {
			l.interrupt.Signal()
			return
		}
	}
}

// Close immediately releases kernel resources. Safe to call more than
// once; safe to call whether or not Run was ever invoked.
func (l *Loop) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.state.Store(StateTerminated)
		err = l.backend.Close()
		l.interrupt.close()
	})
	return err
}

func (l *Loop) isRunGoroutine() bool {
	g := l.runGoroutine
	return g != 0 && g == getGoroutineID()
}

// getGoroutineID extracts the calling goroutine's id from its stack
// trace header, for reentrant-Run detection only (grounded on the
// teacher's loop.go isLoopThread/getGoroutineID: Go exposes no public
// goroutine-id API).
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
