package dispatch

import "time"

// ClockID selects which of the engine's two clocks a TimerWatcher is
// armed against (spec §3, §4.2).
type ClockID uint8

const (
	// ClockSystem is wall-clock time: subject to adjustment (NTP step,
	// manual clock set). Timers against this clock use absolute
	// expiries, and each poll recomputes its timeout from the current
	// wall-clock reading, whatever the backend's FullTimerSupport says.
	ClockSystem ClockID = iota
	// ClockMonotonic never steps backward and is unaffected by wall
	// clock adjustments.
	ClockMonotonic
)

func (c ClockID) String() string {
	if c == ClockMonotonic {
		return "monotonic"
	}
	return "system"
}

// now returns the current time for the given clock. Go's time.Now()
// already carries a monotonic reading alongside the wall clock, so both
// clocks are served from a single read; ClockSystem strips the
// monotonic component so that arithmetic against it reflects wall-clock
// semantics exactly (including adjustments), while ClockMonotonic keeps
// it.
func (c ClockID) now() time.Time {
	t := time.Now()
	if c == ClockSystem {
		return t.Round(0) // drop the monotonic reading
	}
	return t
}

// TimerWatcherFunc is invoked on timer expiry. expiryCount is 1 plus
// any overrun/accumulated-while-disabled count (spec §4.2).
type TimerWatcherFunc func(l *Loop, w *TimerWatcher, expiryCount int) RearmVerdict

// TimerWatcher is a per-clock, optionally repeating timer (spec §3,
// §4.2, §4.9). The zero value is not usable; construct with
// NewTimerWatcher.
type TimerWatcher struct {
	b watcherBase

	Callback TimerWatcherFunc

	// Removed, if set, is invoked once this watcher has been fully
	// deregistered (spec §4.9's watch_removed).
	Removed func(l *Loop)

	clock    ClockID
	expiry   time.Time
	interval time.Duration
	enabled  bool

	// pending accumulates expiry counts while disabled, delivered in
	// full on the next enable (spec §4.2).
	pending int

	// thIndex is the timer heap's back-pointer, valid while queued in
	// the heap (distinct from the event queue's pqIndex: a timer can be
	// in the timer heap and, once expired, briefly also in the event
	// queue awaiting dispatch).
	thIndex int
}

// NewTimerWatcher constructs a timer watcher for the given clock with
// the given callback and dispatch priority.
func NewTimerWatcher(clock ClockID, priority int32, cb TimerWatcherFunc) *TimerWatcher {
	return &TimerWatcher{
		b:        watcherBase{kind: kindTimer, priority: priority, pqIndex: -1},
		Callback: cb,
		clock:    clock,
		thIndex:  -1,
	}
}

func (w *TimerWatcher) base() *watcherBase { return &w.b }

func (w *TimerWatcher) dispatchEvent(l *Loop) RearmVerdict {
	count := w.pending
	w.pending = 0
	return w.Callback(l, w, count)
}

func (w *TimerWatcher) notifyRemoved(l *Loop) {
	if w.Removed != nil {
		w.Removed(l)
	}
}

// Priority returns the watcher's dispatch priority.
func (w *TimerWatcher) Priority() int32 { return w.b.priority }

// Clock returns the clock this timer is armed against.
func (w *TimerWatcher) Clock() ClockID { return w.clock }

// Enabled reports whether the timer is currently delivering expiries.
func (w *TimerWatcher) Enabled() bool { return w.enabled }

// ArmTimerAbsolute registers (or re-arms) the watcher to expire at the given
// absolute time, repeating every interval thereafter (interval zero
// means one-shot).
func (l *Loop) ArmTimerAbsolute(w *TimerWatcher, expiry time.Time, interval time.Duration) error {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	return l.armTimerLocked(w, expiry, interval)
}

// ArmTimerRelative reads the watcher's clock now and arms it to expire
// after d, repeating every interval thereafter.
func (l *Loop) ArmTimerRelative(w *TimerWatcher, d time.Duration, interval time.Duration) error {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	return l.armTimerLocked(w, w.clock.now().Add(d), interval)
}

func (l *Loop) armTimerLocked(w *TimerWatcher, expiry time.Time, interval time.Duration) error {
	w.expiry = expiry
	w.interval = interval
	w.enabled = true
	if !w.b.registered {
		w.b.registered = true
		w.b.loop = l
	}
	heap := l.timerHeapFor(w.clock)
	rootChanged := heap.setTimer(w, expiry)
	if rootChanged {
		l.wakePollerForTimerChange()
	}
	return nil
}

// StopTimer removes w from its timer heap. The watcher remains
// registered (so it may be re-armed) but stops accumulating expiries.
func (l *Loop) StopTimer(w *TimerWatcher) {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	w.enabled = false
	l.timerHeapFor(w.clock).remove(w)
}

// SetTimerEnabled toggles expiry delivery without disturbing the
// timer's schedule. Disabling leaves the heap entry in place, so
// expiries keep being counted against the original schedule while
// dispatch is withheld; re-enabling with a non-zero count enqueues the
// watcher at once so the accumulated count is delivered. Disabling
// does not remove a watcher that is already queued for dispatch.
func (l *Loop) SetTimerEnabled(w *TimerWatcher, enabled bool) {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	wasEnabled := w.enabled
	w.enabled = enabled
	if enabled && !wasEnabled && w.pending > 0 {
		l.enqueueLocked(w)
	}
}

// DeregisterTimerWatcher removes w from the engine (spec §4.9).
func (l *Loop) DeregisterTimerWatcher(w *TimerWatcher) {
	l.deregisterGeneric(w, func() {
		l.baseMu.Lock()
		l.timerHeapFor(w.clock).remove(w)
		l.baseMu.Unlock()
	})
}
