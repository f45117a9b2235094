package dispatch

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestTimerWatcherFiresOnce proves a one-shot (interval == 0) timer
// delivers exactly one expiry and does not re-arm itself.
func TestTimerWatcherFiresOnce(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	stop := startLoop(t, l)
	defer stop()

	fired := make(chan int, 8)
	w := NewTimerWatcher(ClockMonotonic, 0, func(lp *Loop, tw *TimerWatcher, expiryCount int) RearmVerdict {
		fired <- expiryCount
		return Noop
	})
	if err := l.ArmTimerRelative(w, 10*time.Millisecond, 0); err != nil {
		t.Fatalf("ArmTimerRelative: %v", err)
	}

	select {
	case count := <-fired:
		if count != 1 {
			t.Fatalf("expiryCount = %d, want 1", count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot timer never fired")
	}

	select {
	case <-fired:
		t.Fatal("one-shot timer fired a second time")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestTimerWatcherIntervalRepeats proves an interval timer keeps
// delivering on schedule until stopped.
func TestTimerWatcherIntervalRepeats(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	stop := startLoop(t, l)
	defer stop()

	var fires int32
	w := NewTimerWatcher(ClockMonotonic, 0, func(lp *Loop, tw *TimerWatcher, expiryCount int) RearmVerdict {
		atomic.AddInt32(&fires, 1)
		return Rearm
	})
	if err := l.ArmTimerRelative(w, 5*time.Millisecond, 5*time.Millisecond); err != nil {
		t.Fatalf("ArmTimerRelative: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&fires) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&fires); got < 3 {
		t.Fatalf("fires = %d, want at least 3 within the deadline", got)
	}

	l.StopTimer(w)
	stopped := atomic.LoadInt32(&fires)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fires) != stopped {
		t.Fatalf("timer kept firing after StopTimer")
	}
}

// TestArmTimerAbsoluteWakesBlockedPoll proves arming a timer that
// expires sooner than an in-progress indefinite Poll wakes the poller
// promptly rather than waiting for some unrelated future event (spec
// §4.2/§4.6: a timer change must interrupt an already-blocked poll).
func TestArmTimerAbsoluteWakesBlockedPoll(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	stop := startLoop(t, l)
	defer stop()

	fired := make(chan struct{}, 1)
	w := NewTimerWatcher(ClockMonotonic, 0, func(lp *Loop, tw *TimerWatcher, expiryCount int) RearmVerdict {
		fired <- struct{}{}
		return Noop
	})

	// Run is presently blocked in an indefinite Poll (no fds, no
	// timers yet). Arming a near-future timer from outside that
	// goroutine must still cause prompt delivery.
	time.Sleep(20 * time.Millisecond)
	if err := l.ArmTimerAbsolute(w, time.Now().Add(10*time.Millisecond), 0); err != nil {
		t.Fatalf("ArmTimerAbsolute: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(1 * time.Second):
		t.Fatal("timer armed from outside the poller goroutine never fired")
	}
}

// TestTimerWatcherRemovedFires proves DeregisterTimerWatcher drives the
// watcher's Removed hook exactly once.
func TestTimerWatcherRemovedFires(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	stop := startLoop(t, l)
	defer stop()

	w := NewTimerWatcher(ClockMonotonic, 0, func(lp *Loop, tw *TimerWatcher, expiryCount int) RearmVerdict {
		return Noop
	})
	var removed int32
	w.Removed = func(lp *Loop) { atomic.AddInt32(&removed, 1) }

	if err := l.ArmTimerRelative(w, time.Hour, 0); err != nil {
		t.Fatalf("ArmTimerRelative: %v", err)
	}

	l.DeregisterTimerWatcher(w)

	if atomic.LoadInt32(&removed) != 1 {
		t.Fatalf("Removed fired %d times, want exactly 1", removed)
	}
}
