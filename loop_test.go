package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func startLoop(t *testing.T, l *Loop) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	runErr := make(chan error, 1)
	go func() {
		runErr <- l.Run(done)
	}()
	return func() {
		l.Shutdown()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after Shutdown")
		}
		close(done)
	}
}

func mustPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// TestFdWatcherOneShotReadThenDisarmed proves the one-shot contract from
// spec §4.9: a readable fd fires its callback exactly once per write,
// and stays silent afterward until explicitly rearmed.
func TestFdWatcherOneShotReadThenDisarmed(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	stop := startLoop(t, l)
	defer stop()

	r, w := mustPipe(t)

	var fires int32
	fired := make(chan struct{}, 8)
	fw := NewFdWatcher(r, 0, func(lp *Loop, fw *FdWatcher, events FdEvents) RearmVerdict {
		atomic.AddInt32(&fires, 1)
		var buf [8]byte
		_, _ = unix.Read(r, buf[:])
		fired <- struct{}{}
		return Noop // do not rearm
	})
	if err := l.RegisterFdWatch(fw, EventIn); err != nil {
		t.Fatalf("RegisterFdWatch: %v", err)
	}

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire for the first write")
	}

	// A second write must not trigger a second dispatch: the watch was
	// left disarmed (Noop), not rearmed.
	if _, err := unix.Write(w, []byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-fired:
		t.Fatal("callback fired again after Noop; one-shot watch was not disarmed")
	case <-time.After(200 * time.Millisecond):
	}
	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Fatalf("fires = %d, want 1", got)
	}
}

// TestFdWatcherRearmContinuesDelivery confirms that returning Rearm from
// the callback keeps the watch armed across further writes.
func TestFdWatcherRearmContinuesDelivery(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	stop := startLoop(t, l)
	defer stop()

	r, w := mustPipe(t)

	fired := make(chan struct{}, 8)
	fw := NewFdWatcher(r, 0, func(lp *Loop, fw *FdWatcher, events FdEvents) RearmVerdict {
		var buf [8]byte
		_, _ = unix.Read(r, buf[:])
		fired <- struct{}{}
		return Rearm
	})
	if err := l.RegisterFdWatch(fw, EventIn); err != nil {
		t.Fatalf("RegisterFdWatch: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := unix.Write(w, []byte("x")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("callback did not fire for write %d", i)
		}
	}
}

// TestFdWatcherRemovedFires proves DeregisterFdWatch drives the
// watcher's Removed hook exactly once.
func TestFdWatcherRemovedFires(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	stop := startLoop(t, l)
	defer stop()

	r, _ := mustPipe(t)

	fw := NewFdWatcher(r, 0, func(lp *Loop, fw *FdWatcher, events FdEvents) RearmVerdict {
		return Noop
	})
	var removed int32
	fw.Removed = func(lp *Loop) { atomic.AddInt32(&removed, 1) }

	if err := l.RegisterFdWatch(fw, EventIn); err != nil {
		t.Fatalf("RegisterFdWatch: %v", err)
	}

	l.DeregisterFdWatch(fw)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&removed) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&removed); got != 1 {
		t.Fatalf("Removed fired %d times, want exactly 1", got)
	}
}

// TestDispatchPriorityOrdering proves that, within a single dispatch
// pass, watchers made ready together run in ascending priority order
// (spec §4.1, §4.7).
func TestDispatchPriorityOrdering(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	var mu sync.Mutex
	var priorityOrder []int32
	var idSet = map[int]bool{1: true, 2: true} // the two priority-1 watchers

	record := func(id int, prio int32) FdWatcherFunc {
		return func(lp *Loop, fw *FdWatcher, events FdEvents) RearmVerdict {
			var buf [8]byte
			_, _ = unix.Read(fw.Fd(), buf[:])
			mu.Lock()
			priorityOrder = append(priorityOrder, prio)
			delete(idSet, id)
			mu.Unlock()
			return Noop
		}
	}

	type pipeFd struct{ r, w int }
	var pipes []pipeFd
	priorities := []int32{5, 1, 1, 3}
	for i, prio := range priorities {
		r, w := mustPipe(t)
		pipes = append(pipes, pipeFd{r, w})
		fw := NewFdWatcher(r, prio, record(i, prio))
		if err := l.RegisterFdWatch(fw, EventIn); err != nil {
			t.Fatalf("RegisterFdWatch %d: %v", i, err)
		}
	}

	for _, p := range pipes {
		if _, err := unix.Write(p.w, []byte("x")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// A single Poll call pulls every ready fd and dispatches the whole
	// batch in priority order before returning. The backend may hand
	// back same-priority fds in whatever order the kernel delivered
	// them, so only the priority sequence itself (not which of the two
	// priority-1 ids goes first) is asserted here.
	if err := l.Poll(time.Second); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	mu.Lock()
	got := append([]int32(nil), priorityOrder...)
	mu.Unlock()

	want := []int32{1, 1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("priority order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priority order = %v, want %v", got, want)
		}
	}
	if len(idSet) != 0 {
		t.Fatalf("not all priority-1 watchers fired: remaining %v", idSet)
	}
}

// TestDeregisterDuringActiveCallbackIsDeferred proves spec §4.9's
// deferred-removal rule: deregistering a watcher from within its own
// callback must not corrupt the dispatch loop, and the removal takes
// effect only once the callback returns.
func TestDeregisterDuringActiveCallbackIsDeferred(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	stop := startLoop(t, l)
	defer stop()

	r, w := mustPipe(t)

	var calls int32
	var fw *FdWatcher
	fw = NewFdWatcher(r, 0, func(lp *Loop, watcher *FdWatcher, events FdEvents) RearmVerdict {
		atomic.AddInt32(&calls, 1)
		var buf [8]byte
		_, _ = unix.Read(r, buf[:])
		lp.DeregisterFdWatch(fw) // self-deregister while active
		return Noop
	})
	if err := l.RegisterFdWatch(fw, EventIn); err != nil {
		t.Fatalf("RegisterFdWatch: %v", err)
	}

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1", atomic.LoadInt32(&calls))
	}

	deadline = time.Now().Add(time.Second)
	for fw.b.registered && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fw.b.registered {
		t.Fatal("watcher was not deregistered after its callback returned")
	}
}

// TestBidiFdWatchExplicitRemoveBothHalves proves DeregisterBidiFdWatch
// tears down the shared kernel registration exactly once and fires
// Removed exactly once, after both halves are gone.
func TestBidiFdWatchExplicitRemoveBothHalves(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { _ = unix.Close(fds[0]); _ = unix.Close(fds[1]) })

	bw := NewBidiFdWatcher(fds[0], 0, 0,
		func(*Loop, *FdWatcher, FdEvents) RearmVerdict { return Noop },
		func(*Loop, *FdWatcher, FdEvents) RearmVerdict { return Noop },
	)
	removedCount := 0
	bw.Removed = func(*Loop) { removedCount++ }

	if err := l.RegisterBidiFdWatch(bw, EventIn, EventOut); err != nil {
		t.Fatalf("RegisterBidiFdWatch: %v", err)
	}
	if !bw.Read.b.registered || !bw.Write.b.registered {
		t.Fatal("both halves must be registered")
	}

	l.DeregisterBidiFdWatch(bw)

	if bw.Read.b.registered || bw.Write.b.registered {
		t.Fatal("both halves must be unregistered after DeregisterBidiFdWatch")
	}
	if removedCount != 1 {
		t.Fatalf("Removed fired %d times, want exactly 1", removedCount)
	}
}

// TestBidiFdWatchHalfRemoval proves that when only one side of a bidi
// pair returns Remove, only that side is torn down: the other half
// stays registered and keeps delivering events, and the pair's Removed
// hook fires only once the surviving side is also removed (Testable
// Scenario D).
func TestBidiFdWatchHalfRemoval(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { _ = unix.Close(fds[0]); _ = unix.Close(fds[1]) })

	var readFired, writeFired int32
	bw := NewBidiFdWatcher(fds[0], 0, 0,
		func(*Loop, *FdWatcher, FdEvents) RearmVerdict {
			atomic.AddInt32(&readFired, 1)
			return Remove
		},
		func(*Loop, *FdWatcher, FdEvents) RearmVerdict {
			atomic.AddInt32(&writeFired, 1)
			return Rearm
		},
	)
	removedCount := 0
	bw.Removed = func(*Loop) { removedCount++ }

	if err := l.RegisterBidiFdWatch(bw, EventIn, EventOut); err != nil {
		t.Fatalf("RegisterBidiFdWatch: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The write side of a freshly connected stream socket is reliably
	// writable, so both halves come ready together on this first Poll.
	if err := l.Poll(time.Second); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if atomic.LoadInt32(&readFired) != 1 {
		t.Fatalf("read side fired %d times, want 1", readFired)
	}
	if bw.Read.b.registered {
		t.Fatal("read side must be deregistered after returning Remove")
	}
	if !bw.Write.b.registered {
		t.Fatal("write side must remain registered while the read side alone was removed")
	}
	if removedCount != 0 {
		t.Fatalf("Removed fired %d times after one half removed, want 0", removedCount)
	}

	// The write side must still be live: its callback re-arms it, and a
	// further Poll must keep delivering write-ready events (the surviving
	// half's registration survives the read side's removal).
	writeFiredBefore := atomic.LoadInt32(&writeFired)
	if err := l.Poll(time.Second); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if atomic.LoadInt32(&writeFired) <= writeFiredBefore {
		t.Fatal("write side never received another event after the read side's removal")
	}

	l.DeregisterFdWatch(&bw.Write)

	if bw.Write.b.registered {
		t.Fatal("write side must be deregistered")
	}
	if removedCount != 1 {
		t.Fatalf("Removed fired %d times once both halves removed, want exactly 1", removedCount)
	}
}

func TestReentrantRunIsRejected(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	result := make(chan error, 1)

	r, wfd := mustPipe(t)
	fw := NewFdWatcher(r, 0, func(lp *Loop, fw *FdWatcher, events FdEvents) RearmVerdict {
		result <- lp.Run(make(chan struct{}))
		return Noop
	})
	if err := l.RegisterFdWatch(fw, EventIn); err != nil {
		t.Fatalf("RegisterFdWatch: %v", err)
	}

	stop := startLoop(t, l)
	defer stop()

	if _, err := unix.Write(wfd, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-result:
		if err != ErrReentrantRun {
			t.Fatalf("nested Run() returned %v, want ErrReentrantRun", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested Run() never returned")
	}
}

func TestSecondRunWhileRunningFails(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	stop := startLoop(t, l)
	defer stop()

	time.Sleep(20 * time.Millisecond) // let the first Run reach StateRunning

	otherDone := make(chan struct{})
	close(otherDone)
	if err := l.Run(otherDone); err != ErrLoopAlreadyRunning {
		t.Fatalf("second Run() = %v, want ErrLoopAlreadyRunning", err)
	}
}
