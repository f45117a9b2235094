package dispatch

import "golang.org/x/sys/unix"

// ProcStatus reports how a reaped child terminated (spec §3, grounded
// on original_source/dasynq/include/dasynq/childproc.h's proc_status:
// si_code distinguishes a clean exit from a signal death, si_status
// carries the exit code or signal number accordingly).
type ProcStatus struct {
	Exited   bool
	ExitCode int
	Signal   int
}

// DidExitClean reports whether the child exited with status 0.
func (p ProcStatus) DidExitClean() bool { return p.Exited && p.ExitCode == 0 }

// ChildWatcherFunc is invoked once, when the watched pid is reaped.
type ChildWatcherFunc func(l *Loop, w *ChildWatcher, status ProcStatus) RearmVerdict

// ChildWatcher observes the termination of a single child pid (spec
// §4.9). Unlike fd/signal/timer watchers it delivers exactly once;
// after dispatch it is automatically deregistered.
type ChildWatcher struct {
	b watcherBase

	Callback ChildWatcherFunc

	// Removed, if set, is invoked once this watcher has been fully
	// deregistered (spec §4.9's watch_removed).
	Removed func(l *Loop)

	pid        int
	reserved   bool
	terminated bool
	status     ProcStatus
}

// NewChildWatcher constructs a watcher for a not-yet-known pid. Use
// ReserveChildWatch before forking, then AddReservedChildWatch with
// the real pid immediately after, to guarantee the post-fork step
// cannot fail for lack of map capacity (spec §4.5, grounded on
// childproc.h's pid_map::reserve/add_from_reserve split).
func NewChildWatcher(priority int32, cb ChildWatcherFunc) *ChildWatcher {
	return &ChildWatcher{
		b:        watcherBase{kind: kindChild, priority: priority, pqIndex: -1},
		Callback: cb,
	}
}

func (w *ChildWatcher) base() *watcherBase { return &w.b }

func (w *ChildWatcher) dispatchEvent(l *Loop) RearmVerdict {
	return w.Callback(l, w, w.status)
}

func (w *ChildWatcher) notifyRemoved(l *Loop) {
	if w.Removed != nil {
		w.Removed(l)
	}
}

// Pid returns the watched process id, or 0 before a reservation is
// filled in.
func (w *ChildWatcher) Pid() int { return w.pid }

// ReserveChildWatch reserves capacity in the reaper's pid map for w,
// without yet knowing the real pid. Must be called before forking the
// child it will watch.
func (l *Loop) ReserveChildWatch(w *ChildWatcher) error {
	if err := l.reaper.reserve(); err != nil {
		return err
	}
	w.reserved = true
	return nil
}

// AddReservedChildWatch fills in a previously reserved watcher with
// the real pid, immediately after fork. w must have been passed to
// ReserveChildWatch first; otherwise the reaper's reserved-capacity
// counter would be decremented without ever having been incremented,
// so this returns ErrChildReservationRequired instead.
func (l *Loop) AddReservedChildWatch(w *ChildWatcher, pid int) error {
	if !w.reserved {
		return ErrChildReservationRequired
	}
	w.reserved = false
	w.pid = pid
	w.b.registered = true
	w.b.loop = l
	l.reaper.addReserved(pid, w)
	return nil
}

// AddChildWatch registers w for an already-running pid (the caller
// accepts the small risk of allocation failure this implies; prefer
// Reserve+AddReserved around a fork).
func (l *Loop) AddChildWatch(w *ChildWatcher, pid int) error {
	w.pid = pid
	if err := l.reaper.add(pid, w); err != nil {
		return err
	}
	w.b.registered = true
	w.b.loop = l
	return nil
}

// DeregisterChildWatch removes w before it has fired.
func (l *Loop) DeregisterChildWatch(w *ChildWatcher) {
	l.deregisterGeneric(w, func() {
		l.reaper.remove(w.pid)
	})
}

// SendSignal delivers sig to pid, but only while pid is still a
// registered, unreaped watch. This closes the pid-recycle race a bare
// unix.Kill(pid, sig) is exposed to: by the time a caller observes a
// ChildWatcher has not yet fired and issues the signal, the kernel may
// already have reused that pid for an unrelated process if reaping and
// signalling aren't serialised against each other (spec §4.5).
func (l *Loop) SendSignal(pid int, sig int) error {
	return l.reaper.SendSignal(pid, unix.Signal(sig))
}
