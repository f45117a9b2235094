package dispatch

import (
	"sync"

	"golang.org/x/sys/unix"
)

// reaper owns the pid -> ChildWatcher map and serialises reaping
// against signal delivery (spec §4.5). Holding mu across both
// wait4 and kill prevents a classic pid-recycle race: without it, a
// signal sent to a pid that exited (but was not yet reaped) could be
// delivered to an unrelated process the kernel has since reused that
// pid for.
type reaper struct {
	mu       sync.Mutex
	byPid    map[int]*ChildWatcher
	reserved int
}

func newReaper() *reaper {
	return &reaper{byPid: make(map[int]*ChildWatcher)}
}

// reserve pre-allocates map capacity so a later addReserved cannot
// fail (grounded on childproc.h's pid_map::reserve, which throws
// bad_alloc up front rather than risk failure after fork).
func (r *reaper) reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byPid)+r.reserved >= maxReapableChildren {
		return &AllocError{Component: "reaper"}
	}
	r.reserved++
	return nil
}

func (r *reaper) addReserved(pid int, w *ChildWatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved--
	r.byPid[pid] = w
}

func (r *reaper) add(pid int, w *ChildWatcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byPid)+r.reserved >= maxReapableChildren {
		return &AllocError{Component: "reaper"}
	}
	r.byPid[pid] = w
	return nil
}

func (r *reaper) remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPid, pid)
}

// SendSignal delivers sig to pid iff it is still a registered,
// unreaped watch, closing the recycle race described above.
func (r *reaper) SendSignal(pid int, sig unix.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPid[pid]; !ok {
		return ErrNoSuchProcess
	}
	if err := unix.Kill(pid, sig); err != nil {
		return osErr("kill", err)
	}
	return nil
}

// maxReapableChildren bounds the reaper's map the same way the
// priority queue bounds itself; exceeding it is resource exhaustion,
// not a logic error.
const maxReapableChildren = 1 << 16

// reapAll drains every exited-but-unreaped child via
// wait4(-1, WNOHANG), delivering each to the matching ChildWatcher's
// owning loop. Called from the SIGCHLD watcher's callback. mu is held
// from each wait4 until the pid is out of the map, so SendSignal never
// sees a pid that has already been reaped.
func (r *reaper) reapAll(l *Loop) {
	for {
		var ws unix.WaitStatus
		r.mu.Lock()
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			r.mu.Unlock()
			return
		}
		w, ok := r.byPid[pid]
		if ok {
			delete(r.byPid, pid)
		}
		r.mu.Unlock()
		if !ok {
			continue
		}
		w.terminated = true
		w.status = statusFromWaitStatus(ws)
		l.enqueueFromAnySource(w)
	}
}

// statusFromWaitStatus translates the kernel's wait status into the
// engine's ProcStatus (spec §3), grounded on childproc.h's
// proc_status(si_code, si_status) exited-vs-signalled split.
func statusFromWaitStatus(ws unix.WaitStatus) ProcStatus {
	if ws.Exited() {
		return ProcStatus{Exited: true, ExitCode: ws.ExitStatus()}
	}
	if ws.Signaled() {
		return ProcStatus{Exited: false, Signal: int(ws.Signal())}
	}
	return ProcStatus{}
}
