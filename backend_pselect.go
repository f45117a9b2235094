//go:build (!linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly) && unix

package dispatch

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// pselectBackend is the portable POSIX fallback used where no native
// multiplexer (epoll, kqueue) is available (spec §4.3, §9). Grounded
// on original_source/dasynq/include/dasynq/pselect.h's fd_set pair
// plus per-fd userdata vectors, translated to Go's fd_set bit
// manipulation via golang.org/x/sys/unix.FdSet.
//
// Signal capture cannot follow the original's sigtimedwait-based
// drain here: this build tag exists for platforms without epoll or
// kqueue, which in this module's supported set means none do — so
// signal delivery instead goes through os/signal.Notify, the
// Go-idiomatic substitute. That loses full siginfo_t (sender pid/uid)
// since Go's runtime, not user code, owns the real signal handler;
// SigInfo.Signo is still populated. This is a deliberate, documented
// adaptation (spec §9 Open Question) rather than an oversight.
type pselectBackend struct {
	mu      sync.Mutex
	readFD  unix.FdSet
	writeFD unix.FdSet
	maxFD   int
	limit   int
	rd, wr  map[int]*FdWatcher

	sigCh    chan os.Signal
	sigWatch map[int]*SignalWatcher
}

func newPlatformBackend(maxFD int) (Backend, error) {
	return &pselectBackend{
		maxFD:    -1,
		limit:    maxFD,
		rd:       make(map[int]*FdWatcher),
		wr:       make(map[int]*FdWatcher),
		sigCh:    make(chan os.Signal, 64),
		sigWatch: make(map[int]*SignalWatcher),
	}, nil
}

func (b *pselectBackend) Capabilities() BackendCapabilities {
	return BackendCapabilities{
		HasBidiFDWatch:          true,
		HasSeparateRWFDWatches:  true,
		SupportsNonOneshotFD:    true,
		InterruptAfterFdAdd:     true,
		InterruptAfterSignalAdd: true,
		FullTimerSupport:        false,
	}
}

func fdSet(set *unix.FdSet, fd int) { set.Bits[fd/64] |= 1 << uint(fd%64) }
func fdClr(set *unix.FdSet, fd int) { set.Bits[fd/64] &^= 1 << uint(fd%64) }
func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<uint(fd%64)) != 0
}

func (b *pselectBackend) AddFDWatch(fd int, w *FdWatcher, events FdEvents, oneshot bool) error {
	if fd < 0 || fd >= b.limit {
		return ErrFdOutOfRange
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if events&EventIn != 0 {
		fdSet(&b.readFD, fd)
		b.rd[fd] = w
	}
	if events&EventOut != 0 {
		fdSet(&b.writeFD, fd)
		b.wr[fd] = w
	}
	if fd > b.maxFD {
		b.maxFD = fd
	}
	return nil
}

func (b *pselectBackend) AddBidiFDWatch(fd int, read, write *FdWatcher, readEvents, writeEvents FdEvents) error {
	if readEvents != 0 {
		if err := b.AddFDWatch(fd, read, EventIn, true); err != nil {
			return err
		}
	}
	if writeEvents != 0 {
		if err := b.AddFDWatch(fd, write, EventOut, true); err != nil {
			return err
		}
	}
	return nil
}

func (b *pselectBackend) EnableFDWatch(fd int, w *FdWatcher, events FdEvents) error {
	return b.AddFDWatch(fd, w, events, true)
}

func (b *pselectBackend) DisableFDWatch(fd int, w *FdWatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fdClr(&b.readFD, fd)
	fdClr(&b.writeFD, fd)
	return nil
}

func (b *pselectBackend) RemoveFDWatch(fd int, w *FdWatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rd[fd] == w {
		fdClr(&b.readFD, fd)
		delete(b.rd, fd)
	}
	if b.wr[fd] == w {
		fdClr(&b.writeFD, fd)
		delete(b.wr, fd)
	}
	return nil
}

func (b *pselectBackend) RemoveBidiFDWatch(fd int, read, write *FdWatcher) error {
	_ = b.RemoveFDWatch(fd, read)
	_ = b.RemoveFDWatch(fd, write)
	return nil
}

func (b *pselectBackend) AddSignalWatch(sig int, w *SignalWatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sigWatch[sig] = w
	signal.Notify(b.sigCh, syscall.Signal(sig))
	return nil
}

func (b *pselectBackend) RearmSignalWatch(sig int, w *SignalWatcher) error { return nil }

func (b *pselectBackend) RemoveSignalWatch(sig int, w *SignalWatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sigWatch, sig)
	signal.Stop(b.sigCh)
	for s := range b.sigWatch {
		signal.Notify(b.sigCh, syscall.Signal(s))
	}
	return nil
}

// PullEvents first takes at most one signal from sigCh without
// blocking; if there is one it is delivered and PullEvents returns.
// Otherwise it blocks in pselect for up to timeout. A signal that
// arrives while pselect is blocked is not seen until pselect returns
// (fd readiness, timeout or EINTR); there is no re-check loop and no
// signal mask is installed around the call.
func (b *pselectBackend) PullEvents(l *Loop, doWait bool, timeout time.Duration) error {
	select {
	case sig := <-b.sigCh:
		b.deliverSignal(l, sig)
		return nil
	default:
	}

	b.mu.Lock()
	rd := b.readFD
	wr := b.writeFD
	maxFD := b.maxFD
	b.mu.Unlock()

	var ts *unix.Timespec
	if doWait {
		if timeout >= 0 {
			sec := int64(timeout / time.Second)
			nsec := int64(timeout % time.Second)
			ts = &unix.Timespec{Sec: sec, Nsec: nsec}
		}
	} else {
		ts = &unix.Timespec{}
	}

	if maxFD < 0 {
		// Nothing to watch yet; still want to notice signals/timers.
		if ts == nil {
			ts = &unix.Timespec{Sec: 1}
		}
		time.Sleep(time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec))
		return nil
	}

	n, err := unix.Pselect(maxFD+1, &rd, &wr, nil, ts, nil)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return osErr("pselect", err)
	}

	if n <= 0 {
		return nil
	}

	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	// A reported direction is cleared from the watched set before
	// dispatch (one-shot); EnableFDWatch sets it again.
	b.mu.Lock()
	defer b.mu.Unlock()
	for fd := 0; fd <= maxFD; fd++ {
		if fdIsSet(&rd, fd) {
			if w := b.rd[fd]; w != nil {
				fdClr(&b.readFD, fd)
				l.enqueueLocked(w)
			}
		}
		if fdIsSet(&wr, fd) {
			if w := b.wr[fd]; w != nil {
				fdClr(&b.writeFD, fd)
				l.enqueueLocked(w)
			}
		}
	}
	return nil
}

func (b *pselectBackend) deliverSignal(l *Loop, sig os.Signal) {
	sigNo, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	b.mu.Lock()
	w, ok := b.sigWatch[int(sigNo)]
	b.mu.Unlock()
	if !ok {
		return
	}
	w.lastInfo = SigInfo{Signo: int(sigNo)}
	l.baseMu.Lock()
	l.enqueueLocked(w)
	l.baseMu.Unlock()
}

func (b *pselectBackend) Close() error {
	signal.Stop(b.sigCh)
	return nil
}
