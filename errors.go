package dispatch

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the core. See spec §7 for the error-kind
// taxonomy these correspond to.
var (
	// ErrLoopAlreadyRunning is returned by Run when the loop is already running.
	ErrLoopAlreadyRunning = errors.New("dispatch: loop is already running")

	// ErrLoopTerminated names the error for operations on a loop that
	// has finished shutting down; no function in this package returns
	// it.
	ErrLoopTerminated = errors.New("dispatch: loop has been terminated")

	// ErrReentrantRun is returned when Run is called from within the
	// loop's own dispatch goroutine.
	ErrReentrantRun = errors.New("dispatch: cannot call Run from within the loop")

	// ErrWatcherNotRegistered is returned by operations (enable, disable,
	// rearm) against a watcher that was never registered, or has
	// already been fully removed.
	ErrWatcherNotRegistered = errors.New("dispatch: watcher not registered")

	// ErrWatcherAlreadyRegistered is returned by a register operation
	// against a watcher struct that is already registered on a loop.
	ErrWatcherAlreadyRegistered = errors.New("dispatch: watcher already registered")

	// ErrFdOutOfRange is returned when a watched descriptor exceeds the
	// backend's addressable range.
	ErrFdOutOfRange = errors.New("dispatch: file descriptor out of range")

	// ErrEmulationRequired names the condition of a descriptor type the
	// backend cannot natively poll (e.g. a regular file). No function in
	// this package returns it; registration has no emulation option.
	ErrEmulationRequired = errors.New("dispatch: descriptor requires emulated readiness")

	// ErrBidiUnsupported names the condition of a backend that supports
	// neither native nor synthesised (two-watch) bidi semantics. No
	// function in this package returns it: RegisterBidiFdWatch always
	// falls back to two separate watches.
	ErrBidiUnsupported = errors.New("dispatch: backend does not support bidirectional fd watches")

	// ErrChildReservationRequired is returned by AddReservedChildWatch
	// when called against a pid that was never reserved.
	ErrChildReservationRequired = errors.New("dispatch: child pid was not reserved")

	// ErrNoSuchProcess mirrors ESRCH for SendSignal against a reaped child.
	ErrNoSuchProcess = errors.New("dispatch: no such process")
)

// AllocError signals resource exhaustion during registration: a failure
// to grow the priority queue or the reaper's pid map (timer heaps have
// no size limit and never return it). It is returned distinctly from
// logic errors so callers can unwind before committing irreversible
// state (see ReserveChildWatch).
type AllocError struct {
	// Component names the subsystem that failed to allocate
	// ("priorityqueue", "reaper").
	Component string
	Err       error
}

func (e *AllocError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch: %s allocation failed: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("dispatch: %s allocation failed", e.Component)
}

func (e *AllocError) Unwrap() error { return e.Err }

// OSError wraps a kernel primitive failure (epoll_ctl, kevent,
// signalfd, kill, ...). Registration-time OS errors fail the register
// operation without leaving state behind; OS errors during enable/
// disable after a successful add are unrecoverable and indicate
// kernel-state inconsistency.
type OSError struct {
	// Op names the syscall that failed ("epoll_ctl", "kevent", "kill", ...).
	Op  string
	Err error
}

func (e *OSError) Error() string {
	return fmt.Sprintf("dispatch: %s: %v", e.Op, e.Err)
}

func (e *OSError) Unwrap() error { return e.Err }

func osErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OSError{Op: op, Err: err}
}
