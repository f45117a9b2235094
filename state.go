package dispatch

import "sync/atomic"

// LoopState models the lifecycle of a Loop (adapted from the teacher's
// FastState atomic state machine).
type LoopState uint32

const (
	// StateAwake: created but Run has not yet been called.
	StateAwake LoopState = iota
	// StateRunning: actively dispatching.
	StateRunning
	// StateSleeping: blocked inside the backend's poll. Loop never
	// stores this state; it reports StateRunning while polling.
	StateSleeping
	// StateTerminating: shutdown requested, still unwinding.
	StateTerminating
	// StateTerminated: fully stopped; kernel handles released.
	StateTerminated
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopState is a lock-free atomic state holder.
type loopState struct {
	v atomic.Uint32
}

func newLoopState() *loopState {
	s := &loopState{}
	s.v.Store(uint32(StateAwake))
	return s
}

func (s *loopState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *loopState) Store(v LoopState) { s.v.Store(uint32(v)) }

func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

func (s *loopState) IsTerminal() bool { return s.Load() == StateTerminated }
