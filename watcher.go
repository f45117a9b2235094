package dispatch

// RearmVerdict is the exhaustive set of post-dispatch instructions a
// watcher callback may return (spec §4.7).
type RearmVerdict uint8

const (
	// Rearm re-enables the watcher at the kernel level.
	Rearm RearmVerdict = iota
	// Disarm keeps the watcher registered but disabled.
	Disarm
	// Noop leaves the watcher's current enabled/disabled state untouched.
	Noop
	// Remove unregisters the watcher and invokes its Removed hook.
	Remove
	// Removed indicates the callback already deregistered the watcher
	// itself (usually via self-deletion); the engine takes no further
	// action.
	Removed
	// Requeue invokes the watcher again after the current dispatch batch.
	Requeue
)

func (v RearmVerdict) String() string {
	switch v {
	case Rearm:
		return "Rearm"
	case Disarm:
		return "Disarm"
	case Noop:
		return "Noop"
	case Remove:
		return "Remove"
	case Removed:
		return "Removed"
	case Requeue:
		return "Requeue"
	default:
		return "RearmVerdict(?)"
	}
}

// watcherKind discriminates the concrete watcher types sharing the base
// record (spec §3).
type watcherKind uint8

const (
	kindSignal watcherKind = iota
	kindFd
	kindBidiPrimary
	kindBidiSecondary
	kindChild
	kindTimer
)

// watcher is the common interface every registered event source
// satisfies. It is unexported: users interact with the concrete
// FdWatcher / BidiFdWatcher / SignalWatcher / ChildWatcher / TimerWatcher
// types, never with this interface directly.
type watcher interface {
	base() *watcherBase
	// dispatchEvent invokes the user callback and returns the rearm
	// verdict. Called with the loop's base lock NOT held.
	dispatchEvent(l *Loop) RearmVerdict
	// notifyRemoved invokes the user's removal hook, if any. Called
	// with no loop locks held.
	notifyRemoved(l *Loop)
}

// watcherBase is the record embedded in every concrete watcher type.
// Its fields are owned by the Loop's base lock once the watcher is
// registered; the engine never allocates this storage, the user does
// (spec §3: "the engine never owns the storage").
type watcherBase struct {
	kind watcherKind

	// active is set for the duration of the watcher's callback.
	active bool

	// deleteme is a deferred-removal request made while active.
	deleteme bool

	// priority: smaller values dispatch earlier; ties are FIFO by seq.
	priority int32

	// registered is true from a successful register call until the
	// watcher is fully unlinked.
	registered bool

	// queued is true while the watcher has an entry in the event queue.
	queued bool

	// pqIndex/pqSeq are maintained by the priority queue; valid only
	// while queued is true.
	pqIndex int
	pqSeq   uint64

	// loop is the owning Loop, set on registration.
	loop *Loop
}

func (b *watcherBase) resetQueueState() {
	b.queued = false
	b.pqIndex = -1
}
