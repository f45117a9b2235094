package dispatch

// FdEvents is a bitmask of readiness conditions, grounded on
// original_source/dasynq/include/dasynq/dasync-flags.h's
// in_events/out_events/err_events bits.
type FdEvents uint32

const (
	EventIn  FdEvents = 1 << iota // readable / incoming connection
	EventOut                     // writable
	EventErr                     // error/hangup condition reported out-of-band
)

// IOEvents is the mask of the two caller-requestable directions.
const IOEvents = EventIn | EventOut

// FdWatcherFunc is invoked on fd readiness.
type FdWatcherFunc func(l *Loop, w *FdWatcher, events FdEvents) RearmVerdict

// FdWatcher watches a single file descriptor for readiness in one or
// both directions (spec §4.9). Every backend operates it one-shot:
// after delivering an event the watch is disabled for that direction
// until explicitly rearmed (epoll registers with EPOLLONESHOT; kqueue
// disables the reported filter and pselect clears the reported fd from
// its set before dispatch; EnableFDWatch re-arms in each case).
type FdWatcher struct {
	b watcherBase

	Callback FdWatcherFunc

	// Removed, if set, is invoked once this watcher has been fully
	// deregistered (spec §4.9's watch_removed). For a bidi half, this
	// fires on the BidiFdWatcher's Removed hook instead (see below),
	// never per-half.
	Removed func(l *Loop)

	fd      int
	watched FdEvents // directions currently armed with the backend
	emulate bool     // records !SupportsNonOneshotFD at registration; informational only

	// secondary is set when this watcher is the primary half of a
	// BidiFdWatcher pair sharing one fd (secondary carries the Out
	// side). nil for an ordinary single-direction watcher.
	secondary *FdWatcher
	isPrimary bool

	// bidi points back to the owning pair for either half; nil for an
	// ordinary single-direction watcher.
	bidi *BidiFdWatcher
}

// BidiFdWatcher pairs an independent read-side and write-side watcher
// over one shared descriptor (spec §4.3, §4.9). On a HasBidiFDWatch
// backend the pair shares one kernel registration (AddBidiFDWatch);
// otherwise each half is registered separately (AddFDWatch).
type BidiFdWatcher struct {
	Read  FdWatcher
	Write FdWatcher

	// Removed is invoked exactly once, only once both Read and Write
	// have individually been deregistered (spec §4.9, Testable
	// Scenario D: one side returning Remove tears down only that
	// side — the other keeps delivering events — and watch_removed
	// fires only once the second side is also removed).
	Removed func(l *Loop)

	readRemoved, writeRemoved bool
}

// NewFdWatcher constructs a single-direction (or combined, if the
// backend supports HasBidiFDWatch) fd watcher.
func NewFdWatcher(fd int, priority int32, cb FdWatcherFunc) *FdWatcher {
	return &FdWatcher{
		b:        watcherBase{kind: kindFd, priority: priority, pqIndex: -1},
		Callback: cb,
		fd:       fd,
	}
}

// NewBidiFdWatcher constructs a read/write pair over fd, usable on any
// backend (see BidiFdWatcher for how the pair is registered).
func NewBidiFdWatcher(fd int, readPriority, writePriority int32, readCB, writeCB FdWatcherFunc) *BidiFdWatcher {
	bw := &BidiFdWatcher{}
	bw.Read = FdWatcher{b: watcherBase{kind: kindBidiPrimary, priority: readPriority, pqIndex: -1}, Callback: readCB, fd: fd, isPrimary: true, bidi: bw}
	bw.Write = FdWatcher{b: watcherBase{kind: kindBidiSecondary, priority: writePriority, pqIndex: -1}, Callback: writeCB, fd: fd, bidi: bw}
	bw.Read.secondary = &bw.Write
	return bw
}

func (w *FdWatcher) base() *watcherBase { return &w.b }

func (w *FdWatcher) dispatchEvent(l *Loop) RearmVerdict {
	events := w.watched
	return w.Callback(l, w, events)
}

func (w *FdWatcher) notifyRemoved(l *Loop) {
	bw := w.bidi
	if bw == nil {
		if w.Removed != nil {
			w.Removed(l)
		}
		return
	}
	if w.isPrimary {
		bw.readRemoved = true
	} else {
		bw.writeRemoved = true
	}
	if bw.readRemoved && bw.writeRemoved && bw.Removed != nil {
		bw.Removed(l)
	}
}

// Fd returns the watched descriptor.
func (w *FdWatcher) Fd() int { return w.fd }

// RegisterFdWatch registers w against fd for the given event mask
// (spec §4.9). On backends without HasSeparateRWFDWatches a single
// registration covers both directions; on backends that require
// separate registrations, callers should use NewBidiFdWatcher and
// RegisterBidiFdWatch instead.
func (l *Loop) RegisterFdWatch(w *FdWatcher, events FdEvents) error {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	if w.b.registered {
		return ErrWatcherAlreadyRegistered
	}
	if err := l.backend.AddFDWatch(w.fd, w, events, true); err != nil {
		return err
	}
	w.watched = events
	w.emulate = !l.backend.Capabilities().SupportsNonOneshotFD
	w.b.registered = true
	w.b.loop = l
	return nil
}

// RegisterBidiFdWatch registers both halves of a pair.
func (l *Loop) RegisterBidiFdWatch(bw *BidiFdWatcher, readEvents, writeEvents FdEvents) error {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	if l.backend.Capabilities().HasBidiFDWatch {
		if err := l.backend.AddBidiFDWatch(bw.Read.fd, &bw.Read, &bw.Write, readEvents, writeEvents); err != nil {
			return err
		}
	} else {
		if err := l.backend.AddFDWatch(bw.Read.fd, &bw.Read, readEvents, true); err != nil {
			return err
		}
		if writeEvents != 0 {
			if err := l.backend.AddFDWatch(bw.Write.fd, &bw.Write, writeEvents, true); err != nil {
				return err
			}
		}
	}
	bw.Read.watched = readEvents
	bw.Write.watched = writeEvents
	bw.Read.b.registered = true
	bw.Read.b.loop = l
	bw.Write.b.registered = true
	bw.Write.b.loop = l
	return nil
}

// EnableFdWatch re-arms w for events after a one-shot delivery or an
// explicit Disarm.
func (l *Loop) EnableFdWatch(w *FdWatcher, events FdEvents) error {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	if !w.b.registered {
		return ErrWatcherNotRegistered
	}
	if err := l.backend.EnableFDWatch(w.fd, w, events); err != nil {
		return err
	}
	w.watched = events
	return nil
}

// DisableFdWatch suspends delivery for w without deregistering it.
func (l *Loop) DisableFdWatch(w *FdWatcher) error {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	if !w.b.registered {
		return ErrWatcherNotRegistered
	}
	if err := l.backend.DisableFDWatch(w.fd, w); err != nil {
		return err
	}
	w.watched = 0
	return nil
}

// DeregisterFdWatch removes w from the engine entirely (spec §4.9:
// deferred to after the current callback if w is presently active).
func (l *Loop) DeregisterFdWatch(w *FdWatcher) {
	l.deregisterGeneric(w, func() {
		_ = l.backend.RemoveFDWatch(w.fd, w)
	})
}

// DeregisterBidiFdWatch removes both halves of bw. Each half is
// deregistered independently via deregisterGeneric, whose notifyRemoved
// call drives bw's readRemoved/writeRemoved gate (fdwatcher.go's
// (*FdWatcher).notifyRemoved): bw.Removed fires once, after the second
// call completes.
func (l *Loop) DeregisterBidiFdWatch(bw *BidiFdWatcher) {
	l.deregisterGeneric(&bw.Read, func() {
		_ = l.backend.RemoveBidiFDWatch(bw.Read.fd, &bw.Read, &bw.Write)
	})
	l.deregisterGeneric(&bw.Write, func() {})
}
