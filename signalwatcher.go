package dispatch

// SignalWatcherFunc is invoked on signal delivery with whatever the
// backend could recover about the signal.
type SignalWatcherFunc func(l *Loop, w *SignalWatcher, info SigInfo) RearmVerdict

// SignalWatcher watches one signal number (spec §4.9). The caller is
// responsible for having the signal blocked (or accepting that this
// engine will block it as a side effect of registration) for as long
// as the watcher is registered: an unblocked signal may still run its
// default or process-level disposition concurrently with delivery
// here, depending on platform.
type SignalWatcher struct {
	b watcherBase

	Callback SignalWatcherFunc

	// Removed, if set, is invoked once this watcher has been fully
	// deregistered (spec §4.9's watch_removed).
	Removed func(l *Loop)

	signo    int
	lastInfo SigInfo
}

// NewSignalWatcher constructs a watcher for the given signal number.
func NewSignalWatcher(signo int, priority int32, cb SignalWatcherFunc) *SignalWatcher {
	return &SignalWatcher{
		b:        watcherBase{kind: kindSignal, priority: priority, pqIndex: -1},
		Callback: cb,
		signo:    signo,
	}
}

func (w *SignalWatcher) base() *watcherBase { return &w.b }

func (w *SignalWatcher) dispatchEvent(l *Loop) RearmVerdict {
	return w.Callback(l, w, w.lastInfo)
}

func (w *SignalWatcher) notifyRemoved(l *Loop) {
	if w.Removed != nil {
		w.Removed(l)
	}
}

// Signo returns the watched signal number.
func (w *SignalWatcher) Signo() int { return w.signo }

// RegisterSignalWatch arms w (spec §4.9): blocks the signal at the
// process level via the backend and begins delivery through the
// engine instead of the process default disposition.
func (l *Loop) RegisterSignalWatch(w *SignalWatcher) error {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	if w.b.registered {
		return ErrWatcherAlreadyRegistered
	}
	if err := l.backend.AddSignalWatch(w.signo, w); err != nil {
		return err
	}
	w.b.registered = true
	w.b.loop = l
	return nil
}

// RearmSignalWatch re-enables delivery after a one-shot dispatch on
// backends without native signal-watch persistence.
func (l *Loop) RearmSignalWatch(w *SignalWatcher) error {
	l.baseMu.Lock()
	defer l.baseMu.Unlock()
	if !w.b.registered {
		return ErrWatcherNotRegistered
	}
	return l.backend.RearmSignalWatch(w.signo, w)
}

// DeregisterSignalWatch removes w and, if nothing else is watching the
// same signal number, restores the signal's normal disposition.
func (l *Loop) DeregisterSignalWatch(w *SignalWatcher) {
	l.deregisterGeneric(w, func() {
		_ = l.backend.RemoveSignalWatch(w.signo, w)
	})
}
