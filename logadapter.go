package dispatch

import "github.com/joeycumines/logiface"

// logifaceAdapter bridges a generic logiface logger into this
// package's Logger seam, grounded on the *logiface.Logger[E].Logger()
// generification pattern exercised by the teacher's structured-logging
// tests (logiface.New[*testEvent](...).Logger() yields a
// *logiface.Logger[logiface.Event] usable regardless of the concrete
// event type): callers already standardised on logiface elsewhere in
// their program can reuse it here rather than carry a second logging
// dependency.
type logifaceAdapter struct {
	l *logiface.Logger[logiface.Event]
}

// NewLogifaceAdapter wraps l as a Logger.
func NewLogifaceAdapter(l *logiface.Logger[logiface.Event]) Logger {
	return &logifaceAdapter{l: l}
}

// IsEnabled mirrors Logger[E].canLog's unexported gating logic (level
// at or more severe than the configured threshold, or a custom level
// above LevelTrace) using only the public Level/Enabled surface.
func (a *logifaceAdapter) IsEnabled(level LogLevel) bool {
	lvl := toLogifaceLevel(level)
	cur := a.l.Level()
	return cur.Enabled() && (lvl <= cur || lvl > logiface.LevelTrace)
}

func (a *logifaceAdapter) Log(entry LogEntry) {
	var b *logiface.Builder[logiface.Event]
	switch entry.Level {
	case LevelDebug:
		b = a.l.Debug()
	case LevelWarn:
		b = a.l.Warning()
	case LevelError:
		b = a.l.Err()
	default:
		b = a.l.Info()
	}
	if b == nil {
		return
	}
	b = b.Str("category", entry.Category)
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	b.Log(entry.Message)
}

func toLogifaceLevel(level LogLevel) logiface.Level {
	switch level {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
