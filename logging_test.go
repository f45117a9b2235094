package dispatch

import (
	"errors"
	"testing"
)

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	l := NewNoOpLogger()
	if l.IsEnabled(LevelError) {
		t.Fatal("no-op logger must never report enabled")
	}
	l.Log(LogEntry{Level: LevelError, Message: "should be discarded"}) // must not panic
}

func TestMinLevelLoggerFiltersByFloor(t *testing.T) {
	var got []LogEntry
	l := NewMinLevelLogger(LevelWarn, func(e LogEntry) {
		got = append(got, e)
	})

	if l.IsEnabled(LevelDebug) {
		t.Fatal("debug must be filtered below a Warn floor")
	}
	if !l.IsEnabled(LevelError) {
		t.Fatal("error must pass a Warn floor")
	}

	l.Log(LogEntry{Level: LevelDebug, Message: "dropped"})
	l.Log(LogEntry{Level: LevelWarn, Message: "kept"})
	l.Log(LogEntry{Level: LevelError, Message: "kept too", Err: errors.New("boom")})

	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(got), got)
	}
	if got[0].Message != "kept" || got[1].Message != "kept too" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("Log must stamp a zero Timestamp before forwarding")
	}
}

func TestLoopLogRespectsNilAndDisabledLogger(t *testing.T) {
	l, err := New(WithBackend(newNoopTestBackend()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.logger = nil
	l.log(LevelError, "test", "must not panic with a nil logger", nil) // must not panic

	var called bool
	l.logger = NewMinLevelLogger(LevelError, func(LogEntry) { called = true })
	l.log(LevelDebug, "test", "below floor", nil)
	if called {
		t.Fatal("sink invoked for an entry below the configured floor")
	}
	l.log(LevelError, "test", "at floor", nil)
	if !called {
		t.Fatal("sink not invoked for an entry at the configured floor")
	}
}
