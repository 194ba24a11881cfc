package match

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by commands issued after Run has returned.
	ErrClosed = errors.New("controller is closed")
	// ErrMatchRunning is returned by operations that need an idle or paused match.
	ErrMatchRunning = errors.New("match is running")
	// ErrMatchEnded is returned once the end latch is set, until NewMatch.
	ErrMatchEnded = errors.New("match has ended")
	// ErrNotRunning is returned by operations that need a running match.
	ErrNotRunning = errors.New("match is not running")
	// ErrNotHumanTurn is returned by PlayMove when the side to move is an engine.
	ErrNotHumanTurn = errors.New("side to move is not human")
	// ErrInvalidState is returned when a command does not fit the current state.
	ErrInvalidState = errors.New("invalid state for command")
)

// ErrorKind classifies entries in the match error log.
type ErrorKind string

const (
	// KindInit covers engine creation and handshake failures.
	KindInit ErrorKind = "init"
	// KindRuntime covers error events from a running engine.
	KindRuntime ErrorKind = "runtime"
	// KindRejectedMove is an engine move the applier refused.
	KindRejectedMove ErrorKind = "rejected_move"
	// KindPoolJob is a failed analysis job.
	KindPoolJob ErrorKind = "pool_job"
)

// EngineError ties a failure to the side and engine that caused it.
type EngineError struct {
	Side     Side
	EngineID string
	Op       string
	Err      error
}

func (e *EngineError) Error() string {
	if e.EngineID == "" {
		return fmt.Sprintf("%s %s: %v", e.Side, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s (engine=%s): %v", e.Side, e.Op, e.EngineID, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// ErrorEntry is one line of the bounded error log.
type ErrorEntry struct {
	At       time.Time
	Side     Side
	EngineID string
	Kind     ErrorKind
	Message  string
}

// errorLog keeps the newest entries first and drops the oldest past max.
type errorLog struct {
	max     int
	entries []ErrorEntry
}

func (l *errorLog) add(e ErrorEntry) {
	l.entries = append([]ErrorEntry{e}, l.entries...)
	if l.max > 0 && len(l.entries) > l.max {
		l.entries = l.entries[:l.max]
	}
}

func (l *errorLog) snapshot() []ErrorEntry {
	return append([]ErrorEntry(nil), l.entries...)
}
