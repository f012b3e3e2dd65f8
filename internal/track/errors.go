package track

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfOrderTimestamp    = errors.New("track: fix timestamp is not after the last stored fix")
	ErrInvalidStateTransition = errors.New("track: invalid state transition")
	ErrInvalidFix             = errors.New("track: fix has no usable coordinates or timestamp")
	ErrSessionNotFound        = errors.New("track: session not found")
)

// PersistenceError reports that a change was applied in memory but could not
// be written to the backend. The in-memory state is kept.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("track: persist %s for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
