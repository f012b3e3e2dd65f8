package track

import (
	"context"
	"errors"
)

// Recovery is the outcome of LoadForRecovery: either Recoverable or NotFound.
type Recovery interface {
	isRecovery()
}

// Recoverable is a session that was left recording or paused. The caller
// decides whether to resume or finalize it.
type Recoverable struct {
	Store       *Store
	Interrupted State
}

// NotFound means there is nothing to recover under that id: the session does
// not exist or was already completed.
type NotFound struct {
	SessionID string
}

func (Recoverable) isRecovery() {}
func (NotFound) isRecovery()    {}

// LoadForRecovery rebuilds an interrupted session from its last durable
// state. Fixes that never reached the backend before the interruption are
// simply absent. Backend failures are returned as errors, never as NotFound.
func LoadForRecovery(ctx context.Context, backend Backend, sessionID string, opts Options) (Recovery, error) {
	store, err := Load(ctx, backend, sessionID, opts)
	if errors.Is(err, ErrSessionNotFound) {
		return NotFound{SessionID: sessionID}, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", SessionID: sessionID, Err: err}
	}
	state := store.State()
	if !state.Open() {
		return NotFound{SessionID: sessionID}, nil
	}
	return Recoverable{Store: store, Interrupted: state}, nil
}
