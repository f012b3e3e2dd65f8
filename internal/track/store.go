// Package track is the append-only fix log of one tracking session.
//
// Every mutation is written through the Backend before the call returns. When
// the write fails the change stays in memory and a *PersistenceError comes back;
// the next mutation retries whatever is still unflushed, and backends must treat
// a repeated (session, seq) write as a no-op.
package track

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Options struct {
	// LowAccuracyThresholdM tags fixes with a horizontal accuracy worse than
	// this many metres as low quality. Zero disables tagging.
	LowAccuracyThresholdM float64
}

type Store struct {
	mu      sync.RWMutex
	backend Backend
	opts    Options

	meta      Meta
	fixes     []Fix
	created   bool
	flushed   int
	metaDirty bool
	discarded bool
}

// Create starts a new recording store and persists its session record. A
// returned *PersistenceError still comes with a usable store.
func Create(ctx context.Context, backend Backend, meta Meta, opts Options) (*Store, error) {
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	meta.State = StateRecording
	meta.CompletedAt = time.Time{}
	meta.Pauses = nil

	s := &Store{backend: backend, opts: opts, meta: meta}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s, s.flushLocked(ctx)
}

// Load reads a stored session in whatever state it was left.
func Load(ctx context.Context, backend Backend, sessionID string, opts Options) (*Store, error) {
	meta, fixes, err := backend.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Store{
		backend: backend,
		opts:    opts,
		meta:    meta,
		fixes:   fixes,
		created: true,
		flushed: len(fixes),
	}, nil
}

func (s *Store) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.SessionID
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.State
}

func (s *Store) Meta() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.clone()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fixes)
}

// Fixes returns the current prefix of the log. Stored fixes are never
// modified, so the slice can be read without further locking.
func (s *Store) Fixes() []Fix {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.fixes)
	return s.fixes[:n:n]
}

func (s *Store) Pauses() []Interval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Interval(nil), s.meta.Pauses...)
}

// Last returns the newest stored fix.
func (s *Store) Last() (Fix, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.fixes) == 0 {
		return Fix{}, false
	}
	return s.fixes[len(s.fixes)-1], true
}

// Pending is the number of fixes not yet confirmed by the backend.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fixes) - s.flushed
}

// Append adds fix to the log and returns it as stored (sequence number and
// quality tag set). Fixes must arrive in strictly increasing time order and
// after the end of the last pause, so no recorded fix lands inside a pause.
func (s *Store) Append(ctx context.Context, fix Fix) (Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutableLocked("append"); err != nil {
		return Fix{}, err
	}
	if !fix.Valid() {
		return Fix{}, ErrInvalidFix
	}

	if floor, ok := s.floorLocked(); ok && !fix.RecordedAt.After(floor) {
		return Fix{}, fmt.Errorf("%w: %s <= %s", ErrOutOfOrderTimestamp,
			fix.RecordedAt.Format(time.RFC3339Nano), floor.Format(time.RFC3339Nano))
	}
	fix.Seq = 0
	if n := len(s.fixes); n > 0 {
		fix.Seq = s.fixes[n-1].Seq + 1
	}
	fix.LowQuality = s.opts.LowQuality(fix)

	s.fixes = append(s.fixes, fix)
	return fix, s.flushLocked(ctx)
}

// LowQuality reports whether fix should be kept but excluded from
// statistics. A negative accuracy means the provider had no valid reading.
func (o Options) LowQuality(fix Fix) bool {
	if !fix.HasAccuracy {
		return false
	}
	if fix.AccuracyM < 0 {
		return true
	}
	return o.LowAccuracyThresholdM > 0 && fix.AccuracyM > o.LowAccuracyThresholdM
}

// MarkPaused opens a pause at the given time. The boundary never precedes the
// last stored fix.
func (s *Store) MarkPaused(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutableLocked("pause"); err != nil {
		return err
	}
	if s.meta.State != StateRecording {
		return fmt.Errorf("%w: pause while %s", ErrInvalidStateTransition, s.meta.State)
	}
	s.meta.Pauses = append(s.meta.Pauses, Interval{Start: s.boundaryLocked(at)})
	s.meta.State = StatePaused
	s.metaDirty = true
	return s.flushLocked(ctx)
}

// MarkResumed closes the open pause.
func (s *Store) MarkResumed(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutableLocked("resume"); err != nil {
		return err
	}
	if s.meta.State != StatePaused {
		return fmt.Errorf("%w: resume while %s", ErrInvalidStateTransition, s.meta.State)
	}
	s.closePauseLocked(at)
	s.meta.State = StateRecording
	s.metaDirty = true
	return s.flushLocked(ctx)
}

// Complete finalizes the store. An open pause is closed at the same instant.
func (s *Store) Complete(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutableLocked("complete"); err != nil {
		return err
	}
	at = s.boundaryLocked(at)
	if s.meta.State == StatePaused {
		s.closePauseLocked(at)
		at = s.meta.Pauses[len(s.meta.Pauses)-1].End
	}
	s.meta.CompletedAt = at
	s.meta.State = StateCompleted
	s.metaDirty = true
	return s.flushLocked(ctx)
}

// Flush retries any writes that previously failed.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return nil
	}
	return s.flushLocked(ctx)
}

// Discard removes the session from the backend. The store is unusable afterwards.
func (s *Store) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return fmt.Errorf("%w: session already discarded", ErrInvalidStateTransition)
	}
	s.discarded = true
	if err := s.backend.DeleteSession(ctx, s.meta.SessionID); err != nil {
		return &PersistenceError{Op: "discard", SessionID: s.meta.SessionID, Err: err}
	}
	return nil
}

// ActiveDuration is the elapsed time from start to completion (or now) minus
// every paused interval.
func (s *Store) ActiveDuration(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ActiveDuration(s.meta, now)
}

// ActiveDuration computes the active time of a session record.
func ActiveDuration(meta Meta, now time.Time) time.Duration {
	end := now
	if meta.State == StateCompleted && !meta.CompletedAt.IsZero() {
		end = meta.CompletedAt
	}
	if !end.After(meta.StartedAt) {
		return 0
	}
	active := end.Sub(meta.StartedAt)
	for _, p := range meta.Pauses {
		pauseEnd := p.End
		if p.Open() || pauseEnd.After(end) {
			pauseEnd = end
		}
		if pauseEnd.After(p.Start) {
			active -= pauseEnd.Sub(p.Start)
		}
	}
	if active < 0 {
		return 0
	}
	return active
}

func (s *Store) mutableLocked(op string) error {
	if s.discarded {
		return fmt.Errorf("%w: %s on discarded session", ErrInvalidStateTransition, op)
	}
	if s.meta.State == StateCompleted {
		return fmt.Errorf("%w: %s on completed session", ErrInvalidStateTransition, op)
	}
	return nil
}

// boundaryLocked clamps a state boundary so it is not earlier than the start
// of the session or the last stored fix.
func (s *Store) boundaryLocked(at time.Time) time.Time {
	floor := s.meta.StartedAt
	if n := len(s.fixes); n > 0 && s.fixes[n-1].RecordedAt.After(floor) {
		floor = s.fixes[n-1].RecordedAt
	}
	if at.Before(floor) {
		return floor
	}
	return at
}

// floorLocked is the time a new fix must be after: the later of the last
// stored fix and the end of the last closed pause.
func (s *Store) floorLocked() (time.Time, bool) {
	var floor time.Time
	ok := false
	if n := len(s.fixes); n > 0 {
		floor, ok = s.fixes[n-1].RecordedAt, true
	}
	if n := len(s.meta.Pauses); n > 0 {
		if end := s.meta.Pauses[n-1].End; !end.IsZero() && (!ok || end.After(floor)) {
			floor, ok = end, true
		}
	}
	return floor, ok
}

func (s *Store) closePauseLocked(at time.Time) {
	i := len(s.meta.Pauses) - 1
	if at.Before(s.meta.Pauses[i].Start) {
		at = s.meta.Pauses[i].Start
	}
	s.meta.Pauses[i].End = at
}

func (s *Store) flushLocked(ctx context.Context) error {
	id := s.meta.SessionID
	if !s.created {
		if err := s.backend.CreateSession(ctx, s.meta.clone()); err != nil {
			return &PersistenceError{Op: "create", SessionID: id, Err: err}
		}
		s.created = true
	}
	if s.flushed < len(s.fixes) {
		pending := append([]Fix(nil), s.fixes[s.flushed:]...)
		if err := s.backend.AppendFixes(ctx, id, pending); err != nil {
			return &PersistenceError{Op: "append", SessionID: id, Err: err}
		}
		s.flushed = len(s.fixes)
	}
	if s.metaDirty {
		if err := s.backend.SaveMeta(ctx, s.meta.clone()); err != nil {
			return &PersistenceError{Op: "save", SessionID: id, Err: err}
		}
		s.metaDirty = false
	}
	return nil
}
