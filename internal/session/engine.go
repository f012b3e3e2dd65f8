// Package session runs the recording state machine of one hike: it owns a
// track store and a statistics accumulator and serialises every ingest and
// transition through a single mutex.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"hiketrack/internal/observability"
	"hiketrack/internal/stats"
	"hiketrack/internal/track"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = State(track.StateRecording)
	StatePaused    State = State(track.StatePaused)
	StateCompleted State = State(track.StateCompleted)
)

var (
	ErrNotRecording         = errors.New("session: not recording")
	ErrNoRecoverableSession = errors.New("session: no recoverable session")
)

// Provider delivers location fixes at its own cadence. A closed channel ends
// the provider; silence is just no new data.
type Provider interface {
	Fixes() <-chan track.Fix
}

// ChannelProvider adapts a plain channel into a Provider.
type ChannelProvider chan track.Fix

func (c ChannelProvider) Fixes() <-chan track.Fix { return c }

type StartOptions struct {
	ActivityID string
	// SessionID overrides the generated id. Used when the caller already
	// allocated one.
	SessionID string
}

// Trip is the frozen record produced by Stop.
type Trip struct {
	SessionID   string               `json:"session_id"`
	ActivityID  string               `json:"activity_id,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
	Stats       stats.TripStatistics `json:"stats"`
	Fixes       []track.Fix          `json:"fixes"`
	Pauses      []track.Interval     `json:"pauses"`
}

type Option func(*Engine)

func WithProvider(p Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithClock replaces time.Now for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithStatsConfig(cfg stats.Config) Option {
	return func(e *Engine) { e.statsCfg = cfg }
}

func WithStoreOptions(opts track.Options) Option {
	return func(e *Engine) { e.storeOpts = opts }
}

type Engine struct {
	mu        sync.Mutex
	backend   track.Backend
	provider  Provider
	now       func() time.Time
	statsCfg  stats.Config
	storeOpts track.Options

	state  State
	store  *track.Store
	acc    *stats.Accumulator
	frozen stats.TripStatistics

	subsMu    sync.Mutex
	subs      map[int]chan Update
	observers map[int]func(Update)
	nextSub   int
}

func New(backend track.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:   backend,
		now:       time.Now,
		statsCfg:  stats.DefaultConfig(),
		state:     StateIdle,
		subs:      map[int]chan Update{},
		observers: map[int]func(Update){},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID is empty until a session is started or recovered.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return ""
	}
	return e.store.SessionID()
}

// Store returns the current (or last completed) track store, nil when idle.
func (e *Engine) Store() *track.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store
}

// CurrentStatistics is a point-in-time snapshot. After Stop it returns the
// frozen trip statistics.
func (e *Engine) CurrentStatistics() stats.TripStatistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() stats.TripStatistics {
	switch {
	case e.store == nil:
		return stats.TripStatistics{}
	case e.state == StateCompleted:
		return e.frozen
	default:
		return e.acc.Snapshot(e.store.ActiveDuration(e.now()))
	}
}

// Start opens a new recording session and returns its id.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle && e.state != StateCompleted {
		return "", fmt.Errorf("%w: start while %s", track.ErrInvalidStateTransition, e.state)
	}
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	store, err := track.Create(ctx, e.backend, track.Meta{
		SessionID:  id,
		ActivityID: opts.ActivityID,
		StartedAt:  e.now(),
	}, e.storeOpts)
	e.store = store
	e.acc = stats.New(e.statsCfg)
	e.frozen = stats.TripStatistics{}
	e.transitionLocked(StateRecording)
	return id, e.persistErr(err)
}

// Ingest appends one fix. The stored fix (with its sequence number and
// quality tag) is returned even when only persistence failed.
func (e *Engine) Ingest(ctx context.Context, fix track.Fix) (track.Fix, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording {
		observability.RecordFixRejected("not_recording")
		return track.Fix{}, fmt.Errorf("%w: session is %s", ErrNotRecording, e.state)
	}
	stored, err := e.store.Append(ctx, fix)
	var perr *track.PersistenceError
	if err != nil && !errors.As(err, &perr) {
		observability.RecordFixRejected(rejectReason(err))
		return track.Fix{}, err
	}
	observability.RecordFixIngested()

	e.acc.Update(stored, e.store.Pauses())
	e.publish(Update{
		Kind:      UpdateFix,
		State:     e.state,
		SessionID: e.store.SessionID(),
		Fix:       stored,
		Stats:     e.snapshotLocked(),
		At:        stored.RecordedAt,
	})
	return stored, e.persistErr(err)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, track.ErrOutOfOrderTimestamp):
		return "out_of_order"
	case errors.Is(err, track.ErrInvalidFix):
		return "invalid"
	default:
		return "other"
	}
}

func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording {
		return fmt.Errorf("%w: pause while %s", track.ErrInvalidStateTransition, e.state)
	}
	err := e.store.MarkPaused(ctx, e.now())
	if err = e.persistErr(err); err != nil && !isPersistence(err) {
		return err
	}
	e.transitionLocked(StatePaused)
	return err
}

func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return fmt.Errorf("%w: resume while %s", track.ErrInvalidStateTransition, e.state)
	}
	err := e.store.MarkResumed(ctx, e.now())
	if err = e.persistErr(err); err != nil && !isPersistence(err) {
		return err
	}
	e.transitionLocked(StateRecording)
	return err
}

// Stop finalizes the session. A second Stop fails and leaves the frozen
// statistics untouched.
func (e *Engine) Stop(ctx context.Context) (Trip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording && e.state != StatePaused {
		return Trip{}, fmt.Errorf("%w: stop while %s", track.ErrInvalidStateTransition, e.state)
	}
	err := e.store.Complete(ctx, e.now())
	if err = e.persistErr(err); err != nil && !isPersistence(err) {
		return Trip{}, err
	}
	meta := e.store.Meta()
	e.frozen = e.acc.Snapshot(track.ActiveDuration(meta, meta.CompletedAt))
	e.transitionLocked(StateCompleted)

	return Trip{
		SessionID:   meta.SessionID,
		ActivityID:  meta.ActivityID,
		StartedAt:   meta.StartedAt,
		CompletedAt: meta.CompletedAt,
		Stats:       e.frozen,
		Fixes:       e.store.Fixes(),
		Pauses:      meta.Pauses,
	}, err
}

// Recover rehydrates an interrupted session in the state it was left in.
func (e *Engine) Recover(ctx context.Context, sessionID string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle && e.state != StateCompleted {
		return e.state, fmt.Errorf("%w: recover while %s", track.ErrInvalidStateTransition, e.state)
	}
	res, err := track.LoadForRecovery(ctx, e.backend, sessionID, e.storeOpts)
	if err != nil {
		return e.state, e.persistErr(err)
	}
	switch r := res.(type) {
	case track.Recoverable:
		e.store = r.Store
		pauses := r.Store.Pauses()
		e.acc = stats.New(e.statsCfg)
		for _, f := range r.Store.Fixes() {
			e.acc.Update(f, pauses)
		}
		e.frozen = stats.TripStatistics{}
		e.transitionLocked(State(r.Interrupted))
		return e.state, nil
	default:
		return e.state, fmt.Errorf("%w: %s", ErrNoRecoverableSession, sessionID)
	}
}

// Discard drops the live session and deletes its stored log.
func (e *Engine) Discard(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording && e.state != StatePaused {
		return fmt.Errorf("%w: discard while %s", track.ErrInvalidStateTransition, e.state)
	}
	err := e.store.Discard(ctx)
	id := e.store.SessionID()
	e.store, e.acc = nil, nil
	e.frozen = stats.TripStatistics{}
	e.state = StateIdle
	observability.RecordTransition(string(StateIdle))
	e.publish(Update{Kind: UpdateState, State: StateIdle, SessionID: id, At: e.now()})
	return e.persistErr(err)
}

// Run feeds the injected provider into Ingest until ctx is done or the
// provider closes. Rejected fixes are logged and dropped.
func (e *Engine) Run(ctx context.Context) error {
	if e.provider == nil {
		return errors.New("session: no provider")
	}
	fixes := e.provider.Fixes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fix, ok := <-fixes:
			if !ok {
				return nil
			}
			if _, err := e.Ingest(ctx, fix); err != nil {
				log.Printf("session %s: fix at %s: %v", e.SessionID(), fix.RecordedAt.Format(time.RFC3339), err)
			}
		}
	}
}

func (e *Engine) transitionLocked(to State) {
	e.state = to
	observability.RecordTransition(string(to))
	e.publish(Update{
		Kind:      UpdateState,
		State:     to,
		SessionID: e.store.SessionID(),
		Stats:     e.snapshotLocked(),
		At:        e.now(),
	})
}

func (e *Engine) persistErr(err error) error {
	var perr *track.PersistenceError
	if errors.As(err, &perr) {
		observability.RecordPersistenceFailure(perr.Op)
	}
	return err
}

func isPersistence(err error) bool {
	var perr *track.PersistenceError
	return errors.As(err, &perr)
}
