package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"hiketrack/internal/anomaly"
	"hiketrack/internal/playback"
	"hiketrack/internal/session"
	"hiketrack/internal/shared/geo"
	"hiketrack/internal/stats"
	"hiketrack/internal/stream"
	"hiketrack/internal/track"

	"github.com/google/uuid"
)

var (
	ErrShareNotFound   = errors.New("tracking: share not found")
	ErrUnknownDetector = errors.New("tracking: unknown detector")
	ErrNoAnomaly       = errors.New("tracking: no anomaly reported")
	ErrSessionActive   = errors.New("tracking: session is already live")
)

// RouteSource resolves a planned route id to its polyline.
type RouteSource interface {
	Path(ctx context.Context, id string) ([]geo.Coordinate, error)
}

// Notifier turns anomaly events into outbound notifications.
type Notifier interface {
	Handler(recipients []string) func(anomaly.Event)
}

// ContactBook supplies default anomaly recipients for a hiker.
type ContactBook interface {
	EmergencyContacts(ctx context.Context, hikerID string) ([]string, error)
}

type Option func(*Service)

func WithHub(h *stream.Hub) Option              { return func(s *Service) { s.hub = h } }
func WithNotifier(n Notifier) Option            { return func(s *Service) { s.notifier = n } }
func WithRoutes(r RouteSource) Option           { return func(s *Service) { s.routes = r } }
func WithContacts(c ContactBook) Option         { return func(s *Service) { s.contacts = c } }
func WithStatsConfig(c stats.Config) Option     { return func(s *Service) { s.statsCfg = c } }
func WithAnomalyConfig(c anomaly.Config) Option { return func(s *Service) { s.anomalyCfg = c } }
func WithStoreOptions(o track.Options) Option   { return func(s *Service) { s.storeOpts = o } }
func WithClock(now func() time.Time) Option     { return func(s *Service) { s.now = now } }

// Service keeps the live sessions and location shares of this process.
type Service struct {
	backend    track.Backend
	hub        *stream.Hub
	notifier   Notifier
	routes     RouteSource
	contacts   ContactBook
	statsCfg   stats.Config
	anomalyCfg anomaly.Config
	storeOpts  track.Options
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*live
	shares   map[string]*share
}

type live struct {
	engine  *session.Engine
	monitor *anomaly.Monitor
	userID  string
	routeID string
	stop    []func()
	wg      sync.WaitGroup
	once    sync.Once
}

type share struct {
	mu      sync.Mutex
	info    Share
	monitor *anomaly.Monitor
	acc     *stats.Accumulator
	last    time.Time
	seq     int
}

func NewService(backend track.Backend, opts ...Option) *Service {
	s := &Service{
		backend:    backend,
		statsCfg:   stats.DefaultConfig(),
		anomalyCfg: anomaly.DefaultConfig(),
		now:        time.Now,
		sessions:   map[string]*live{},
		shares:     map[string]*share{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) routePath(ctx context.Context, routeID string) ([]geo.Coordinate, error) {
	if routeID == "" {
		return nil, nil
	}
	if s.routes == nil {
		return nil, fmt.Errorf("tracking: route %s requested but no route store configured", routeID)
	}
	return s.routes.Path(ctx, routeID)
}

// recipients falls back to the hiker's emergency contacts when the request
// names nobody.
func (s *Service) recipients(ctx context.Context, userID string, explicit []string) []string {
	if len(explicit) > 0 || s.contacts == nil || userID == "" {
		return explicit
	}
	contacts, err := s.contacts.EmergencyContacts(ctx, userID)
	if err != nil {
		log.Printf("emergency contacts for %s: %v", userID, err)
		return nil
	}
	return contacts
}

func (s *Service) newEngine() *session.Engine {
	return session.New(s.backend,
		session.WithClock(s.now),
		session.WithStatsConfig(s.statsCfg),
		session.WithStoreOptions(s.storeOpts),
	)
}

func (s *Service) handler(recipients []string) func(anomaly.Event) {
	var notify func(anomaly.Event)
	if s.notifier != nil {
		notify = s.notifier.Handler(recipients)
	}
	return func(ev anomaly.Event) {
		log.Printf("anomaly %s/%s session=%s: %s", ev.Detector, ev.Severity, ev.SessionID, ev.Message)
		if notify != nil {
			notify(ev)
		}
	}
}

// attach wires a monitor and the stream relay to a started engine.
func (s *Service) attach(l *live, id string, path []geo.Coordinate, recipients []string) {
	l.monitor = anomaly.New(s.anomalyCfg, anomaly.WithSessionID(id), anomaly.WithRoute(path))

	// The monitor sees every update in ingest order. Only the stream relay
	// below may drop frames for a slow consumer.
	handle := s.handler(recipients)
	l.stop = append(l.stop, l.engine.Observe(func(u session.Update) {
		for _, ev := range l.monitor.Observe(u) {
			handle(ev)
		}
	}))

	if s.hub == nil {
		return
	}
	relay, cancelRelay := l.engine.Subscribe(64)
	l.stop = append(l.stop, cancelRelay)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for u := range relay {
			typ := stream.TypeState
			if u.Kind == session.UpdateFix {
				typ = stream.TypeFix
			}
			if err := s.hub.Publish(u.SessionID, typ, u.At, u); err != nil {
				log.Printf("stream publish session=%s: %v", u.SessionID, err)
			}
		}
	}()
}

// detach removes the monitor observer, closes the relay subscription and
// waits for the relay to drain.
func (l *live) detach() {
	l.once.Do(func() {
		for _, stop := range l.stop {
			stop()
		}
		l.wg.Wait()
	})
}

func (s *Service) Start(ctx context.Context, req StartRequest) (Summary, error) {
	path, err := s.routePath(ctx, req.RouteID)
	if err != nil {
		return Summary{}, err
	}
	l := &live{engine: s.newEngine(), userID: req.UserID, routeID: req.RouteID}
	id, err := l.engine.Start(ctx, session.StartOptions{ActivityID: req.ActivityID})
	if id == "" {
		return Summary{}, err
	}
	s.attach(l, id, path, s.recipients(ctx, req.UserID, req.Recipients))

	s.mu.Lock()
	s.sessions[id] = l
	s.mu.Unlock()
	return s.summarize(l), err
}

func (s *Service) lookup(id string) (*live, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", track.ErrSessionNotFound, id)
	}
	return l, nil
}

func (s *Service) Ingest(ctx context.Context, id string, p TrackPoint) (track.Fix, error) {
	l, err := s.lookup(id)
	if err != nil {
		return track.Fix{}, err
	}
	return l.engine.Ingest(ctx, p.Fix(s.now()))
}

func (s *Service) Pause(ctx context.Context, id string) (Summary, error) {
	l, err := s.lookup(id)
	if err != nil {
		return Summary{}, err
	}
	err = l.engine.Pause(ctx)
	if err != nil && !isPersistence(err) {
		return Summary{}, err
	}
	return s.summarize(l), err
}

func (s *Service) Resume(ctx context.Context, id string) (Summary, error) {
	l, err := s.lookup(id)
	if err != nil {
		return Summary{}, err
	}
	err = l.engine.Resume(ctx)
	if err != nil && !isPersistence(err) {
		return Summary{}, err
	}
	return s.summarize(l), err
}

// Stop completes the session. It stays registered so its summary, points and
// playback remain served from memory.
func (s *Service) Stop(ctx context.Context, id string) (session.Trip, error) {
	l, err := s.lookup(id)
	if err != nil {
		return session.Trip{}, err
	}
	trip, err := l.engine.Stop(ctx)
	if err != nil && !isPersistence(err) {
		return session.Trip{}, err
	}
	l.detach()
	return trip, err
}

// Discard drops a live session and its stored track.
func (s *Service) Discard(ctx context.Context, id string) error {
	l, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := l.engine.Discard(ctx); err != nil && !isPersistence(err) {
		return err
	} else if err != nil {
		log.Printf("discard session=%s: %v", id, err)
	}
	l.detach()

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// Recover brings an interrupted session back under this process in the state
// it was left in.
func (s *Service) Recover(ctx context.Context, id string, req StartRequest) (Summary, error) {
	s.mu.Lock()
	if l, ok := s.sessions[id]; ok && l.engine.CurrentState() != session.StateCompleted {
		s.mu.Unlock()
		return Summary{}, fmt.Errorf("%w: %s", ErrSessionActive, id)
	}
	s.mu.Unlock()

	path, err := s.routePath(ctx, req.RouteID)
	if err != nil {
		return Summary{}, err
	}
	l := &live{engine: s.newEngine(), userID: req.UserID, routeID: req.RouteID}
	if _, err := l.engine.Recover(ctx, id); err != nil {
		return Summary{}, err
	}
	s.attach(l, id, path, s.recipients(ctx, req.UserID, req.Recipients))

	s.mu.Lock()
	s.sessions[id] = l
	s.mu.Unlock()
	return s.summarize(l), nil
}

// Recoverable lists stored sessions that were left recording or paused and
// are not live in this process.
func (s *Service) Recoverable(ctx context.Context) ([]string, error) {
	ids, err := s.backend.ListOpen(ctx)
	if err != nil {
		return nil, &track.PersistenceError{Op: "list", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.sessions[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Service) summarize(l *live) Summary {
	store := l.engine.Store()
	meta := store.Meta()
	snap := l.engine.CurrentStatistics()
	return Summary{
		SessionID:   meta.SessionID,
		ActivityID:  meta.ActivityID,
		UserID:      l.userID,
		RouteID:     l.routeID,
		State:       l.engine.CurrentState(),
		StartedAt:   meta.StartedAt,
		CompletedAt: meta.CompletedAt,
		PointCount:  store.Len(),
		PauseCount:  len(meta.Pauses),
		Stats:       snap,
		PaceSecKm:   snap.PaceSecondsPerKm(),
		Anomalies:   l.monitor.LatestEvents(),
	}
}

// stored loads a session that is not live from the backend.
func (s *Service) stored(ctx context.Context, id string) (*track.Store, error) {
	store, err := track.Load(ctx, s.backend, id, s.storeOpts)
	if errors.Is(err, track.ErrSessionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &track.PersistenceError{Op: "load", SessionID: id, Err: err}
	}
	return store, nil
}

// Summary serves live sessions from memory and falls back to the stored
// track, recomputing its statistics.
func (s *Service) Summary(ctx context.Context, id string) (Summary, error) {
	if l, err := s.lookup(id); err == nil {
		return s.summarize(l), nil
	}
	store, err := s.stored(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	meta := store.Meta()
	snap := stats.RecomputeStore(s.statsCfg, store, s.now())
	return Summary{
		SessionID:   meta.SessionID,
		ActivityID:  meta.ActivityID,
		State:       session.State(meta.State),
		StartedAt:   meta.StartedAt,
		CompletedAt: meta.CompletedAt,
		PointCount:  store.Len(),
		PauseCount:  len(meta.Pauses),
		Stats:       snap,
		PaceSecKm:   snap.PaceSecondsPerKm(),
		Anomalies:   []anomaly.Event{},
	}, nil
}

func (s *Service) trackStore(ctx context.Context, id string) (*track.Store, error) {
	if l, err := s.lookup(id); err == nil {
		return l.engine.Store(), nil
	}
	return s.stored(ctx, id)
}

func (s *Service) Points(ctx context.Context, id string) ([]track.Fix, error) {
	store, err := s.trackStore(ctx, id)
	if err != nil {
		return nil, err
	}
	return store.Fixes(), nil
}

func (s *Service) Anomaly(id, detector string) (anomaly.Event, error) {
	l, err := s.lookup(id)
	if err != nil {
		return anomaly.Event{}, err
	}
	return latest(l.monitor, detector)
}

func latest(m *anomaly.Monitor, detector string) (anomaly.Event, error) {
	known := false
	for _, d := range m.Detectors() {
		known = known || d == detector
	}
	if !known {
		return anomaly.Event{}, fmt.Errorf("%w: %s", ErrUnknownDetector, detector)
	}
	ev, ok := m.LatestEvent(detector)
	if !ok {
		return anomaly.Event{}, ErrNoAnomaly
	}
	return ev, nil
}

func (s *Service) player(ctx context.Context, id string) (*playback.Engine, error) {
	store, err := s.trackStore(ctx, id)
	if err != nil {
		return nil, err
	}
	return playback.New(store)
}

func frame(p *playback.Engine, c playback.Cursor) Frame {
	return Frame{Cursor: c, Fix: p.Fix(c), Duration: p.Duration(), Samples: p.Len()}
}

func (s *Service) Seek(ctx context.Context, id string, progress float64) (Frame, error) {
	p, err := s.player(ctx, id)
	if err != nil {
		return Frame{}, err
	}
	return frame(p, p.Seek(progress)), nil
}

func (s *Service) Advance(ctx context.Context, id string, req AdvanceRequest) (Frame, error) {
	p, err := s.player(ctx, id)
	if err != nil {
		return Frame{}, err
	}
	c := p.Advance(req.Cursor, millis(req.ElapsedMs), req.Speed)
	return frame(p, c), nil
}

// millis converts a client supplied millisecond count, saturating instead of
// overflowing.
func millis(ms int64) time.Duration {
	const limit = math.MaxInt64 / int64(time.Millisecond)
	switch {
	case ms > limit:
		return math.MaxInt64
	case ms < -limit:
		return math.MinInt64
	}
	return time.Duration(ms) * time.Millisecond
}

// ShareLocation opens a location share: anomaly monitoring on a stream of
// positions without a recorded session behind it.
func (s *Service) ShareLocation(ctx context.Context, req ShareRequest) (Share, error) {
	path, err := s.routePath(ctx, req.RouteID)
	if err != nil {
		return Share{}, err
	}
	info := Share{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		RouteID:    req.RouteID,
		Recipients: s.recipients(ctx, req.UserID, req.Recipients),
		StartedAt:  s.now(),
	}
	sh := &share{
		info:    info,
		monitor: anomaly.New(s.anomalyCfg, anomaly.WithSessionID(info.ID), anomaly.WithRoute(path)),
		acc:     stats.New(s.statsCfg),
	}
	s.mu.Lock()
	s.shares[info.ID] = sh
	s.mu.Unlock()
	return info, nil
}

func (s *Service) lookupShare(id string) (*share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shares[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShareNotFound, id)
	}
	return sh, nil
}

// SharePoint evaluates one shared position and returns the anomalies it
// fired. Timestamps must increase just like in a recorded session.
func (s *Service) SharePoint(id string, p TrackPoint) (ShareResult, error) {
	sh, err := s.lookupShare(id)
	if err != nil {
		return ShareResult{}, err
	}
	fix := p.Fix(s.now())
	if !fix.Valid() {
		return ShareResult{}, track.ErrInvalidFix
	}
	fix.LowQuality = s.storeOpts.LowQuality(fix)

	sh.mu.Lock()
	if !sh.last.IsZero() && !fix.RecordedAt.After(sh.last) {
		sh.mu.Unlock()
		return ShareResult{}, track.ErrOutOfOrderTimestamp
	}
	fix.Seq = sh.seq
	sh.seq++
	sh.last = fix.RecordedAt
	sh.acc.Update(fix, nil)
	snap := sh.acc.Snapshot(fix.RecordedAt.Sub(sh.info.StartedAt))
	// Detectors must see the share's fixes in timestamp order.
	events := sh.monitor.Evaluate(fix, snap, session.StateRecording)
	handle := s.handler(sh.info.Recipients)
	for _, ev := range events {
		handle(ev)
	}
	sh.mu.Unlock()

	if s.hub != nil {
		if err := s.hub.Publish(id, stream.TypeFix, fix.RecordedAt, fix); err != nil {
			log.Printf("stream publish share=%s: %v", id, err)
		}
	}
	if events == nil {
		events = []anomaly.Event{}
	}
	return ShareResult{Fix: fix, Anomalies: events}, nil
}

func (s *Service) ShareAnomaly(id, detector string) (anomaly.Event, error) {
	sh, err := s.lookupShare(id)
	if err != nil {
		return anomaly.Event{}, err
	}
	return latest(sh.monitor, detector)
}

func (s *Service) StopShare(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shares[id]; !ok {
		return fmt.Errorf("%w: %s", ErrShareNotFound, id)
	}
	delete(s.shares, id)
	return nil
}

// Close detaches every live session. Stored state is left as is so the
// sessions can be recovered by the next process.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := make([]*live, 0, len(s.sessions))
	for _, l := range s.sessions {
		sessions = append(sessions, l)
	}
	s.sessions = map[string]*live{}
	s.shares = map[string]*share{}
	s.mu.Unlock()

	for _, l := range sessions {
		l.detach()
	}
}

func isPersistence(err error) bool {
	var perr *track.PersistenceError
	return errors.As(err, &perr)
}
