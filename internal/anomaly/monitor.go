// Package anomaly evaluates a fix stream for safety conditions: a hiker who
// stopped moving, implausible speed, leaving the planned route and sudden
// drops in altitude.
//
// Evaluation is synchronous and does no I/O. Events are handed to the caller,
// which owns delivery.
package anomaly

import (
	"context"
	"sort"
	"sync"
	"time"

	"hiketrack/internal/observability"
	"hiketrack/internal/session"
	"hiketrack/internal/shared/geo"
	"hiketrack/internal/stats"
	"hiketrack/internal/track"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Event struct {
	Detector   string    `json:"detector"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
	Fix        track.Fix `json:"fix"`
	SessionID  string    `json:"session_id,omitempty"`
}

// Config holds the detector thresholds. Durations are measured on fix
// timestamps, not on the wall clock.
type Config struct {
	StationaryRadiusM       float64
	StationaryAfter         time.Duration
	StationaryEscalateAfter time.Duration

	SpeedMinMps      float64
	SpeedMaxMps      float64
	SpeedConsecutive int

	OffRouteThresholdM float64
	OffRouteFarM       float64
	OffRouteAfter      time.Duration

	DescentDropM  float64
	DescentWindow time.Duration

	// Cooldown is the minimum gap between two firings of one detector while
	// its condition persists.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		StationaryRadiusM:       20,
		StationaryAfter:         20 * time.Minute,
		StationaryEscalateAfter: 45 * time.Minute,
		SpeedMinMps:             0,
		SpeedMaxMps:             4,
		SpeedConsecutive:        3,
		OffRouteThresholdM:      50,
		OffRouteFarM:            200,
		OffRouteAfter:           2 * time.Minute,
		DescentDropM:            15,
		DescentWindow:           10 * time.Second,
		Cooldown:                30 * time.Minute,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.StationaryRadiusM <= 0 {
		c.StationaryRadiusM = d.StationaryRadiusM
	}
	if c.StationaryAfter <= 0 {
		c.StationaryAfter = d.StationaryAfter
	}
	if c.SpeedMaxMps <= 0 {
		c.SpeedMaxMps = d.SpeedMaxMps
	}
	if c.SpeedConsecutive <= 0 {
		c.SpeedConsecutive = d.SpeedConsecutive
	}
	if c.OffRouteThresholdM <= 0 {
		c.OffRouteThresholdM = d.OffRouteThresholdM
	}
	if c.DescentDropM <= 0 {
		c.DescentDropM = d.DescentDropM
	}
	if c.DescentWindow <= 0 {
		c.DescentWindow = d.DescentWindow
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	return c
}

// guard tracks one detector's firing so a persistent condition does not
// flood the caller.
type guard struct {
	firing  bool
	firedAt time.Time
}

func (g *guard) allow(r reading, at time.Time, cooldown time.Duration) bool {
	if !r.active {
		g.firing = false
		return false
	}
	if g.firing && at.Sub(g.firedAt) < cooldown {
		return false
	}
	g.firing, g.firedAt = true, at
	return true
}

type Option func(*Monitor)

// WithSessionID stamps emitted events with a session or share id.
func WithSessionID(id string) Option {
	return func(m *Monitor) { m.sessionID = id }
}

// WithRoute attaches a reference route at construction.
func WithRoute(route []geo.Coordinate) Option {
	return func(m *Monitor) { m.route = append([]geo.Coordinate(nil), route...) }
}

type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	sessionID string
	route     []geo.Coordinate
	detectors []detector
	guards    map[string]*guard
	latest    map[string]Event
}

func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg.normalized(),
		guards: map[string]*guard{},
		latest: map[string]Event{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.detectors = []detector{
		&stationaryDetector{cfg: &m.cfg},
		&speedDetector{cfg: &m.cfg},
		&offRouteDetector{cfg: &m.cfg, route: func() []geo.Coordinate { return m.route }},
		&descentDetector{cfg: &m.cfg},
	}
	for _, d := range m.detectors {
		m.guards[d.name()] = &guard{}
	}
	return m
}

// SetRoute replaces the reference route. An empty route disables off-route
// detection.
func (m *Monitor) SetRoute(route []geo.Coordinate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.route = append([]geo.Coordinate(nil), route...)
	for _, d := range m.detectors {
		if d.name() == DetectorOffRoute {
			d.reset()
		}
	}
}

// Evaluate runs every detector against fix and returns the events that
// fired. It never fails: a fix with unusable coordinates yields nothing.
func (m *Monitor) Evaluate(fix track.Fix, snap stats.TripStatistics, state session.State) []Event {
	if !fix.Valid() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []Event
	for _, d := range m.detectors {
		r, ok := d.observe(fix, snap, state)
		if !ok {
			continue
		}
		if !m.guards[d.name()].allow(r, fix.RecordedAt, m.cfg.Cooldown) {
			continue
		}
		ev := Event{
			Detector:   d.name(),
			Severity:   r.severity,
			Message:    r.message,
			DetectedAt: fix.RecordedAt,
			Fix:        fix,
			SessionID:  m.sessionID,
		}
		m.latest[ev.Detector] = ev
		observability.RecordAnomaly(ev.Detector, string(ev.Severity))
		events = append(events, ev)
	}
	return events
}

// Reset clears rolling detector state, for instance across a pause. Cooldown
// bookkeeping and latest events are kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.detectors {
		d.reset()
	}
}

// Observe handles one session update: fixes are evaluated and a move out of
// recording resets the rolling detector state. It suits Engine.Observe,
// which delivers every update.
func (m *Monitor) Observe(u session.Update) []Event {
	switch u.Kind {
	case session.UpdateFix:
		return m.Evaluate(u.Fix, u.Stats, u.State)
	case session.UpdateState:
		if u.State != session.StateRecording {
			m.Reset()
		}
	}
	return nil
}

// Attach runs Observe over a subscription and passes fired events to handler.
// It returns when ctx is done or the stream closes; run it in its own
// goroutine. A buffered subscription may drop updates under load; use
// Engine.Observe where every fix must be evaluated.
func (m *Monitor) Attach(ctx context.Context, updates <-chan session.Update, handler func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			for _, ev := range m.Observe(u) {
				if handler != nil {
					handler(ev)
				}
			}
		}
	}
}

func (m *Monitor) LatestEvent(detector string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.latest[detector]
	return ev, ok
}

// LatestEvents returns the most recent event of every detector that has
// fired, most severe first.
func (m *Monitor) LatestEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.latest))
	for _, ev := range m.latest {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := rank(out[i].Severity), rank(out[j].Severity); ri != rj {
			return ri > rj
		}
		return out[i].Detector < out[j].Detector
	})
	return out
}

func rank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Detectors lists the detector names in evaluation order.
func (m *Monitor) Detectors() []string {
	names := make([]string, len(m.detectors))
	for i, d := range m.detectors {
		names[i] = d.name()
	}
	return names
}
