// Package stats derives trip statistics from a fix log.
//
// The incremental Accumulator and Recompute share one update path, so a
// statistic replayed from the stored log matches the live one exactly.
package stats

import (
	"math"
	"time"

	"hiketrack/internal/shared/geo"
	"hiketrack/internal/track"

	"gonum.org/v1/gonum/stat"
)

type Config struct {
	// MaxPlausibleSpeedMps is the ceiling on the implied speed between two
	// fixes. Faster hops are treated as GPS glitches.
	MaxPlausibleSpeedMps float64
	// SmoothingWindow is the number of altitude readings in the trailing
	// moving average used for elevation gain and loss.
	SmoothingWindow int
}

func DefaultConfig() Config {
	return Config{
		MaxPlausibleSpeedMps: 12,
		SmoothingWindow:      3,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxPlausibleSpeedMps <= 0 {
		c.MaxPlausibleSpeedMps = d.MaxPlausibleSpeedMps
	}
	if c.SmoothingWindow <= 0 {
		c.SmoothingWindow = d.SmoothingWindow
	}
	return c
}

type TripStatistics struct {
	DistanceM       float64       `json:"distance_m"`
	ActiveDuration  time.Duration `json:"active_duration_ns"`
	ElevationGainM  float64       `json:"elevation_gain_m"`
	ElevationLossM  float64       `json:"elevation_loss_m"`
	MinAltitudeM    float64       `json:"min_altitude_m"`
	MaxAltitudeM    float64       `json:"max_altitude_m"`
	HasAltitude     bool          `json:"has_altitude"`
	AverageSpeedMps float64       `json:"average_speed_mps"`
	MaxSpeedMps     float64       `json:"max_speed_mps"`
	CurrentSpeedMps float64       `json:"current_speed_mps"`

	FixCount        int `json:"fix_count"`
	AcceptedCount   int `json:"accepted_count"`
	GlitchCount     int `json:"glitch_count"`
	LowQualityCount int `json:"low_quality_count"`
	PausedCount     int `json:"paused_count"`
}

// PaceSecondsPerKm is the average pace, zero when nothing has been covered.
func (s TripStatistics) PaceSecondsPerKm() float64 {
	if s.AverageSpeedMps <= 0 {
		return 0
	}
	return 1000 / s.AverageSpeedMps
}

// Accumulator is not safe for concurrent use; the session engine serialises
// access to it.
type Accumulator struct {
	cfg Config

	distance     float64
	gain         float64
	loss         float64
	maxSpeed     float64
	currentSpeed float64
	minAlt       float64
	maxAlt       float64
	hasAlt       bool

	fixes      int
	accepted   int
	glitches   int
	lowQuality int
	paused     int

	anchor    track.Fix
	hasAnchor bool
	prevSeen  time.Time
	hasSeen   bool

	window      []float64
	smoothed    float64
	hasSmoothed bool
}

func New(cfg Config) *Accumulator {
	cfg = cfg.normalized()
	return &Accumulator{cfg: cfg, window: make([]float64, 0, cfg.SmoothingWindow)}
}

// Update folds one fix into the running totals. pauses are the store's pause
// intervals at the time of the call.
func (a *Accumulator) Update(fix track.Fix, pauses []track.Interval) {
	a.fixes++
	for _, p := range pauses {
		if p.Contains(fix.RecordedAt) {
			a.paused++
			return
		}
	}
	if a.hasSeen && pausedBetween(a.prevSeen, fix.RecordedAt, pauses) {
		a.breakSegment()
	}
	a.prevSeen, a.hasSeen = fix.RecordedAt, true

	if fix.LowQuality || !fix.Valid() {
		a.lowQuality++
		return
	}
	if alt, ok := fix.Altitude(); ok {
		a.addAltitude(alt)
	}

	if !a.hasAnchor {
		a.anchor, a.hasAnchor = fix, true
		a.accepted++
		return
	}
	dt := fix.RecordedAt.Sub(a.anchor.RecordedAt).Seconds()
	if dt <= 0 {
		a.glitches++
		return
	}
	d := geo.Distance(a.anchor.Coordinate(), fix.Coordinate())
	v := d / dt
	if v > a.cfg.MaxPlausibleSpeedMps {
		a.glitches++
		return
	}
	a.distance += d
	a.currentSpeed = v
	if v > a.maxSpeed {
		a.maxSpeed = v
	}
	a.anchor = fix
	a.accepted++
}

func (a *Accumulator) addAltitude(alt float64) {
	if !a.hasAlt {
		a.minAlt, a.maxAlt, a.hasAlt = alt, alt, true
	} else {
		a.minAlt = math.Min(a.minAlt, alt)
		a.maxAlt = math.Max(a.maxAlt, alt)
	}

	if len(a.window) == a.cfg.SmoothingWindow {
		copy(a.window, a.window[1:])
		a.window = a.window[:len(a.window)-1]
	}
	a.window = append(a.window, alt)
	smoothed := stat.Mean(a.window, nil)
	if a.hasSmoothed {
		if delta := smoothed - a.smoothed; delta > 0 {
			a.gain += delta
		} else {
			a.loss -= delta
		}
	}
	a.smoothed, a.hasSmoothed = smoothed, true
}

// breakSegment stops distance and elevation from bridging a pause.
func (a *Accumulator) breakSegment() {
	a.hasAnchor = false
	a.currentSpeed = 0
	a.window = a.window[:0]
	a.hasSmoothed = false
}

func pausedBetween(prev, next time.Time, pauses []track.Interval) bool {
	for i := len(pauses) - 1; i >= 0; i-- {
		start := pauses[i].Start
		if start.Before(prev) {
			return false
		}
		if start.Before(next) {
			return true
		}
	}
	return false
}

// Snapshot returns the statistics so far for the given active duration.
func (a *Accumulator) Snapshot(active time.Duration) TripStatistics {
	s := TripStatistics{
		DistanceM:       a.distance,
		ActiveDuration:  active,
		ElevationGainM:  a.gain,
		ElevationLossM:  a.loss,
		MaxSpeedMps:     a.maxSpeed,
		CurrentSpeedMps: a.currentSpeed,
		FixCount:        a.fixes,
		AcceptedCount:   a.accepted,
		GlitchCount:     a.glitches,
		LowQualityCount: a.lowQuality,
		PausedCount:     a.paused,
	}
	if a.hasAlt {
		s.MinAltitudeM, s.MaxAltitudeM, s.HasAltitude = a.minAlt, a.maxAlt, true
	}
	if secs := active.Seconds(); secs > 0 {
		s.AverageSpeedMps = a.distance / secs
	}
	return s
}

// Recompute derives statistics from scratch over an ordered fix log.
func Recompute(cfg Config, fixes []track.Fix, pauses []track.Interval, active time.Duration) TripStatistics {
	a := New(cfg)
	for _, f := range fixes {
		a.Update(f, pauses)
	}
	return a.Snapshot(active)
}

// RecomputeStore is Recompute over a store's current contents.
func RecomputeStore(cfg Config, s *track.Store, now time.Time) TripStatistics {
	return Recompute(cfg, s.Fixes(), s.Pauses(), s.ActiveDuration(now))
}
