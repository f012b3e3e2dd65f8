package anomaly

import (
	"fmt"
	"math"
	"time"

	"hiketrack/internal/session"
	"hiketrack/internal/shared/geo"
	"hiketrack/internal/stats"
	"hiketrack/internal/track"
)

const (
	DetectorStationary   = "stationary"
	DetectorSpeed        = "speed"
	DetectorOffRoute     = "off_route"
	DetectorRapidDescent = "rapid_descent"
)

// reading is one detector's verdict for one fix.
type reading struct {
	active   bool
	severity Severity
	message  string
}

var noReading = reading{}

// detector keeps its own rolling state. observe returns ok=false when the fix
// lacks what the detector needs; the detector's previous verdict then stands.
type detector interface {
	name() string
	observe(fix track.Fix, snap stats.TripStatistics, state session.State) (reading, bool)
	reset()
}

type stationaryDetector struct {
	cfg    *Config
	anchor track.Fix
	has    bool
}

func (d *stationaryDetector) name() string { return DetectorStationary }

func (d *stationaryDetector) reset() { d.has = false }

func (d *stationaryDetector) observe(fix track.Fix, _ stats.TripStatistics, state session.State) (reading, bool) {
	if state != session.StateRecording {
		d.reset()
		return noReading, true
	}
	if fix.LowQuality {
		return noReading, false
	}
	if !d.has || geo.Distance(d.anchor.Coordinate(), fix.Coordinate()) > d.cfg.StationaryRadiusM {
		d.anchor, d.has = fix, true
		return noReading, true
	}
	still := fix.RecordedAt.Sub(d.anchor.RecordedAt)
	if still < d.cfg.StationaryAfter {
		return noReading, true
	}
	sev := SeverityMedium
	if d.cfg.StationaryEscalateAfter > 0 && still >= d.cfg.StationaryEscalateAfter {
		sev = SeverityHigh
	}
	return reading{
		active:   true,
		severity: sev,
		message:  fmt.Sprintf("no movement beyond %.0f m for %s", d.cfg.StationaryRadiusM, still.Round(time.Second)),
	}, true
}

type speedDetector struct {
	cfg     *Config
	prev    track.Fix
	hasPrev bool
	run     int
}

func (d *speedDetector) name() string { return DetectorSpeed }

func (d *speedDetector) reset() {
	d.hasPrev = false
	d.run = 0
}

func (d *speedDetector) observe(fix track.Fix, snap stats.TripStatistics, _ session.State) (reading, bool) {
	if fix.LowQuality {
		return noReading, false
	}
	v, ok := fix.Speed()
	if !ok {
		v, ok = d.derived(fix, snap)
	}
	d.prev, d.hasPrev = fix, true
	if !ok {
		return noReading, false
	}

	if v >= d.cfg.SpeedMinMps && v <= d.cfg.SpeedMaxMps {
		d.run = 0
		return noReading, true
	}
	d.run++
	if d.run < d.cfg.SpeedConsecutive {
		return noReading, true
	}
	return reading{
		active:   true,
		severity: SeverityMedium,
		message: fmt.Sprintf("speed %.1f m/s outside %.1f-%.1f m/s for %d fixes",
			v, d.cfg.SpeedMinMps, d.cfg.SpeedMaxMps, d.run),
	}, true
}

// derived falls back to the hop from the previous fix, or the accumulator's
// current speed when there is no previous fix.
func (d *speedDetector) derived(fix track.Fix, snap stats.TripStatistics) (float64, bool) {
	if !d.hasPrev {
		if snap.AcceptedCount > 1 {
			return snap.CurrentSpeedMps, true
		}
		return 0, false
	}
	dt := fix.RecordedAt.Sub(d.prev.RecordedAt).Seconds()
	if dt <= 0 {
		return 0, false
	}
	return geo.Distance(d.prev.Coordinate(), fix.Coordinate()) / dt, true
}

type offRouteDetector struct {
	cfg   *Config
	route func() []geo.Coordinate
	since time.Time
}

func (d *offRouteDetector) name() string { return DetectorOffRoute }

func (d *offRouteDetector) reset() { d.since = time.Time{} }

func (d *offRouteDetector) observe(fix track.Fix, _ stats.TripStatistics, _ session.State) (reading, bool) {
	route := d.route()
	if len(route) == 0 || fix.LowQuality {
		return noReading, false
	}
	off := geo.DistanceToPolyline(fix.Coordinate(), route)
	if math.IsNaN(off) || off <= d.cfg.OffRouteThresholdM {
		d.since = time.Time{}
		return noReading, true
	}
	if d.since.IsZero() {
		d.since = fix.RecordedAt
	}
	away := fix.RecordedAt.Sub(d.since)
	if away < d.cfg.OffRouteAfter {
		return noReading, true
	}
	sev := SeverityLow
	if d.cfg.OffRouteFarM > 0 && off > d.cfg.OffRouteFarM {
		sev = SeverityMedium
	}
	return reading{
		active:   true,
		severity: sev,
		message:  fmt.Sprintf("%.0f m from the planned route for %s", off, away.Round(time.Second)),
	}, true
}

type altitudeSample struct {
	at  time.Time
	alt float64
}

// descentDetector flags a sudden altitude drop, which on foot usually means a
// fall. It reads altitude regardless of horizontal accuracy.
type descentDetector struct {
	cfg     *Config
	samples []altitudeSample
}

func (d *descentDetector) name() string { return DetectorRapidDescent }

func (d *descentDetector) reset() { d.samples = d.samples[:0] }

func (d *descentDetector) observe(fix track.Fix, _ stats.TripStatistics, _ session.State) (reading, bool) {
	alt, ok := fix.Altitude()
	if !ok {
		return noReading, false
	}
	cutoff := fix.RecordedAt.Add(-d.cfg.DescentWindow)
	keep := d.samples[:0]
	for _, s := range d.samples {
		if !s.at.Before(cutoff) {
			keep = append(keep, s)
		}
	}
	d.samples = append(keep, altitudeSample{at: fix.RecordedAt, alt: alt})

	peak := alt
	for _, s := range d.samples {
		peak = math.Max(peak, s.alt)
	}
	drop := peak - alt
	if drop < d.cfg.DescentDropM {
		return noReading, true
	}
	return reading{
		active:   true,
		severity: SeverityCritical,
		message:  fmt.Sprintf("dropped %.0f m within %s", drop, d.cfg.DescentWindow),
	}, true
}
