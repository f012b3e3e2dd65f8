package track

import (
	"math"
	"time"

	"hiketrack/internal/shared/geo"
)

type State string

const (
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

// Open reports whether a session in this state can still be resumed or finalized.
func (s State) Open() bool {
	return s == StateRecording || s == StatePaused
}

// Fix is one location sample. Optional readings carry a Has flag instead of a
// pointer so a Fix can be copied freely without aliasing.
type Fix struct {
	Seq         int       `json:"seq"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	AltitudeM   float64   `json:"altitude_m"`
	HasAltitude bool      `json:"has_altitude"`
	SpeedMps    float64   `json:"speed_mps"`
	HasSpeed    bool      `json:"has_speed"`
	AccuracyM   float64   `json:"accuracy_m"`
	HasAccuracy bool      `json:"has_accuracy"`
	RecordedAt  time.Time `json:"recorded_at"`
	LowQuality  bool      `json:"low_quality"`
}

func (f Fix) Coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: f.Lat, Lng: f.Lng}
}

// Altitude returns the altitude when the fix carries a finite one.
func (f Fix) Altitude() (float64, bool) {
	if !f.HasAltitude || math.IsNaN(f.AltitudeM) || math.IsInf(f.AltitudeM, 0) {
		return 0, false
	}
	return f.AltitudeM, true
}

// Speed returns the provider-reported speed. Negative values mean the
// provider had no valid reading.
func (f Fix) Speed() (float64, bool) {
	if !f.HasSpeed || f.SpeedMps < 0 || math.IsNaN(f.SpeedMps) || math.IsInf(f.SpeedMps, 0) {
		return 0, false
	}
	return f.SpeedMps, true
}

// Valid reports whether the fix has usable coordinates and a timestamp.
func (f Fix) Valid() bool {
	return !f.RecordedAt.IsZero() && f.Coordinate().Valid()
}

// Interval is one pause. End is zero while the pause is still open.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end,omitempty"`
}

func (i Interval) Open() bool { return i.End.IsZero() }

// Contains reports whether t falls strictly inside the pause.
func (i Interval) Contains(t time.Time) bool {
	if !t.After(i.Start) {
		return false
	}
	return i.Open() || t.Before(i.End)
}

// Meta is the session record persisted alongside the fix log.
type Meta struct {
	SessionID   string     `json:"session_id"`
	ActivityID  string     `json:"activity_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	State       State      `json:"state"`
	Pauses      []Interval `json:"pauses"`
}

func (m Meta) clone() Meta {
	m.Pauses = append([]Interval(nil), m.Pauses...)
	return m
}
