package tracking

import (
	"time"

	"hiketrack/internal/anomaly"
	"hiketrack/internal/playback"
	"hiketrack/internal/session"
	"hiketrack/internal/stats"
	"hiketrack/internal/track"
)

type StartRequest struct {
	ActivityID string   `json:"activity_id"`
	UserID     string   `json:"user_id"`
	RouteID    string   `json:"route_id,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// TrackPoint is the wire form of a fix. Optional readings are pointers so an
// absent field stays absent.
type TrackPoint struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	ElevationM *float64  `json:"elevation_m,omitempty"`
	SpeedMps   *float64  `json:"speed_mps,omitempty"`
	AccuracyM  *float64  `json:"accuracy_m,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (p TrackPoint) Fix(now time.Time) track.Fix {
	f := track.Fix{Lat: p.Lat, Lng: p.Lng, RecordedAt: p.RecordedAt}
	if f.RecordedAt.IsZero() {
		f.RecordedAt = now
	}
	if p.ElevationM != nil {
		f.AltitudeM, f.HasAltitude = *p.ElevationM, true
	}
	if p.SpeedMps != nil {
		f.SpeedMps, f.HasSpeed = *p.SpeedMps, true
	}
	if p.AccuracyM != nil {
		f.AccuracyM, f.HasAccuracy = *p.AccuracyM, true
	}
	return f
}

type Summary struct {
	SessionID   string               `json:"session_id"`
	ActivityID  string               `json:"activity_id,omitempty"`
	UserID      string               `json:"user_id,omitempty"`
	RouteID     string               `json:"route_id,omitempty"`
	State       session.State        `json:"state"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at,omitempty"`
	PointCount  int                  `json:"point_count"`
	PauseCount  int                  `json:"pause_count"`
	Stats       stats.TripStatistics `json:"stats"`
	PaceSecKm   float64              `json:"pace_sec_per_km"`
	Anomalies   []anomaly.Event      `json:"anomalies"`
}

type Frame struct {
	Cursor   playback.Cursor `json:"cursor"`
	Fix      track.Fix       `json:"fix"`
	Duration time.Duration   `json:"duration_ns"`
	Samples  int             `json:"samples"`
}

type AdvanceRequest struct {
	Cursor    playback.Cursor `json:"cursor"`
	ElapsedMs int64           `json:"elapsed_ms"`
	Speed     float64         `json:"speed"`
}

type ShareRequest struct {
	UserID     string   `json:"user_id"`
	RouteID    string   `json:"route_id,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

type Share struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	RouteID    string    `json:"route_id,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

type ShareResult struct {
	Fix       track.Fix       `json:"fix"`
	Anomalies []anomaly.Event `json:"anomalies"`
}
