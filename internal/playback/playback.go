// Package playback replays a completed track as a scrubbable cursor.
package playback

import (
	"errors"
	"math"
	"sort"
	"time"

	"hiketrack/internal/shared/geo"
	"hiketrack/internal/track"
)

var (
	ErrNotCompleted = errors.New("playback: track is not completed")
	ErrEmptyTrack   = errors.New("playback: track has no fixes")
)

// Cursor is a value; every operation returns a new one.
type Cursor struct {
	Index    int     `json:"index"`
	Heading  float64 `json:"heading"`
	Progress float64 `json:"progress"`
	Speed    float64 `json:"speed"`
	// Offset is the recorded time elapsed since the first fix.
	Offset time.Duration `json:"offset_ns"`
}

type Engine struct {
	fixes   []track.Fix
	offsets []time.Duration
}

func New(store *track.Store) (*Engine, error) {
	if store.State() != track.StateCompleted {
		return nil, ErrNotCompleted
	}
	return FromFixes(store.Fixes())
}

// FromFixes builds an engine over an already finished, time-ordered log.
func FromFixes(fixes []track.Fix) (*Engine, error) {
	if len(fixes) == 0 {
		return nil, ErrEmptyTrack
	}
	offsets := make([]time.Duration, len(fixes))
	for i, f := range fixes {
		offsets[i] = f.RecordedAt.Sub(fixes[0].RecordedAt)
	}
	return &Engine{fixes: fixes, offsets: offsets}, nil
}

func (e *Engine) Len() int { return len(e.fixes) }

func (e *Engine) Duration() time.Duration { return e.offsets[len(e.offsets)-1] }

// Fix returns the sample under the cursor.
func (e *Engine) Fix(c Cursor) track.Fix { return e.fixes[e.clamp(c.Index)] }

// Seek maps progress in [0,1] onto a sample index.
func (e *Engine) Seek(progress float64) Cursor {
	if math.IsNaN(progress) {
		progress = 0
	}
	progress = math.Max(0, math.Min(1, progress))
	idx := e.clamp(int(math.Round(progress * float64(len(e.fixes)-1))))
	c := Cursor{Index: idx, Speed: 1, Offset: e.offsets[idx], Heading: e.headingInto(idx)}
	c.Progress = e.progress(idx)
	c.Heading = e.HeadingAt(c)
	return c
}

// headingInto is the bearing of the last moving segment ending at idx, the
// heading a linear replay would carry into that sample.
func (e *Engine) headingInto(idx int) float64 {
	for i := idx; i > 0; i-- {
		if from, to := e.fixes[i-1].Coordinate(), e.fixes[i].Coordinate(); from != to {
			return geo.Bearing(from, to)
		}
	}
	return 0
}

// Advance moves the cursor by elapsed wall time scaled by speed, measured
// against the recorded gaps between fixes, so 1x replays the original pacing.
func (e *Engine) Advance(c Cursor, elapsed time.Duration, speed float64) Cursor {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		speed = 1
	}
	// Clamp while still in float nanoseconds, so a huge elapsed*speed
	// saturates at the end instead of overflowing time.Duration.
	total := e.Duration()
	var offset time.Duration
	switch scaled := float64(elapsed) * speed; {
	case scaled >= float64(total-c.Offset):
		offset = total
	case scaled <= -float64(c.Offset):
		offset = 0
	default:
		offset = c.Offset + time.Duration(scaled)
	}
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	// Last sample recorded at or before offset.
	idx := sort.Search(len(e.offsets), func(i int) bool { return e.offsets[i] > offset }) - 1
	idx = e.clamp(idx)

	next := Cursor{Index: idx, Heading: c.Heading, Speed: speed, Offset: offset}
	next.Progress = e.progress(idx)
	next.Heading = e.HeadingAt(next)
	return next
}

// HeadingAt is the bearing from the current sample to the next one. At the
// final sample, or when the next sample is at the same position, the
// cursor's heading is kept.
func (e *Engine) HeadingAt(c Cursor) float64 {
	i := e.clamp(c.Index)
	if i >= len(e.fixes)-1 {
		return c.Heading
	}
	from, to := e.fixes[i].Coordinate(), e.fixes[i+1].Coordinate()
	if from == to {
		return c.Heading
	}
	return geo.Bearing(from, to)
}

func (e *Engine) progress(idx int) float64 {
	if len(e.fixes) < 2 {
		return 1
	}
	return float64(idx) / float64(len(e.fixes)-1)
}

func (e *Engine) clamp(i int) int {
	if i < 0 {
		return 0
	}
	if i >= len(e.fixes) {
		return len(e.fixes) - 1
	}
	return i
}
