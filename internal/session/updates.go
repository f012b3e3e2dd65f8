package session

import (
	"time"

	"hiketrack/internal/stats"
	"hiketrack/internal/track"
)

type UpdateKind string

const (
	UpdateFix   UpdateKind = "fix"
	UpdateState UpdateKind = "state"
)

// Update is emitted on every transition and every accepted fix.
type Update struct {
	Kind      UpdateKind           `json:"kind"`
	State     State                `json:"state"`
	SessionID string               `json:"session_id"`
	Fix       track.Fix            `json:"fix"`
	Stats     stats.TripStatistics `json:"stats"`
	At        time.Time            `json:"at"`
}

// Subscribe returns a channel of updates and a cancel func that closes it.
// A subscriber that falls behind by more than buffer updates misses the
// excess; ingestion never waits for it.
func (e *Engine) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)

	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subsMu.Unlock()

	var once bool
	return ch, func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		if once {
			return
		}
		once = true
		delete(e.subs, id)
		close(ch)
	}
}

// Observe registers fn to run synchronously, under the engine lock, for every
// update. Nothing is dropped, so fn must return quickly and must not call
// back into the engine. The returned func removes the observer.
func (e *Engine) Observe(fn func(Update)) func() {
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.observers[id] = fn
	e.subsMu.Unlock()

	return func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		delete(e.observers, id)
	}
}

func (e *Engine) publish(u Update) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, fn := range e.observers {
		fn(u)
	}
	for _, ch := range e.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
