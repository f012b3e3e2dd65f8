package track

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)

func fixAt(offset time.Duration, lat float64) Fix {
	return Fix{Lat: lat, Lng: 114.2, RecordedAt: t0.Add(offset)}
}

func newStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	s, err := Create(context.Background(), backend, Meta{SessionID: "s1", ActivityID: "a1", StartedAt: t0}, Options{LowAccuracyThresholdM: 50})
	require.NoError(t, err)
	return s
}

// flakyBackend fails the next n calls of any write method.
type flakyBackend struct {
	*MemoryBackend
	failures int
	calls    int
}

var errDisk = errors.New("disk full")

func (b *flakyBackend) fail() error {
	b.calls++
	if b.failures > 0 {
		b.failures--
		return errDisk
	}
	return nil
}

func (b *flakyBackend) CreateSession(ctx context.Context, m Meta) error {
	if err := b.fail(); err != nil {
		return err
	}
	return b.MemoryBackend.CreateSession(ctx, m)
}

func (b *flakyBackend) AppendFixes(ctx context.Context, id string, f []Fix) error {
	if err := b.fail(); err != nil {
		return err
	}
	return b.MemoryBackend.AppendFixes(ctx, id, f)
}

func (b *flakyBackend) SaveMeta(ctx context.Context, m Meta) error {
	if err := b.fail(); err != nil {
		return err
	}
	return b.MemoryBackend.SaveMeta(ctx, m)
}

func TestAppendAssignsSequenceAndQuality(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend())

	first, err := s.Append(ctx, fixAt(0, 22.3))
	require.NoError(t, err)
	require.Equal(t, 0, first.Seq)
	require.False(t, first.LowQuality)

	f := fixAt(time.Second, 22.3001)
	f.HasAccuracy, f.AccuracyM = true, 80
	second, err := s.Append(ctx, f)
	require.NoError(t, err)
	require.Equal(t, 1, second.Seq)
	require.True(t, second.LowQuality)
	require.Equal(t, 2, s.Len())

	last, ok := s.Last()
	require.True(t, ok)
	require.Equal(t, second, last)
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend())

	_, err := s.Append(ctx, fixAt(time.Minute, 22.3))
	require.NoError(t, err)

	_, err = s.Append(ctx, fixAt(30*time.Second, 22.3))
	require.ErrorIs(t, err, ErrOutOfOrderTimestamp)

	_, err = s.Append(ctx, fixAt(time.Minute, 22.3))
	require.ErrorIs(t, err, ErrOutOfOrderTimestamp)
	require.Equal(t, 1, s.Len())
}

func TestAppendRejectsInvalidFix(t *testing.T) {
	s := newStore(t, NewMemoryBackend())
	_, err := s.Append(context.Background(), Fix{Lat: 95, Lng: 0, RecordedAt: t0})
	require.ErrorIs(t, err, ErrInvalidFix)
	_, err = s.Append(context.Background(), Fix{Lat: 1, Lng: 1})
	require.ErrorIs(t, err, ErrInvalidFix)
	require.Zero(t, s.Len())
}

func TestPauseResumeOrdering(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend())

	require.ErrorIs(t, s.MarkResumed(ctx, t0.Add(time.Minute)), ErrInvalidStateTransition)
	require.NoError(t, s.MarkPaused(ctx, t0.Add(5*time.Minute)))
	require.ErrorIs(t, s.MarkPaused(ctx, t0.Add(6*time.Minute)), ErrInvalidStateTransition)
	require.Equal(t, StatePaused, s.State())
	require.NoError(t, s.MarkResumed(ctx, t0.Add(15*time.Minute)))
	require.Equal(t, StateRecording, s.State())
	require.Len(t, s.Pauses(), 1)
}

func TestActiveDurationExcludesPauses(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend())

	require.NoError(t, s.MarkPaused(ctx, t0.Add(5*time.Minute)))
	// Open pause counts up to now.
	require.Equal(t, 5*time.Minute, s.ActiveDuration(t0.Add(10*time.Minute)))
	require.NoError(t, s.MarkResumed(ctx, t0.Add(15*time.Minute)))
	require.NoError(t, s.Complete(ctx, t0.Add(30*time.Minute)))

	require.Equal(t, 20*time.Minute, s.ActiveDuration(t0.Add(99*time.Hour)))
}

func TestActiveDurationIndependentOfPauseLength(t *testing.T) {
	for _, pause := range []time.Duration{time.Second, time.Minute, 3 * time.Hour} {
		ctx := context.Background()
		s := newStore(t, NewMemoryBackend())
		require.NoError(t, s.MarkPaused(ctx, t0.Add(10*time.Minute)))
		require.NoError(t, s.MarkResumed(ctx, t0.Add(10*time.Minute+pause)))
		require.NoError(t, s.Complete(ctx, t0.Add(25*time.Minute+pause)))
		require.Equal(t, 25*time.Minute, s.ActiveDuration(time.Now()))
	}
}

func TestCompleteWhilePausedClosesPause(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend())
	require.NoError(t, s.MarkPaused(ctx, t0.Add(10*time.Minute)))
	require.NoError(t, s.Complete(ctx, t0.Add(20*time.Minute)))

	meta := s.Meta()
	require.Equal(t, StateCompleted, meta.State)
	require.Equal(t, t0.Add(20*time.Minute), meta.Pauses[0].End)
	require.Equal(t, 10*time.Minute, s.ActiveDuration(time.Now()))

	_, err := s.Append(ctx, fixAt(time.Hour, 22.3))
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.ErrorIs(t, s.Complete(ctx, t0.Add(time.Hour)), ErrInvalidStateTransition)
}

func TestBoundariesClampToLastFix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend())
	_, err := s.Append(ctx, fixAt(10*time.Minute, 22.3))
	require.NoError(t, err)

	require.NoError(t, s.MarkPaused(ctx, t0.Add(time.Minute)))
	require.Equal(t, t0.Add(10*time.Minute), s.Pauses()[0].Start)

	require.NoError(t, s.MarkResumed(ctx, t0))
	require.Equal(t, t0.Add(10*time.Minute), s.Pauses()[0].End)
}

func TestPersistenceErrorKeepsMemoryStateAndRetries(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	s := newStore(t, backend)

	backend.failures = 1
	_, err := s.Append(ctx, fixAt(0, 22.3))
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "append", perr.Op)
	require.ErrorIs(t, err, errDisk)
	require.Equal(t, 1, s.Len())
	require.Equal(t, 1, s.Pending())

	backend.failures = 1
	require.Error(t, s.MarkPaused(ctx, t0.Add(time.Minute)))
	require.Equal(t, StatePaused, s.State())

	require.NoError(t, s.Flush(ctx))
	require.Zero(t, s.Pending())

	meta, fixes, err := backend.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	require.Equal(t, StatePaused, meta.State)
}

func TestCreateRetriedAfterFailure(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 1}
	s, err := Create(ctx, backend, Meta{SessionID: "s2", StartedAt: t0}, Options{})
	require.Error(t, err)
	require.NotNil(t, s)

	_, err = s.Append(ctx, fixAt(0, 22.3))
	require.NoError(t, err)
	_, fixes, err := backend.LoadSession(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, fixes, 1)
}

func TestLoadForRecovery(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newStore(t, backend)
	_, err := s.Append(ctx, fixAt(0, 22.3))
	require.NoError(t, err)
	_, err = s.Append(ctx, fixAt(time.Minute, 22.301))
	require.NoError(t, err)

	res, err := LoadForRecovery(ctx, backend, "s1", Options{})
	require.NoError(t, err)
	rec, ok := res.(Recoverable)
	require.True(t, ok)
	require.Equal(t, StateRecording, rec.Interrupted)
	require.Equal(t, 2, rec.Store.Len())

	// Appending continues the sequence.
	f, err := rec.Store.Append(ctx, fixAt(2*time.Minute, 22.302))
	require.NoError(t, err)
	require.Equal(t, 2, f.Seq)

	require.NoError(t, rec.Store.Complete(ctx, t0.Add(3*time.Minute)))
	res, err = LoadForRecovery(ctx, backend, "s1", Options{})
	require.NoError(t, err)
	require.Equal(t, NotFound{SessionID: "s1"}, res)

	res, err = LoadForRecovery(ctx, backend, "missing", Options{})
	require.NoError(t, err)
	require.IsType(t, NotFound{}, res)
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newStore(t, backend)

	ids, err := backend.ListOpen(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, ids)

	require.NoError(t, s.Discard(ctx))
	_, _, err = backend.LoadSession(ctx, "s1")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, s.Discard(ctx), ErrInvalidStateTransition)
	_, err = s.Append(ctx, fixAt(0, 22.3))
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestFixesIsStablePrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend())
	_, err := s.Append(ctx, fixAt(0, 22.3))
	require.NoError(t, err)

	view := s.Fixes()
	_, err = s.Append(ctx, fixAt(time.Second, 22.31))
	require.NoError(t, err)
	require.Len(t, view, 1)
	require.Len(t, s.Fixes(), 2)
	require.Equal(t, view[0], s.Fixes()[0])
}

func TestAppendRejectsFixBeforeResume(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, NewMemoryBackend())
	_, err := s.Append(ctx, fixAt(time.Minute, 22.3))
	require.NoError(t, err)

	require.NoError(t, s.MarkPaused(ctx, t0.Add(10*time.Minute)))
	require.NoError(t, s.MarkResumed(ctx, t0.Add(15*time.Minute)))

	// A device clock running behind still reports times inside the pause.
	_, err = s.Append(ctx, fixAt(12*time.Minute, 22.3001))
	require.ErrorIs(t, err, ErrOutOfOrderTimestamp)
	_, err = s.Append(ctx, fixAt(15*time.Minute, 22.3001))
	require.ErrorIs(t, err, ErrOutOfOrderTimestamp)
	require.Equal(t, 1, s.Len())

	f, err := s.Append(ctx, fixAt(15*time.Minute+time.Second, 22.3001))
	require.NoError(t, err)
	require.Equal(t, 1, f.Seq)
}
