package track

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"hiketrack/internal/db"

	"github.com/jackc/pgx/v5"
)

// PostgresBackend stores sessions in track_sessions and fixes in the PostGIS
// track_points table.
type PostgresBackend struct {
	db db.Querier
}

func NewPostgresBackend(q db.Querier) *PostgresBackend {
	return &PostgresBackend{db: q}
}

func (b *PostgresBackend) CreateSession(ctx context.Context, meta Meta) error {
	pauses, err := json.Marshal(nonNilPauses(meta.Pauses))
	if err != nil {
		return err
	}
	_, err = b.db.Exec(ctx, `
		INSERT INTO track_sessions (id, activity_id, started_at, status, pauses)
		VALUES ($1,$2,$3,$4,$5::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, meta.SessionID, nullableString(meta.ActivityID), meta.StartedAt, string(meta.State), string(pauses))
	return err
}

func (b *PostgresBackend) AppendFixes(ctx context.Context, sessionID string, fixes []Fix) error {
	for _, f := range fixes {
		_, err := b.db.Exec(ctx, `
			INSERT INTO track_points (session_id, seq, location, elevation_m, speed_mps, accuracy_m, low_quality, recorded_at)
			VALUES ($1, $2, ST_SetSRID(ST_MakePoint($3,$4), 4326)::geography, $5, $6, $7, $8, $9)
			ON CONFLICT (session_id, seq) DO NOTHING
		`, sessionID, f.Seq, f.Lng, f.Lat,
			nullableFloat(f.AltitudeM, f.HasAltitude),
			nullableFloat(f.SpeedMps, f.HasSpeed),
			nullableFloat(f.AccuracyM, f.HasAccuracy),
			f.LowQuality, f.RecordedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *PostgresBackend) SaveMeta(ctx context.Context, meta Meta) error {
	pauses, err := json.Marshal(nonNilPauses(meta.Pauses))
	if err != nil {
		return err
	}
	tag, err := b.db.Exec(ctx, `
		UPDATE track_sessions
		SET status=$2, ended_at=$3, pauses=$4::jsonb
		WHERE id=$1
	`, meta.SessionID, string(meta.State), nullableTime(meta.CompletedAt), string(pauses))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (b *PostgresBackend) LoadSession(ctx context.Context, sessionID string) (Meta, []Fix, error) {
	var (
		meta    Meta
		status  string
		endedAt *time.Time
		pauses  string
	)
	row := b.db.QueryRow(ctx, `
		SELECT id, COALESCE(activity_id,''), started_at, ended_at, status, COALESCE(pauses::text,'[]')
		FROM track_sessions WHERE id=$1
	`, sessionID)
	if err := row.Scan(&meta.SessionID, &meta.ActivityID, &meta.StartedAt, &endedAt, &status, &pauses); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Meta{}, nil, ErrSessionNotFound
		}
		return Meta{}, nil, err
	}
	meta.State = State(status)
	if endedAt != nil {
		meta.CompletedAt = *endedAt
	}
	if err := json.Unmarshal([]byte(pauses), &meta.Pauses); err != nil {
		return Meta{}, nil, err
	}

	rows, err := b.db.Query(ctx, `
		SELECT seq, ST_Y(location::geometry), ST_X(location::geometry), elevation_m, speed_mps, accuracy_m, low_quality, recorded_at
		FROM track_points WHERE session_id=$1
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return Meta{}, nil, err
	}
	defer rows.Close()

	var fixes []Fix
	for rows.Next() {
		var (
			f                          Fix
			elevation, speed, accuracy *float64
		)
		if err := rows.Scan(&f.Seq, &f.Lat, &f.Lng, &elevation, &speed, &accuracy, &f.LowQuality, &f.RecordedAt); err != nil {
			return Meta{}, nil, err
		}
		f.AltitudeM, f.HasAltitude = fromNullable(elevation)
		f.SpeedMps, f.HasSpeed = fromNullable(speed)
		f.AccuracyM, f.HasAccuracy = fromNullable(accuracy)
		fixes = append(fixes, f)
	}
	return meta, fixes, rows.Err()
}

func (b *PostgresBackend) ListOpen(ctx context.Context) ([]string, error) {
	rows, err := b.db.Query(ctx, `
		SELECT id FROM track_sessions
		WHERE status IN ('recording','paused')
		ORDER BY started_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *PostgresBackend) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM track_points WHERE session_id=$1`, sessionID); err != nil {
		return err
	}
	_, err := b.db.Exec(ctx, `DELETE FROM track_sessions WHERE id=$1`, sessionID)
	return err
}

func nonNilPauses(p []Interval) []Interval {
	if p == nil {
		return []Interval{}
	}
	return p
}

func nullableFloat(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

func fromNullable(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
