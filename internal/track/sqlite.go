package track

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS track_sessions (
	id          TEXT PRIMARY KEY,
	activity_id TEXT,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	status      TEXT NOT NULL,
	pauses      TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS track_points (
	session_id  TEXT NOT NULL REFERENCES track_sessions(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	lat         REAL NOT NULL,
	lng         REAL NOT NULL,
	elevation_m REAL,
	speed_mps   REAL,
	accuracy_m  REAL,
	low_quality INTEGER NOT NULL DEFAULT 0,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_track_sessions_status ON track_sessions(status);
`

// SQLiteBackend stores sessions in a local SQLite database. Timestamps are
// kept as unix nanoseconds so ordering survives a round trip exactly.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates the schema if needed.
func NewSQLiteBackend(ctx context.Context, conn *sql.DB) (*SQLiteBackend, error) {
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: conn}, nil
}

func (b *SQLiteBackend) CreateSession(ctx context.Context, meta Meta) error {
	pauses, err := json.Marshal(nonNilPauses(meta.Pauses))
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO track_sessions (id, activity_id, started_at, status, pauses)
		VALUES (?,?,?,?,?)
	`, meta.SessionID, nullString(meta.ActivityID), meta.StartedAt.UnixNano(), string(meta.State), string(pauses))
	return err
}

func (b *SQLiteBackend) AppendFixes(ctx context.Context, sessionID string, fixes []Fix) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO track_points (session_id, seq, lat, lng, elevation_m, speed_mps, accuracy_m, low_quality, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range fixes {
		_, err := stmt.ExecContext(ctx, sessionID, f.Seq, f.Lat, f.Lng,
			sql.NullFloat64{Float64: f.AltitudeM, Valid: f.HasAltitude},
			sql.NullFloat64{Float64: f.SpeedMps, Valid: f.HasSpeed},
			sql.NullFloat64{Float64: f.AccuracyM, Valid: f.HasAccuracy},
			f.LowQuality, f.RecordedAt.UnixNano())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) SaveMeta(ctx context.Context, meta Meta) error {
	pauses, err := json.Marshal(nonNilPauses(meta.Pauses))
	if err != nil {
		return err
	}
	var ended sql.NullInt64
	if !meta.CompletedAt.IsZero() {
		ended = sql.NullInt64{Int64: meta.CompletedAt.UnixNano(), Valid: true}
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE track_sessions SET status=?, ended_at=?, pauses=? WHERE id=?
	`, string(meta.State), ended, string(pauses), meta.SessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (b *SQLiteBackend) LoadSession(ctx context.Context, sessionID string) (Meta, []Fix, error) {
	var (
		meta     Meta
		activity sql.NullString
		started  int64
		ended    sql.NullInt64
		status   string
		pauses   string
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT id, activity_id, started_at, ended_at, status, pauses
		FROM track_sessions WHERE id=?
	`, sessionID).Scan(&meta.SessionID, &activity, &started, &ended, &status, &pauses)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, nil, ErrSessionNotFound
	}
	if err != nil {
		return Meta{}, nil, err
	}
	meta.ActivityID = activity.String
	meta.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		meta.CompletedAt = time.Unix(0, ended.Int64).UTC()
	}
	meta.State = State(status)
	if err := json.Unmarshal([]byte(pauses), &meta.Pauses); err != nil {
		return Meta{}, nil, err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, lat, lng, elevation_m, speed_mps, accuracy_m, low_quality, recorded_at
		FROM track_points WHERE session_id=? ORDER BY seq
	`, sessionID)
	if err != nil {
		return Meta{}, nil, err
	}
	defer rows.Close()

	var fixes []Fix
	for rows.Next() {
		var (
			f                          Fix
			elevation, speed, accuracy sql.NullFloat64
			recorded                   int64
		)
		if err := rows.Scan(&f.Seq, &f.Lat, &f.Lng, &elevation, &speed, &accuracy, &f.LowQuality, &recorded); err != nil {
			return Meta{}, nil, err
		}
		f.AltitudeM, f.HasAltitude = elevation.Float64, elevation.Valid
		f.SpeedMps, f.HasSpeed = speed.Float64, speed.Valid
		f.AccuracyM, f.HasAccuracy = accuracy.Float64, accuracy.Valid
		f.RecordedAt = time.Unix(0, recorded).UTC()
		fixes = append(fixes, f)
	}
	return meta, fixes, rows.Err()
}

func (b *SQLiteBackend) ListOpen(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id FROM track_sessions WHERE status IN ('recording','paused') ORDER BY started_at, id
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

func (b *SQLiteBackend) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM track_points WHERE session_id=?`, sessionID); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `DELETE FROM track_sessions WHERE id=?`, sessionID)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
