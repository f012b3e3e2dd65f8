package db

import (
	"context"
	"database/sql"
	"time"

	"hiketrack/internal/config"

	_ "modernc.org/sqlite"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// OpenSQLite opens the on-disk database used when STORE_BACKEND=sqlite. The
// track log flushes on every fix, so synchronous=FULL keeps each acknowledged
// write on disk.
func OpenSQLite(cfg config.Config) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range sqlitePragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}
