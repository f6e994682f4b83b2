package positions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store used by the daemon.
type SQLiteStore struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// OpenSQLite opens (and creates if needed) the offsets database at path.
func OpenSQLite(ctx context.Context, path string, log *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, log: log.With(slog.String("component", "positions")), clock: time.Now}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS positions (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init positions schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, documentID string, offset float64) error {
	if documentID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		Key(documentID), formatOffset(offset), s.clock().UTC())
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, documentID string) (float64, error) {
	if documentID == "" {
		return 0, nil
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM positions WHERE key = ?`, Key(documentID)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load position: %w", err)
	}
	return parseOffset(value)
}

func (s *SQLiteStore) Clear(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE key = ?`, Key(documentID)); err != nil {
		return fmt.Errorf("clear position: %w", err)
	}
	return nil
}
