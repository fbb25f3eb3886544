package stats

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/status"
)

// SQLiteCollector implements Collector using SQLite as the backend
type SQLiteCollector struct {
	db    *sql.DB
	store sqlStore
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := initSchema(db, "sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector sqlite %s", dbPath)

	return &SQLiteCollector{
		db: db,
		store: sqlStore{
			db:          db,
			placeholder: func(int) string { return "?" },
		},
	}, nil
}

// RecordStatus stores one abnormal outcome
func (s *SQLiteCollector) RecordStatus(ctx context.Context, rec status.Record) error {
	return s.store.insertStatus(ctx, rec)
}

// RecentStatus returns up to limit records, newest first
func (s *SQLiteCollector) RecentStatus(ctx context.Context, limit int) ([]status.Record, error) {
	return s.store.recentStatus(ctx, limit)
}

// TopFailingPaths aggregates records per path
func (s *SQLiteCollector) TopFailingPaths(ctx context.Context, limit int) ([]PathSummary, error) {
	return s.store.topFailingPaths(ctx, limit)
}

// HealthCheck pings the database
func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
