package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/status"
)

// PostgreSQLCollector implements Collector using PostgreSQL
type PostgreSQLCollector struct {
	db    *sql.DB
	store sqlStore
}

// NewPostgreSQLCollector creates a new PostgreSQL-based stats collector
func NewPostgreSQLCollector(connectionString string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initSchema(db, "postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector postgresql")

	return &PostgreSQLCollector{
		db: db,
		store: sqlStore{
			db:          db,
			placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		},
	}, nil
}

// RecordStatus stores one abnormal outcome
func (p *PostgreSQLCollector) RecordStatus(ctx context.Context, rec status.Record) error {
	return p.store.insertStatus(ctx, rec)
}

// RecentStatus returns up to limit records, newest first
func (p *PostgreSQLCollector) RecentStatus(ctx context.Context, limit int) ([]status.Record, error) {
	return p.store.recentStatus(ctx, limit)
}

// TopFailingPaths aggregates records per path
func (p *PostgreSQLCollector) TopFailingPaths(ctx context.Context, limit int) ([]PathSummary, error) {
	return p.store.topFailingPaths(ctx, limit)
}

// HealthCheck pings the database
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database
func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
