// Package stats persists the abnormal request status history beyond the
// in-memory ring of the running instance.
package stats

import (
	"context"
	"time"

	"github.com/lopxy/lopxy/lopxy-srv/status"
)

// Collector defines the interface for durable status history
type Collector interface {
	// RecordStatus stores one abnormal outcome
	RecordStatus(ctx context.Context, rec status.Record) error

	// RecentStatus returns up to limit records, newest first
	RecentStatus(ctx context.Context, limit int) ([]status.Record, error)

	// TopFailingPaths aggregates records per path, most frequent first
	TopFailingPaths(ctx context.Context, limit int) ([]PathSummary, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// PathSummary represents aggregated failures of one path
type PathSummary struct {
	Path       string    `json:"path"`
	Count      int64     `json:"count"`
	LastStatus string    `json:"last_status"`
	LastSeen   time.Time `json:"last_seen"`
}
