package stats

import (
	"context"

	"github.com/lopxy/lopxy/lopxy-srv/status"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// RecordStatus records a status (no-op)
func (d *DummyCollector) RecordStatus(ctx context.Context, rec status.Record) error {
	return nil
}

// RecentStatus returns no records for dummy collector
func (d *DummyCollector) RecentStatus(ctx context.Context, limit int) ([]status.Record, error) {
	return []status.Record{}, nil
}

// TopFailingPaths returns no summaries for dummy collector
func (d *DummyCollector) TopFailingPaths(ctx context.Context, limit int) ([]PathSummary, error) {
	return []PathSummary{}, nil
}

// HealthCheck always returns healthy for dummy collector
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing for dummy collector
func (d *DummyCollector) Close() error {
	return nil
}
