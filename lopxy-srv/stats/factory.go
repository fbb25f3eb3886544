package stats

import (
	"fmt"
	"time"

	"github.com/lopxy/lopxy/lopxy-srv/config"
)

// CollectorFactory creates statistics collectors based on configuration
type CollectorFactory struct{}

// NewCollectorFactory creates a new collector factory
func NewCollectorFactory() *CollectorFactory {
	return &CollectorFactory{}
}

// CreateCollector creates a statistics collector based on the provided configuration.
// sqlitePath is used by the sqlite backend.
func (f *CollectorFactory) CreateCollector(cfg *config.StatisticsConfig, sqlitePath string) (Collector, error) {
	if !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var collector Collector
	var err error

	switch cfg.Backend {
	case "sqlite", "":
		if sqlitePath == "" {
			sqlitePath = "lopxy_status.db"
		}
		collector, err = NewSQLiteCollector(sqlitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres_dsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case "dummy":
		return NewDummyCollector(), nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}

	return NewBufferedCollectorWithInterval(collector, 2*time.Second), nil
}

// CreateCollectorFromConfig creates a collector from the main configuration
func (f *CollectorFactory) CreateCollectorFromConfig(cfg *config.Config) (Collector, error) {
	return f.CreateCollector(&cfg.Statistics, cfg.StatsPath())
}
