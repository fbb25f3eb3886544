package stats

import (
	"context"
	"sync"
	"time"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/status"
)

// BufferedCollector batches RecordStatus calls so that the proxy path
// never waits on the database.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	mu      sync.Mutex
	pending []status.Record

	stopChan  chan struct{}
	closeErr  error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBufferedCollector creates a buffered collector flushing every 5 seconds
func NewBufferedCollector(underlying Collector) *BufferedCollector {
	return NewBufferedCollectorWithInterval(underlying, 5*time.Second)
}

// NewBufferedCollectorWithInterval creates a buffered collector with custom interval
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		pending:    make([]status.Record, 0, 64),
		stopChan:   make(chan struct{}),
	}

	bc.wg.Add(1)
	go bc.flusher()

	return bc
}

// flusher runs in the background and flushes pending records
func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopChan:
			b.Flush()
			return
		}
	}
}

// Flush writes all pending records to the underlying collector
func (b *BufferedCollector) Flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = make([]status.Record, 0, cap(batch))
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	logger.Debug("Flushing %d status records", len(batch))

	ctx := context.Background()
	for _, rec := range batch {
		if err := b.underlying.RecordStatus(ctx, rec); err != nil {
			logger.Warn("Failed to flush status record for %s: %v", rec.Path, err)
		}
	}
}

// RecordStatus queues rec for the next flush
func (b *BufferedCollector) RecordStatus(ctx context.Context, rec status.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, rec)
	return nil
}

// RecentStatus flushes and then delegates to underlying collector
func (b *BufferedCollector) RecentStatus(ctx context.Context, limit int) ([]status.Record, error) {
	b.Flush()
	return b.underlying.RecentStatus(ctx, limit)
}

// TopFailingPaths flushes and then delegates to underlying collector
func (b *BufferedCollector) TopFailingPaths(ctx context.Context, limit int) ([]PathSummary, error) {
	b.Flush()
	return b.underlying.TopFailingPaths(ctx, limit)
}

// HealthCheck delegates to underlying collector
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close flushes pending records and closes the underlying collector
func (b *BufferedCollector) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()
		b.closeErr = b.underlying.Close()
	})
	return b.closeErr
}
