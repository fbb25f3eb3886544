package status

import (
	"context"
	"sync"
	"time"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
)

// Sink receives every record in addition to the in-memory ring.
type Sink interface {
	RecordStatus(ctx context.Context, rec Record) error
}

// ProcessNamer resolves a pid to an executable name, "" when unknown.
type ProcessNamer func(pid uint32) string

// Reporter stamps abnormal outcomes and stores them in a Ring.
type Reporter struct {
	ring  *Ring
	namer ProcessNamer
	sink  Sink

	mu     sync.Mutex
	lastTS int64
	subs   map[int]chan Record
	nextID int

	now func() time.Time
}

// NewReporter creates a reporter writing into ring. namer and sink may be nil.
func NewReporter(ring *Ring, namer ProcessNamer, sink Sink) *Reporter {
	return &Reporter{
		ring:  ring,
		namer: namer,
		sink:  sink,
		subs:  make(map[int]chan Record),
		now:   time.Now,
	}
}

// Ring returns the backing ring.
func (r *Reporter) Ring() *Ring {
	return r.ring
}

// Report records one abnormal outcome for path.
func (r *Reporter) Report(pid uint32, path, outcome string) Record {
	binName := ""
	if pid != 0 && r.namer != nil {
		binName = r.namer(pid)
	}

	r.mu.Lock()
	ts := r.now().UnixMilli()
	if ts <= r.lastTS {
		ts = r.lastTS + 1
	}
	r.lastTS = ts
	rec := Record{
		Timestamp: ts,
		PID:       pid,
		BinName:   binName,
		Path:      path,
		Status:    outcome,
	}
	r.ring.Push(rec)
	for _, ch := range r.subs {
		select {
		case ch <- rec:
		default:
			// slow watcher, drop
		}
	}
	r.mu.Unlock()

	logger.Debug("Request status recorded: pid=%d bin=%q path=%s status=%s", pid, binName, path, outcome)

	if r.sink != nil {
		if err := r.sink.RecordStatus(context.Background(), rec); err != nil {
			logger.Warn("Failed to persist request status: %v", err)
		}
	}
	return rec
}

// Subscribe returns a channel receiving every new record until cancel is called.
func (r *Reporter) Subscribe(buffer int) (<-chan Record, func()) {
	ch := make(chan Record, buffer)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}
