// Package status keeps the bounded log of abnormal proxy outcomes.
package status

import "sync"

// DefaultCapacity is the number of records kept before the oldest is evicted
const DefaultCapacity = 500

// Record describes one abnormal outcome: a connection error or a non-2xx response.
type Record struct {
	Timestamp int64  `json:"timestamp"` // milliseconds since the epoch
	PID       uint32 `json:"pid"`       // 0 when unknown
	BinName   string `json:"bin_name"`  // best effort
	Path      string `json:"path"`
	Status    string `json:"status"`
}

// Ring is a fixed-capacity FIFO of records.
type Ring struct {
	mu       sync.Mutex
	buf      []Record
	start    int
	size     int
	lastTime int64
}

// NewRing creates a ring holding at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Record, capacity)}
}

// Push appends rec, evicting the oldest record when full.
// It reports whether a record was evicted.
func (r *Ring) Push(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Timestamp > r.lastTime {
		r.lastTime = rec.Timestamp
	}

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = rec
		r.size++
		return false
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
	return true
}

// Len returns the number of records held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// LastTimestamp returns the newest timestamp ever pushed, 0 if none.
func (r *Ring) LastTimestamp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTime
}

// Records returns all records, oldest first.
func (r *Ring) Records() []Record {
	return r.Since(-1)
}

// Since returns records with a timestamp greater than ts, oldest first.
func (r *Ring) Since(ts int64) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, r.size)
	for i := 0; i < r.size; i++ {
		rec := r.buf[(r.start+i)%len(r.buf)]
		if rec.Timestamp > ts {
			out = append(out, rec)
		}
	}
	return out
}
