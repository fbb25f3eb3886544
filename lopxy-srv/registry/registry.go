// Package registry holds the redirect table of lopxy: exact resource URLs
// mapped to substitute targets.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDuplicate is returned by Add when the resource URL is already present
	ErrDuplicate = errors.New("resource already registered")
	// ErrNotFound is returned by Remove when the resource URL is absent
	ErrNotFound = errors.New("resource not registered")
	// ErrInvalidURL is returned when a resource or target URL does not parse
	ErrInvalidURL = errors.New("invalid url")
)

// PersistError reports a failed save after a mutation was applied in memory.
// The mutation is not rolled back.
type PersistError struct {
	Cause error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist registry: %v", e.Cause)
}

func (e *PersistError) Unwrap() error {
	return e.Cause
}

// ProxyItem maps one exact resource URL to a substitute target.
// ContentType is only meaningful for file targets.
type ProxyItem struct {
	ResourceURL      string `json:"resource_url"`
	ProxyResourceURL string `json:"proxy_resource_url"`
	ContentType      string `json:"content_type"`
}

// IsFile reports whether the target is served from the local filesystem.
func (p ProxyItem) IsFile() bool {
	u, err := url.Parse(p.ProxyResourceURL)
	return err == nil && strings.EqualFold(u.Scheme, "file")
}

// Store persists the full table after every successful mutation.
type Store interface {
	Load() ([]ProxyItem, int64, error)
	Save(items []ProxyItem, updated int64) error
}

// Registry is the ordered redirect table. Lookups take the read lock,
// mutations take the write lock; the lock is never held during Store I/O.
type Registry struct {
	mu      sync.RWMutex
	items   []ProxyItem
	updated int64

	// serializes mutate+save so saves land in mutation order
	saveMu sync.Mutex
	store  Store
	now    func() time.Time
}

// New creates an empty registry backed by store. A nil store disables persistence.
func New(store Store) *Registry {
	r := &Registry{
		store: store,
		now:   time.Now,
	}
	r.updated = r.now().UnixMilli()
	return r
}

// Open creates a registry and loads its content from store.
func Open(store Store) (*Registry, error) {
	r := New(store)
	if store == nil {
		return r, nil
	}
	items, updated, err := store.Load()
	if err != nil {
		return nil, err
	}
	r.items = items
	if updated > 0 {
		r.updated = updated
	}
	return r, nil
}

// ValidURL reports whether raw parses as an absolute URL.
func ValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return u.Path != "" || u.Opaque != ""
	case "http", "https", "ws", "wss":
		return u.Host != ""
	default:
		return u.Host != "" || u.Opaque != "" || u.Path != ""
	}
}

// Lookup returns the item registered for the exact resource URL.
func (r *Registry) Lookup(resourceURL string) (ProxyItem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexLocked(resourceURL)
	if i < 0 {
		return ProxyItem{}, false
	}
	return r.items[i], true
}

// List returns a copy of all items in insertion order.
func (r *Registry) List() []ProxyItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProxyItem, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of registered items.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Updated returns the last-modified timestamp in milliseconds since the epoch.
func (r *Registry) Updated() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated
}

// Add registers a new item. Both URLs must be valid and resourceURL must be absent.
func (r *Registry) Add(resourceURL, target, contentType string) error {
	if !ValidURL(resourceURL) {
		return fmt.Errorf("%w: %q", ErrInvalidURL, resourceURL)
	}
	if !ValidURL(target) {
		return fmt.Errorf("%w: %q", ErrInvalidURL, target)
	}
	return r.mutate(func() error {
		if r.indexLocked(resourceURL) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicate, resourceURL)
		}
		r.items = append(r.items, ProxyItem{
			ResourceURL:      resourceURL,
			ProxyResourceURL: target,
			ContentType:      contentType,
		})
		return nil
	})
}

// Remove deletes the item registered for resourceURL.
func (r *Registry) Remove(resourceURL string) error {
	return r.mutate(func() error {
		i := r.indexLocked(resourceURL)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, resourceURL)
		}
		r.items = append(r.items[:i], r.items[i+1:]...)
		return nil
	})
}

// Modify updates target and content type of an existing item in place.
// Only target is validated; when resourceURL is absent Modify behaves like Add.
func (r *Registry) Modify(resourceURL, target, contentType string) error {
	if !ValidURL(target) {
		return fmt.Errorf("%w: %q", ErrInvalidURL, target)
	}

	r.mu.RLock()
	exists := r.indexLocked(resourceURL) >= 0
	r.mu.RUnlock()
	if !exists {
		return r.Add(resourceURL, target, contentType)
	}

	return r.mutate(func() error {
		i := r.indexLocked(resourceURL)
		if i < 0 {
			// removed concurrently
			return fmt.Errorf("%w: %s", ErrNotFound, resourceURL)
		}
		r.items[i].ProxyResourceURL = target
		r.items[i].ContentType = contentType
		return nil
	})
}

// mutate applies fn under the write lock, bumps the timestamp and saves.
func (r *Registry) mutate(fn func() error) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if err := fn(); err != nil {
		r.mu.Unlock()
		return err
	}
	ts := r.now().UnixMilli()
	if ts <= r.updated {
		ts = r.updated + 1
	}
	r.updated = ts
	snapshot := make([]ProxyItem, len(r.items))
	copy(snapshot, r.items)
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	if err := r.store.Save(snapshot, ts); err != nil {
		return &PersistError{Cause: err}
	}
	return nil
}

func (r *Registry) indexLocked(resourceURL string) int {
	for i := range r.items {
		if r.items[i].ResourceURL == resourceURL {
			return i
		}
	}
	return -1
}
