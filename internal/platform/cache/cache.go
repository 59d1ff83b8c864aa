// Package cache provides the read-side page cache for billing queries and the
// invalidation hook the orchestrator calls after each committed mutation.
package cache

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Store is a thread-safe in-memory cache with lazy expiration. Keys are
// request paths, so invalidation can target everything under a resource.
type Store struct {
	entries map[string]*entry
	mu      sync.RWMutex
	ttl     time.Duration
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
	}
}

// Get retrieves a value. Performs lazy expiration: deletes the entry and
// returns a miss if it has expired.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return e.data, true
}

func (s *Store) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{
		data:      value,
		expiresAt: time.Now().Add(s.ttl),
	}
}

// DeletePrefix removes every entry whose key starts with prefix.
func (s *Store) DeletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}

// Len reports the number of live entries, counting expired ones not yet
// swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// StartCleanup runs a background goroutine that periodically removes expired
// entries. It stops when the context is cancelled.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				now := time.Now()
				for k, v := range s.entries {
					if now.After(v.expiresAt) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}

// Invalidator drops cached pages for a set of resource paths. The billing
// orchestrator calls it exactly once per successful mutation with every path
// the mutation affected.
type Invalidator interface {
	Invalidate(ctx context.Context, paths []string)
}

// StoreInvalidator invalidates by key prefix against a Store.
type StoreInvalidator struct {
	store *Store
}

func NewStoreInvalidator(store *Store) *StoreInvalidator {
	return &StoreInvalidator{store: store}
}

func (i *StoreInvalidator) Invalidate(_ context.Context, paths []string) {
	for _, p := range paths {
		i.store.DeletePrefix(p)
	}
}

// NopInvalidator ignores invalidations. Used when caching is disabled.
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(context.Context, []string) {}

type bufferedWriter struct {
	writer     http.ResponseWriter
	buf        []byte
	statusCode int
}

func (w *bufferedWriter) Header() http.Header { return w.writer.Header() }

func (w *bufferedWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	return len(b), nil
}

func (w *bufferedWriter) WriteHeader(code int) { w.statusCode = code }

// ResponseCache is echo middleware that caches successful GET responses keyed
// by path and query string. Mutations elsewhere invalidate by path prefix, so
// the key always starts with the request path.
func ResponseCache(store *Store) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet {
				return next(c)
			}

			key := req.URL.Path
			if q := req.URL.RawQuery; q != "" {
				key += "?" + q
			}

			if data, ok := store.Get(key); ok {
				c.Response().Header().Set("X-Cache", "HIT")
				c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
				c.Response().WriteHeader(http.StatusOK)
				_, err := c.Response().Write(data)
				return err
			}

			res := c.Response()
			origWriter := res.Writer
			buf := &bufferedWriter{writer: origWriter, statusCode: http.StatusOK}
			res.Writer = buf

			err := next(c)
			res.Writer = origWriter
			if err != nil {
				return err
			}

			if buf.statusCode == http.StatusOK {
				store.Set(key, buf.buf)
			}

			res.Header().Set("X-Cache", "MISS")
			res.WriteHeader(buf.statusCode)
			if len(buf.buf) > 0 {
				if _, err := res.Write(buf.buf); err != nil {
					return err
				}
			}
			return nil
		}
	}
}
