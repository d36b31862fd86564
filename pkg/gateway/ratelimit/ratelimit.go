package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	// Attempts allowed per key within one window.
	Attempts int
	Window   time.Duration

	// Operational bounds for the in-memory store (single-process only).
	MaxEntries int

	// Injectable clock for tests.
	Now func() time.Time
}

type Decision struct {
	Allowed bool
	// Seconds the caller should wait before retrying; >= 1 when denied.
	RetryAfter int
}

// Store is the keyed window state the limiter reads and writes. A process-wide
// map is the default; tests substitute isolated instances.
type Store interface {
	Get(key string) (Window, bool)
	Set(key string, w Window)
	Delete(key string)
	Len() int
	ForEach(fn func(key string, w Window) bool)
}

// Window is the per-key fixed-window counter state.
type Window struct {
	Count   int
	ResetAt time.Time
}

type Limiter struct {
	cfg Config

	mu    sync.Mutex
	store Store
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		cfg:   cfg,
		store: newMemoryStore(),
	}
}

// NewWithStore is like New but uses the provided backing store.
func NewWithStore(cfg Config, store Store) *Limiter {
	l := New(cfg)
	if store != nil {
		l.store = store
	}
	return l
}

// Allow records one attempt for key and reports whether it is admitted.
// The window starts on the first attempt and resets once it elapses; a
// read-check-write race across goroutines at worst trips the limit one
// attempt late, which is acceptable for admission control.
func (l *Limiter) Allow(key string) Decision {
	if l == nil || l.cfg.Attempts <= 0 || l.cfg.Window <= 0 {
		return Decision{Allowed: true}
	}
	now := l.cfg.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.store.Get(key)
	if !ok || !now.Before(w.ResetAt) {
		if l.store.Len() >= l.cfg.MaxEntries {
			l.gcLocked(now)
			// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
			if l.store.Len() >= l.cfg.MaxEntries {
				l.store.ForEach(func(key string, _ Window) bool {
					l.store.Delete(key)
					return false
				})
			}
		}
		l.store.Set(key, Window{Count: 1, ResetAt: now.Add(l.cfg.Window)})
		return Decision{Allowed: true}
	}

	if w.Count >= l.cfg.Attempts {
		return Decision{Allowed: false, RetryAfter: retryAfterSeconds(w.ResetAt.Sub(now))}
	}
	w.Count++
	l.store.Set(key, w)
	return Decision{Allowed: true}
}

func (l *Limiter) gcLocked(now time.Time) {
	var expired []string
	l.store.ForEach(func(key string, w Window) bool {
		if !now.Before(w.ResetAt) {
			expired = append(expired, key)
		}
		return true
	})
	for _, key := range expired {
		l.store.Delete(key)
	}
}

func retryAfterSeconds(remaining time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type memoryStore struct {
	m map[string]Window
}

func newMemoryStore() *memoryStore {
	return &memoryStore{m: make(map[string]Window)}
}

func (s *memoryStore) Get(key string) (Window, bool) {
	w, ok := s.m[key]
	return w, ok
}

func (s *memoryStore) Set(key string, w Window) {
	s.m[key] = w
}

func (s *memoryStore) Delete(key string) {
	delete(s.m, key)
}

func (s *memoryStore) Len() int {
	return len(s.m)
}

func (s *memoryStore) ForEach(fn func(key string, w Window) bool) {
	for k, w := range s.m {
		if !fn(k, w) {
			return
		}
	}
}
