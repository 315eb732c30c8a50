// Package ratelimit provides sliding-window rate limiting for tool
// invocations and agent run quotas.
package ratelimit

import (
	"sync"
	"time"
)

// Limit describes one sliding window: at most Max events per Window.
type Limit struct {
	Max    int           `yaml:"max" json:"max"`
	Window time.Duration `yaml:"window" json:"window"`
}

// Valid reports whether the limit is enforceable.
func (l Limit) Valid() bool {
	return l.Max > 0 && l.Window > 0
}

// window tracks event timestamps inside one sliding window.
type window struct {
	mu     sync.Mutex
	limit  Limit
	events []time.Time
}

// allow performs an atomic check-and-increment: the event is recorded only
// if it fits the window, so concurrent callers can never double-spend quota.
func (w *window) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now)
	if len(w.events) >= w.limit.Max {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// retryAfter returns how long until the oldest event leaves the window.
func (w *window) retryAfter(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now)
	if len(w.events) < w.limit.Max {
		return 0
	}
	return w.events[0].Add(w.limit.Window).Sub(now)
}

// trim drops events older than the window (must be called with lock held).
func (w *window) trim(now time.Time) {
	cutoff := now.Add(-w.limit.Window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// Limiter manages sliding windows for multiple keys. Keys are typically
// composite, e.g. "tool:crm_create_contact:agent:abc".
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new sliding-window limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow records one event for key under limit if the window has room.
// A zero/invalid limit always allows.
func (l *Limiter) Allow(key string, limit Limit) bool {
	if !limit.Valid() {
		return true
	}
	return l.getWindow(key, limit).allow(l.now())
}

// RetryAfter returns how long the caller should wait before the next event
// for key would be allowed. Zero means it would be allowed now.
func (l *Limiter) RetryAfter(key string, limit Limit) time.Duration {
	if !limit.Valid() {
		return 0
	}
	return l.getWindow(key, limit).retryAfter(l.now())
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

func (l *Limiter) getWindow(key string, limit Limit) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if w, ok = l.windows[key]; ok {
		return w
	}

	if len(l.windows) >= l.maxKeys {
		l.prune()
	}

	w = &window{limit: limit}
	l.windows[key] = w
	return w
}

// prune removes empty windows (inactive keys). Must be called with the
// write lock held.
func (l *Limiter) prune() {
	now := l.now()
	for key, w := range l.windows {
		w.mu.Lock()
		w.trim(now)
		empty := len(w.events) == 0
		w.mu.Unlock()
		if empty {
			delete(l.windows, key)
		}
	}
}

// CompositeKey joins key parts with ":".
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
