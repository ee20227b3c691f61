package web

import (
	"sync"
	"time"
)

const (
	DefaultProbeLimit      = 30
	DefaultProbeWindow     = time.Minute
	DefaultProbeMaxEntries = 1000
)

// probeLimiter caps how often a denied host can hammer the status
// endpoints. Bounded at maxEntries so hostile traffic cannot grow the
// map without limit.
type probeLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	maxEntries  int
	entries     map[string]*probeEntry
	lastCleanup time.Time
}

type probeEntry struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

func newProbeLimiter(limit int, window time.Duration, maxEntries int) *probeLimiter {
	if limit <= 0 {
		limit = DefaultProbeLimit
	}
	if window <= 0 {
		window = DefaultProbeWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultProbeMaxEntries
	}
	return &probeLimiter{
		limit:      limit,
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]*probeEntry),
	}
}

func (l *probeLimiter) allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shouldCleanup(now) {
		l.cleanup(now)
	}

	entry := l.entries[key]
	if entry == nil {
		entry = &probeEntry{windowStart: now, lastSeen: now}
		l.entries[key] = entry
	}

	if now.Sub(entry.windowStart) >= l.window {
		entry.count = 0
		entry.windowStart = now
	}

	entry.lastSeen = now
	if entry.count >= l.limit {
		return false
	}
	entry.count++
	return true
}

func (l *probeLimiter) shouldCleanup(now time.Time) bool {
	if len(l.entries) > l.maxEntries {
		return true
	}
	if l.lastCleanup.IsZero() {
		return true
	}
	return now.Sub(l.lastCleanup) >= l.window
}

func (l *probeLimiter) cleanup(now time.Time) {
	staleCutoff := now.Add(-2 * l.window)
	for key, entry := range l.entries {
		if entry.lastSeen.Before(staleCutoff) {
			delete(l.entries, key)
		}
	}

	if len(l.entries) > l.maxEntries {
		excess := len(l.entries) - l.maxEntries
		for key := range l.entries {
			delete(l.entries, key)
			excess--
			if excess <= 0 {
				break
			}
		}
	}
	l.lastCleanup = now
}
