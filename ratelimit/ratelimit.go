// Package ratelimit implements the per-client sliding-window rate limiter
// that gates event ingestion. Each client's recent request timestamps are
// held in a bounded LRU cache so memory use doesn't grow with the number
// of distinct clients ever seen.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config tunes the window and request ceiling.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

const (
	defaultWindow      = 60 * time.Second
	defaultMaxRequests = 1000
	defaultCacheSize   = 10000
)

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = defaultMaxRequests
	}
	return c
}

// Decision is the outcome of an Allow check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // only meaningful when !Allowed
}

type bucket struct {
	mu   sync.Mutex
	hits []time.Time // ascending, pruned to the current window
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg    Config
	cache  *lru.Cache[string, *bucket]
}

// New constructs a Limiter.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, *bucket](defaultCacheSize)
	if err != nil {
		panic(err)
	}
	return &Limiter{cfg: cfg, cache: cache}
}

// Allow records one request attempt for clientID at time t and reports
// whether it falls within the limit.
func (l *Limiter) Allow(clientID string, t time.Time) Decision {
	b := l.bucketFor(clientID)

	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := t.Add(-l.cfg.Window)
	b.hits = pruneBefore(b.hits, cutoff)

	resetAt := t.Add(l.cfg.Window)
	if len(b.hits) > 0 {
		resetAt = b.hits[0].Add(l.cfg.Window)
	}

	if len(b.hits) >= l.cfg.MaxRequests {
		return Decision{
			Allowed:    false,
			Limit:      l.cfg.MaxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(t),
		}
	}

	b.hits = append(b.hits, t)
	remaining := l.cfg.MaxRequests - len(b.hits)
	return Decision{Allowed: true, Limit: l.cfg.MaxRequests, Remaining: remaining, ResetAt: resetAt}
}

func (l *Limiter) bucketFor(clientID string) *bucket {
	if b, ok := l.cache.Get(clientID); ok {
		return b
	}
	b := &bucket{}
	l.cache.Add(clientID, b)
	return b
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && hits[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append([]time.Time{}, hits[i:]...)
}

// Cleanup evicts buckets with no hits inside the current window, bounding
// memory for clients that stopped sending traffic. Intended to run on its
// own periodic task per spec §5.
func (l *Limiter) Cleanup(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	for _, clientID := range l.cache.Keys() {
		b, ok := l.cache.Peek(clientID)
		if !ok {
			continue
		}
		b.mu.Lock()
		b.hits = pruneBefore(b.hits, cutoff)
		empty := len(b.hits) == 0
		b.mu.Unlock()
		if empty {
			l.cache.Remove(clientID)
		}
	}
}
