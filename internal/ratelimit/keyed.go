// Package ratelimit keeps one token bucket per key, such as a chat ID or a
// relay name, and forgets keys that have gone quiet.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxKeys is the table size at which idle keys are swept.
	DefaultMaxKeys = 10000
	// DefaultIdle is how long a key may go unseen before it is swept.
	DefaultIdle = 10 * time.Minute
)

// Option configures a Keyed limiter.
type Option func(*options)

type options struct {
	maxKeys int
	idle    time.Duration
	now     func() time.Time
}

// WithMaxKeys sets the table size that triggers a sweep of idle keys.
func WithMaxKeys(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxKeys = n
		}
	}
}

// WithIdle sets how long a key may go unseen before it can be swept.
func WithIdle(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idle = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Keyed is a set of token-bucket limiters indexed by key. It is safe for
// concurrent use.
type Keyed[K comparable] struct {
	limit rate.Limit
	burst int
	opts  options

	mu      sync.Mutex
	entries map[K]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a Keyed limiter allowing limit events per second per key
// with the given burst. A burst below one is raised to one.
func New[K comparable](limit float64, burst int, opts ...Option) *Keyed[K] {
	o := options{maxKeys: DefaultMaxKeys, idle: DefaultIdle, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if burst < 1 {
		burst = 1
	}
	return &Keyed[K]{
		limit:   rate.Limit(limit),
		burst:   burst,
		opts:    o,
		entries: make(map[K]*entry),
	}
}

// Allow reports whether one more event for key may happen now.
func (k *Keyed[K]) Allow(key K) bool {
	now := k.opts.now()

	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		if len(k.entries) >= k.opts.maxKeys {
			k.sweep(now)
		}
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len returns the number of keys currently tracked.
func (k *Keyed[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// sweep drops keys idle for longer than the idle window. Must be called
// with k.mu held.
func (k *Keyed[K]) sweep(now time.Time) {
	cutoff := now.Add(-k.opts.idle)
	for key, e := range k.entries {
		if e.lastSeen.Before(cutoff) {
			delete(k.entries, key)
		}
	}
}
