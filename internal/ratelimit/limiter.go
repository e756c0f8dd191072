package ratelimit

import (
	"sync"
	"time"
)

// Config holds limiter settings.
type Config struct {
	MaxRequests   int           // Allowed requests per window
	Window        time.Duration // Window length
	BlockDuration time.Duration // Block applied when the limit is exceeded
}

// DefaultConfig returns sensible defaults for handshake throttling.
func DefaultConfig() Config {
	return Config{
		MaxRequests:   10,
		Window:        60 * time.Second,
		BlockDuration: 5 * time.Minute,
	}
}

// record tracks one identifier's window and block state.
type record struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// Limiter is a sliding-window rate limiter keyed by identifier.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*record

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter with the given config.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// Allow records a request for id and reports whether it is within limits.
// The call that exceeds MaxRequests inside a window blocks the identifier
// for BlockDuration; subsequent window resets do not lift the block.
func (l *Limiter) Allow(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	r, ok := l.records[id]
	if !ok {
		r = &record{windowStart: now}
		l.records[id] = r
	}

	if now.Before(r.blockedUntil) {
		return false
	}

	if now.Sub(r.windowStart) >= l.cfg.Window {
		r.windowStart = now
		r.count = 0
	}

	r.count++
	if r.count > l.cfg.MaxRequests {
		r.blockedUntil = now.Add(l.cfg.BlockDuration)
		return false
	}

	return true
}

// Cleanup purges identifiers whose window and block have both elapsed.
// Safe to call concurrently with Allow.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, r := range l.records {
		windowDone := now.Sub(r.windowStart) >= l.cfg.Window
		blockDone := !now.Before(r.blockedUntil)
		if windowDone && blockDone {
			delete(l.records, id)
		}
	}
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
