// ABOUTME: Sliding-window admission limiter keyed by caller identifier.
// ABOUTME: Keeps a per-identifier timestamp log and sweeps idle identifiers in the background.

package ratelimit

import (
	"math"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

// Result is the outcome of a single admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetIn is the time until the oldest request in the window expires
	// when denied, and the full window when allowed.
	ResetIn time.Duration
}

// RetryAfter returns ResetIn rounded up to whole seconds.
func (r Result) RetryAfter() int {
	return int(math.Ceil(r.ResetIn.Seconds()))
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval sets how often idle identifiers are dropped.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepInterval = d }
}

// Limiter admits at most maxRequests per identifier within a trailing window.
// State is local to the process.
type Limiter struct {
	mu            sync.Mutex
	requests      map[string][]time.Time
	maxRequests   int
	window        time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	done          chan struct{}
	closed        bool
}

// New creates a limiter and starts its background sweep.
func New(maxRequests int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		requests:      make(map[string][]time.Time),
		maxRequests:   maxRequests,
		window:        window,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweepLoop()
	return l
}

// Limit returns the configured maximum per window.
func (l *Limiter) Limit() int {
	return l.maxRequests
}

// Check records a request for identifier if it fits in the window.
func (l *Limiter) Check(identifier string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := l.prune(l.requests[identifier], now)

	if len(valid) >= l.maxRequests {
		resetIn := l.window
		if len(valid) > 0 {
			l.requests[identifier] = valid
			resetIn = l.window - now.Sub(valid[0])
		}
		return Result{
			Allowed:   false,
			Limit:     l.maxRequests,
			Remaining: 0,
			ResetIn:   resetIn,
		}
	}

	valid = append(valid, now)
	l.requests[identifier] = valid

	return Result{
		Allowed:   true,
		Limit:     l.maxRequests,
		Remaining: l.maxRequests - len(valid),
		ResetIn:   l.window,
	}
}

// Reset clears all recorded requests for identifier.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, identifier)
}

// Tracked returns the number of identifiers currently holding history.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// Close stops the background sweep. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}

// prune drops timestamps that have left the window. Timestamps are appended
// in order, so the valid ones are a suffix.
func (l *Limiter) prune(stamps []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(stamps) && now.Sub(stamps[i]) >= l.window {
		i++
	}
	return stamps[i:]
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.done:
			return
		}
	}
}

// Sweep removes identifiers whose whole window has expired and trims the rest.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, stamps := range l.requests {
		valid := l.prune(stamps, now)
		if len(valid) == 0 {
			delete(l.requests, id)
			continue
		}
		l.requests[id] = valid
	}
}
