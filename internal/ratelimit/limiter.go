package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRequestsPerSecond stays well below the source API's hard limit.
const DefaultRequestsPerSecond = 50

// Limiter is a token bucket shared by every outbound client in the process.
// Capacity equals the refill rate, so a full bucket allows a burst of at
// most one second's worth of calls. Tokens refill lazily from wall-clock
// time and fractions carry over between acquisitions.
type Limiter struct {
	mu         sync.Mutex
	rate       float64
	maxTokens  float64
	tokens     float64
	lastRefill time.Time

	acquired  uint64
	totalWait time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	logger *slog.Logger
}

// Stats is a point-in-time view of limiter activity. Reading it does not
// consume or refill tokens.
type Stats struct {
	Acquired    uint64
	TotalWait   time.Duration
	AverageWait time.Duration
	Tokens      float64
}

func New(perSecond float64, logger *slog.Logger) *Limiter {
	if perSecond <= 0 {
		perSecond = DefaultRequestsPerSecond
	}
	l := &Limiter{
		rate:      perSecond,
		maxTokens: perSecond,
		tokens:    perSecond,
		now:       time.Now,
		sleep:     sleepContext,
		logger:    logger.With("component", "ratelimit"),
	}
	l.lastRefill = l.now()
	return l
}

// Acquire blocks until a token is available and consumes it. It returns the
// context error when ctx is cancelled, or context.DeadlineExceeded when the
// deadline would pass before a token became available. The lock is never
// held while sleeping.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.now()

	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.acquired++
			wait := l.now().Sub(start)
			l.totalWait += wait
			l.mu.Unlock()
			if wait > 0 {
				l.logger.Debug("rate limit wait", "wait", wait)
			}
			return nil
		}
		wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		if deadline, ok := ctx.Deadline(); ok && l.now().Add(wait).After(deadline) {
			return context.DeadlineExceeded
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// refill credits tokens for the time elapsed since the last refill. Caller
// holds mu.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens = min(l.maxTokens, l.tokens+elapsed*l.rate)
	}
	l.lastRefill = now
}

// Stats returns the counters accumulated so far.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Acquired:  l.acquired,
		TotalWait: l.totalWait,
		Tokens:    l.tokens,
	}
	if l.acquired > 0 {
		s.AverageWait = l.totalWait / time.Duration(l.acquired)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
