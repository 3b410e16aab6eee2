package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// quietPeriod is how long without an overload signal before the rate is
	// allowed to creep back toward the maximum.
	quietPeriod = 5 * time.Minute

	// creepFactor is applied once per acquisition while the limiter is quiet.
	creepFactor = 1.005

	// minRate is the hard floor; the limiter never slows below one call/sec.
	minRate = 1.0
)

// Limiter paces calls to a shared upstream and adapts to explicit overload
// feedback. Every overload signal halves the allowed rate; after a quiet
// period the rate slowly recovers toward the configured maximum.
//
// Pacing decisions are strictly serialized: the limiter holds its lock for
// the duration of the wait, so at most one caller is deciding "when" at any
// time. Released calls proceed in parallel.
type Limiter struct {
	mu sync.Mutex

	rate         float64 // calls per second, within [minRate, maxRate]
	maxRate      float64
	minInterval  time.Duration
	lastCall     time.Time
	lastOverload time.Time

	// injected for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter starting at initialRate calls/sec that may
// recover up to maxRate after overload signals stop.
func NewLimiter(initialRate, maxRate float64) *Limiter {
	if initialRate < minRate {
		initialRate = minRate
	}
	if maxRate < initialRate {
		maxRate = initialRate
	}

	return &Limiter{
		rate:        initialRate,
		maxRate:     maxRate,
		minInterval: intervalFor(initialRate),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// OnOverload halves the current rate (floor one call/sec). Called when the
// upstream rejects a request for being too frequent. The effect is immediate
// for all subsequent Acquire calls.
func (l *Limiter) OnOverload() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = l.rate * 0.5
	if l.rate < minRate {
		l.rate = minRate
	}

	l.minInterval = intervalFor(l.rate)
	l.lastOverload = l.now()

	slog.Warn("upstream overload signal, rate halved", "rate", l.rate)
}

// Acquire blocks until it is safe to issue one upstream call. It returns
// early only when ctx is done. This is advisory pacing, not an admission
// gate; there is no error other than cancellation.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Recover slowly once overload signals have stopped.
	if l.now().Sub(l.lastOverload) > quietPeriod {
		l.rate = l.rate * creepFactor
		if l.rate > l.maxRate {
			l.rate = l.maxRate
		}

		l.minInterval = intervalFor(l.rate)
	}

	if wait := l.minInterval - l.now().Sub(l.lastCall); wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}

	l.lastCall = l.now()

	return nil
}

// Rate reports the current allowed call rate in calls/sec.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.rate
}

func intervalFor(rate float64) time.Duration {
	return time.Duration(float64(time.Second) / rate)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
