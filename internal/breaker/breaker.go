package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed lets calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen blocks calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen lets calls through while probing recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit blocks a call without invoking
// the upstream.
var ErrCircuitOpen = errors.New("breaker: circuit is open")

// Config holds the breaker thresholds. Zero values fall back to the defaults
// used in production: 5 failures, 60s recovery, 2 successes.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}

	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}

	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}

	return c
}

// Breaker guards one upstream dependency. After FailureThreshold consecutive
// failures it opens and fails calls fast; after RecoveryTimeout it lets a
// probe through, and SuccessThreshold consecutive probe successes close it
// again. Any probe failure reopens immediately.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time

	now           func() time.Time
	onStateChange func(from, to State)
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// OnStateChange registers a callback fired on every transition, used for
// metrics. Must be set before the breaker is shared between goroutines.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.onStateChange = fn
}

// State reports the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Do wraps one upstream call. When the circuit is open and the recovery
// timeout has not elapsed, fn is never invoked and ErrCircuitOpen is
// returned. Otherwise fn runs and its outcome is recorded.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		b.recordFailure()

		return err
	}

	b.recordSuccess()

	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
		return ErrCircuitOpen
	}

	slog.Info("circuit breaker probing recovery")
	b.transition(StateHalfOpen)

	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0

	if b.state != StateHalfOpen {
		return
	}

	b.successes++
	if b.successes >= b.cfg.SuccessThreshold {
		slog.Info("circuit breaker recovered")
		b.transition(StateClosed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		slog.Warn("circuit breaker recovery probe failed, reopening")
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			slog.Error("circuit breaker opened",
				"failures", b.failures,
				"recovery_timeout", b.cfg.RecoveryTimeout.String())
			b.transition(StateOpen)
		}
	case StateOpen:
		// Already open; the failure timestamp was refreshed above.
	}
}

// transition moves to a new state and resets both counters. Callers hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0

	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
