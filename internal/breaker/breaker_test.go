package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream blew up")

func failing(context.Context) error { return errUpstream }

func passing(context.Context) error { return nil }

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, failing); !errors.Is(err, errUpstream) {
			t.Fatalf("Do() call %d = %v, want upstream error", i+1, err)
		}
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	// The next acquisition fails fast without invoking the upstream.
	invoked := false

	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Do() while open = %v, want ErrCircuitOpen", err)
	}

	if invoked {
		t.Error("upstream was invoked while the circuit was open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 2})
	ctx := context.Background()

	_ = b.Do(ctx, failing)
	_ = b.Do(ctx, failing)
	_ = b.Do(ctx, passing)
	_ = b.Do(ctx, failing)
	_ = b.Do(ctx, failing)

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed (failures are consecutive, not cumulative)", got)
	}
}

func TestBreaker_RecoveryCycle(t *testing.T) {
	b := New(Config{FailureThreshold: 2, RecoveryTimeout: time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	clock := time.Now()
	b.now = func() time.Time { return clock }

	_ = b.Do(ctx, failing)
	_ = b.Do(ctx, failing)

	if got := b.State(); got != StateOpen {
		t.Fatalf("State() after threshold failures = %v, want open", got)
	}

	// Before the recovery timeout the circuit still blocks.
	clock = clock.Add(500 * time.Millisecond)

	if err := b.Do(ctx, passing); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Do() before recovery timeout = %v, want ErrCircuitOpen", err)
	}

	// After the timeout the next call is allowed through as a probe.
	clock = clock.Add(time.Second)

	if err := b.Do(ctx, passing); err != nil {
		t.Fatalf("Do() probe = %v, want nil", err)
	}

	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State() after first probe success = %v, want half_open", got)
	}

	if err := b.Do(ctx, passing); err != nil {
		t.Fatalf("Do() second probe = %v, want nil", err)
	}

	if got := b.State(); got != StateClosed {
		t.Errorf("State() after success threshold = %v, want closed", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 2, RecoveryTimeout: time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	clock := time.Now()
	b.now = func() time.Time { return clock }

	_ = b.Do(ctx, failing)
	_ = b.Do(ctx, failing)

	clock = clock.Add(2 * time.Second)

	if err := b.Do(ctx, failing); !errors.Is(err, errUpstream) {
		t.Fatalf("Do() probe = %v, want upstream error", err)
	}

	if got := b.State(); got != StateOpen {
		t.Errorf("State() after failed probe = %v, want open", got)
	}

	// Counters were reset by the transition: recovery needs the full
	// success threshold again.
	clock = clock.Add(2 * time.Second)

	_ = b.Do(ctx, passing)

	if got := b.State(); got != StateHalfOpen {
		t.Errorf("State() = %v, want half_open (one success is not enough)", got)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1})
	ctx := context.Background()

	clock := time.Now()
	b.now = func() time.Time { return clock }

	var transitions []string

	b.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	_ = b.Do(ctx, failing)

	clock = clock.Add(2 * time.Second)

	_ = b.Do(ctx, passing)

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}

	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}
