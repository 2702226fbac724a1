package retry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itrailmpool/miningcore/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	var calls atomic.Int64
	err := Do(context.Background(), fastConfig(3), func() error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	var calls atomic.Int64
	err := Do(context.Background(), fastConfig(4), func() error {
		if calls.Add(1) < 3 {
			return errors.New(errors.ErrorTypeDatabase, "op", "down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	var calls atomic.Int64
	err := Do(context.Background(), fastConfig(4), func() error {
		calls.Add(1)
		return errors.New(errors.ErrorTypeDatabase, "op", "down")
	})
	if err == nil {
		t.Fatal("expected an error after exhaustion")
	}
	if calls.Load() != 4 {
		t.Fatalf("calls = %d, want 4", calls.Load())
	}
	// Exhaustion keeps the retryable classification so an outer fallback
	// layer can still recognize the failure class.
	if !errors.IsRetryable(err) {
		t.Fatal("exhausted error lost its retryable classification")
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	var calls atomic.Int64
	err := Do(context.Background(), fastConfig(4), func() error {
		calls.Add(1)
		return errors.New(errors.ErrorTypeValidation, "op", "bad input")
	})
	if err == nil {
		t.Fatal("expected the error back")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (no retries)", calls.Load())
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int64
	cfg := &Config{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error {
			calls.Add(1)
			return errors.New(errors.ErrorTypeNetwork, "op", "down")
		})
	}()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Do() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not observe cancellation during backoff")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestPersistenceConfigSchedule(t *testing.T) {
	cfg := PersistenceConfig()
	if cfg.MaxAttempts != 4 {
		t.Fatalf("MaxAttempts = %d, want 4 (initial + 3 retries)", cfg.MaxAttempts)
	}
	if cfg.Jitter {
		t.Fatal("persistence schedule must be exact")
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := cfg.delay(i); got != w {
			t.Errorf("delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestDoWithResult(t *testing.T) {
	var calls atomic.Int64
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (int, error) {
		if calls.Add(1) < 2 {
			return 0, errors.New(errors.ErrorTypeTimeout, "op", "slow")
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("DoWithResult() = %v, %v, want 42, nil", got, err)
	}
}
