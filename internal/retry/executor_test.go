package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/storyloom/storyloom/internal/generation"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestExecutor(t *testing.T, providers ...generation.Service) *Executor {
	t.Helper()
	e, err := NewExecutor(providers, WithMaxAttempts(3), withSleep(noSleep))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	primary := generation.NewMockService("primary",
		generation.MockResponse{Err: fmt.Errorf("call: %w", generation.ErrTransient)},
		generation.MockResponse{Err: fmt.Errorf("call: %w", generation.ErrRateLimited)},
		generation.MockResponse{Content: "chapter text"},
	)

	e := newTestExecutor(t, primary)

	result, err := e.Do(context.Background(), "test_op", generation.Spec{Task: "write"}, 0)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if result != "chapter text" {
		t.Errorf("unexpected result: %q", result)
	}
	if primary.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", primary.Calls())
	}
}

func TestDoFallsBackOnAuthFailure(t *testing.T) {
	primary := generation.NewMockService("primary",
		generation.MockResponse{Err: fmt.Errorf("call: %w", generation.ErrUnauthorized)},
	)
	fallback := generation.NewMockService("fallback",
		generation.MockResponse{Content: "rescued"},
	)

	e := newTestExecutor(t, primary, fallback)

	result, err := e.Do(context.Background(), "test_op", generation.Spec{Task: "write"}, 0)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if result != "rescued" {
		t.Errorf("unexpected result: %q", result)
	}
	// Auth failure must not burn retries on the same provider.
	if primary.Calls() != 1 {
		t.Errorf("expected 1 call on primary, got %d", primary.Calls())
	}
}

func TestDoSwitchesAfterConsecutiveInvalidOutput(t *testing.T) {
	primary := generation.NewMockService("primary",
		generation.MockResponse{Err: fmt.Errorf("call: %w", generation.ErrInvalidOutput)},
		generation.MockResponse{Err: fmt.Errorf("call: %w", generation.ErrInvalidOutput)},
	)
	fallback := generation.NewMockService("fallback",
		generation.MockResponse{Content: "ok"},
	)

	e := newTestExecutor(t, primary, fallback)

	result, err := e.Do(context.Background(), "test_op", generation.Spec{Task: "write"}, 0)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("unexpected result: %q", result)
	}
	if primary.Calls() != 2 {
		t.Errorf("expected 2 calls on primary before switch, got %d", primary.Calls())
	}
}

func TestDoExhaustsAllProviders(t *testing.T) {
	failing := fmt.Errorf("call: %w", generation.ErrTransient)
	primary := generation.NewMockService("primary",
		generation.MockResponse{Err: failing},
		generation.MockResponse{Err: failing},
		generation.MockResponse{Err: failing},
	)
	fallback := generation.NewMockService("fallback",
		generation.MockResponse{Err: failing},
		generation.MockResponse{Err: failing},
		generation.MockResponse{Err: failing},
	)

	e := newTestExecutor(t, primary, fallback)

	_, err := e.Do(context.Background(), "test_op", generation.Spec{Task: "write"}, 0)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}

	var exhausted *generation.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T: %v", err, err)
	}
	if exhausted.Attempts != 6 {
		t.Errorf("expected 6 total attempts, got %d", exhausted.Attempts)
	}
	if len(exhausted.Providers) != 2 {
		t.Errorf("expected 2 providers recorded, got %v", exhausted.Providers)
	}
	if !errors.Is(err, generation.ErrTransient) {
		t.Error("exhaustion should unwrap to the last underlying failure")
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := generation.NewMockService("primary",
		generation.MockResponse{Content: "never reached"},
	)

	e := newTestExecutor(t, primary)

	_, err := e.Do(ctx, "test_op", generation.Spec{Task: "write"}, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffGrowth(t *testing.T) {
	e, err := NewExecutor(
		[]generation.Service{generation.NewMockService("p")},
		WithBaseDelay(time.Second),
		WithMaxDelay(time.Hour),
	)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		kind    generation.Kind
		attempt int
		min     time.Duration
		max     time.Duration // min plus 15% jitter
	}{
		{generation.KindRateLimited, 0, time.Second, 1150 * time.Millisecond},
		{generation.KindRateLimited, 1, 3 * time.Second, 3450 * time.Millisecond},
		{generation.KindRateLimited, 2, 9 * time.Second, 10350 * time.Millisecond},
		{generation.KindTransient, 1, 2 * time.Second, 2300 * time.Millisecond},
		{generation.KindTransient, 2, 4 * time.Second, 4600 * time.Millisecond},
		{generation.KindInvalidOutput, 1, 1500 * time.Millisecond, 1725 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_attempt_%d", tt.kind, tt.attempt), func(t *testing.T) {
			got := e.backoff(tt.kind, tt.attempt)
			if got < tt.min || got > tt.max {
				t.Errorf("backoff(%s, %d) = %v, want within [%v, %v]", tt.kind, tt.attempt, got, tt.min, tt.max)
			}
		})
	}
}

func TestBackoffCapped(t *testing.T) {
	e, err := NewExecutor(
		[]generation.Service{generation.NewMockService("p")},
		WithBaseDelay(time.Minute),
		WithMaxDelay(2*time.Minute),
	)
	if err != nil {
		t.Fatal(err)
	}

	if got := e.backoff(generation.KindRateLimited, 5); got > 2*time.Minute {
		t.Errorf("backoff exceeded cap: %v", got)
	}
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	primary := generation.NewMockService("primary",
		generation.MockResponse{Err: fmt.Errorf("call: %w", generation.ErrInvalidOutput)},
		generation.MockResponse{Err: fmt.Errorf("call: %w", generation.ErrInvalidOutput)},
	)
	fallback := generation.NewMockService("fallback",
		generation.MockResponse{Content: "ok"},
	)

	e := newTestExecutor(t, primary, fallback)

	var attempts []Attempt
	e.SetObserver(func(a Attempt) { attempts = append(attempts, a) })

	if _, err := e.Do(context.Background(), "test_op", generation.Spec{Task: "write"}, 0); err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if len(attempts) != 3 {
		t.Fatalf("expected 3 observed attempts, got %d", len(attempts))
	}
	for i, a := range attempts[:2] {
		if a.Provider != "primary" || a.Kind != generation.KindInvalidOutput {
			t.Errorf("attempt %d: provider=%s kind=%s", i, a.Provider, a.Kind)
		}
	}
	last := attempts[2]
	if last.Provider != "fallback" || last.Err != nil {
		t.Errorf("final attempt: provider=%s err=%v", last.Provider, last.Err)
	}
	if last.Number != 3 {
		t.Errorf("final attempt number = %d, want 3", last.Number)
	}
}

func TestNewExecutorRequiresProviders(t *testing.T) {
	if _, err := NewExecutor(nil); err == nil {
		t.Error("expected error for empty provider chain")
	}
}
