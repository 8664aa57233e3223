// Package retry runs generation calls with kind-aware backoff and
// provider fallback. The executor owns the entire attempt budget for one
// logical operation; callers get either a result or an ExhaustedError.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/storyloom/storyloom/internal/generation"
)

// Backoff multipliers per failure kind. Rate limits back off hardest,
// malformed output only slightly: the model usually recovers on the next
// sample.
const (
	rateLimitMultiplier     = 3.0
	transientMultiplier     = 2.0
	invalidOutputMultiplier = 1.5

	maxJitterFraction = 0.15

	// Provider switch after this many consecutive empty or invalid outputs,
	// even though the kind is otherwise retryable.
	consecutiveInvalidLimit = 2
)

// Attempt describes one call into a provider. Attempts are ephemeral:
// they drive fallback decisions and observer bookkeeping, never
// persistence.
type Attempt struct {
	Operation string
	Provider  string
	Number    int
	Err       error
	Kind      generation.Kind
}

type Executor struct {
	providers   []generation.Service
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	observer    func(Attempt)
}

type Option func(*Executor)

func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.baseDelay = d
		}
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.maxDelay = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger.With("component", "retry_executor")
	}
}

// withSleep replaces the delay function, for tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = fn
	}
}

// NewExecutor builds an executor over an ordered provider chain. The first
// provider is primary; the rest are fallbacks tried in order.
func NewExecutor(providers []generation.Service, opts ...Option) (*Executor, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	e := &Executor{
		providers:   providers,
		maxAttempts: 3,
		baseDelay:   2 * time.Second,
		maxDelay:    2 * time.Minute,
		logger:      slog.Default().With("component", "retry_executor"),
		sleep:       sleepCtx,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// SetObserver registers a callback invoked after every attempt, failed
// or not. The executor is single-caller, so no locking is needed.
func (e *Executor) SetObserver(fn func(Attempt)) {
	e.observer = fn
}

// Do runs spec against the provider chain. Each provider gets a fresh
// attempt counter. The global budget is maxAttempts per provider; once
// every provider is spent the result is an ExhaustedError wrapping the
// last failure.
func (e *Executor) Do(ctx context.Context, operation string, spec generation.Spec, maxOutputSize int) (string, error) {
	var (
		lastErr       error
		totalAttempts int
	)

	for providerIdx, provider := range e.providers {
		consecutiveInvalid := 0

		for attempt := 0; attempt < e.maxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			totalAttempts++
			result, err := provider.Generate(ctx, spec, maxOutputSize)

			if e.observer != nil {
				e.observer(Attempt{
					Operation: operation,
					Provider:  provider.Name(),
					Number:    totalAttempts,
					Err:       err,
					Kind:      generation.Classify(err),
				})
			}

			if err == nil {
				if attempt > 0 || providerIdx > 0 {
					e.logger.Info("operation recovered",
						"operation", operation,
						"provider", provider.Name(),
						"attempt", attempt+1,
						"total_attempts", totalAttempts)
				}
				return result, nil
			}

			lastErr = err
			kind := generation.Classify(err)

			e.logger.Warn("attempt failed",
				"operation", operation,
				"provider", provider.Name(),
				"attempt", attempt+1,
				"kind", string(kind),
				"error", err)

			if kind.SwitchImmediately() {
				e.logger.Info("switching provider immediately",
					"operation", operation,
					"provider", provider.Name(),
					"kind", string(kind))
				break
			}

			if kind == generation.KindInvalidOutput {
				consecutiveInvalid++
				if consecutiveInvalid >= consecutiveInvalidLimit {
					e.logger.Info("switching provider after repeated invalid output",
						"operation", operation,
						"provider", provider.Name(),
						"consecutive", consecutiveInvalid)
					break
				}
			} else {
				consecutiveInvalid = 0
			}

			if !kind.Retryable() {
				break
			}

			if attempt < e.maxAttempts-1 {
				delay := e.backoff(kind, attempt)
				e.logger.Debug("backing off",
					"operation", operation,
					"delay_ms", delay.Milliseconds())
				if err := e.sleep(ctx, delay); err != nil {
					return "", err
				}
			}
		}
	}

	names := make([]string, len(e.providers))
	for i, p := range e.providers {
		names[i] = p.Name()
	}

	return "", &generation.ExhaustedError{
		Operation: operation,
		Attempts:  totalAttempts,
		Providers: names,
		Last:      lastErr,
	}
}

// backoff computes the delay before retry number attempt+1:
// base * multiplier^attempt, plus up to 15% jitter, capped at maxDelay.
func (e *Executor) backoff(kind generation.Kind, attempt int) time.Duration {
	multiplier := transientMultiplier
	switch kind {
	case generation.KindRateLimited:
		multiplier = rateLimitMultiplier
	case generation.KindInvalidOutput:
		multiplier = invalidOutputMultiplier
	}

	delay := float64(e.baseDelay)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
	}

	delay += delay * maxJitterFraction * rand.Float64()

	if capped := float64(e.maxDelay); delay > capped {
		delay = capped
	}

	return time.Duration(delay)
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
