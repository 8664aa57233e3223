package generation

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds drive retry, backoff, and provider-fallback decisions.
type Kind string

const (
	KindRateLimited   Kind = "rate_limited"
	KindTransient     Kind = "transient"
	KindInvalidOutput Kind = "invalid_output"
	KindUnauthorized  Kind = "unauthorized"
	KindQuota         Kind = "quota_exhausted"
	KindUnknown       Kind = "unknown"
)

var (
	ErrRateLimited    = errors.New("rate limited")
	ErrTransient      = errors.New("service unavailable")
	ErrInvalidOutput  = errors.New("invalid output")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrQuotaExhausted = errors.New("quota exhausted")
)

// ExhaustedError is returned once every attempt on every provider has been
// spent. It wraps the last underlying failure.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Providers []string
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted after %d attempts across %s: %v",
		e.Operation, e.Attempts, strings.Join(e.Providers, ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsExhausted reports whether err is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Classify maps an error onto the failure taxonomy. Typed sentinels win;
// otherwise the error text is matched against the patterns providers
// actually emit (429s, 5xx, auth failures, empty responses).
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrQuotaExhausted):
		return KindQuota
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidOutput):
		return KindInvalidOutput
	case errors.Is(err, ErrTransient):
		return KindTransient
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "rate limit", "429", "too many requests"):
		return KindRateLimited
	case containsAny(msg, "insufficient quota", "quota exceeded", "billing"):
		return KindQuota
	case containsAny(msg, "unauthorized", "invalid api key", "authentication failed", "401", "403"):
		return KindUnauthorized
	case containsAny(msg, "empty response", "no response", "invalid response", "response too short"):
		return KindInvalidOutput
	case containsAny(msg, "timeout", "connection", "network", "502", "503", "unavailable"):
		return KindTransient
	}

	return KindUnknown
}

// Retryable reports whether a failure of this kind is worth another attempt
// on the same provider. Auth and quota failures only make sense on a
// different provider.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransient, KindInvalidOutput:
		return true
	default:
		return false
	}
}

// SwitchImmediately reports whether this failure kind should trigger
// provider fallback without any same-provider retry.
func (k Kind) SwitchImmediately() bool {
	return k == KindUnauthorized || k == KindQuota
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
