package generation

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"wrapped rate limit sentinel", fmt.Errorf("attempt 2: %w", ErrRateLimited), KindRateLimited},
		{"wrapped quota sentinel", fmt.Errorf("provider: %w", ErrQuotaExhausted), KindQuota},
		{"wrapped auth sentinel", fmt.Errorf("provider: %w", ErrUnauthorized), KindUnauthorized},
		{"wrapped invalid output", fmt.Errorf("validation: %w", ErrInvalidOutput), KindInvalidOutput},
		{"wrapped transient", fmt.Errorf("request: %w", ErrTransient), KindTransient},
		{"429 text", errors.New("HTTP 429 too many requests"), KindRateLimited},
		{"quota text", errors.New("insufficient quota for this key"), KindQuota},
		{"auth text", errors.New("invalid api key provided"), KindUnauthorized},
		{"empty response text", errors.New("empty response from model"), KindInvalidOutput},
		{"timeout text", errors.New("context deadline exceeded: timeout"), KindTransient},
		{"unmatched", errors.New("something odd happened"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindPolicies(t *testing.T) {
	retryable := map[Kind]bool{
		KindRateLimited:   true,
		KindTransient:     true,
		KindInvalidOutput: true,
		KindUnauthorized:  false,
		KindQuota:         false,
		KindUnknown:       false,
	}
	for kind, want := range retryable {
		if got := kind.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", kind, got, want)
		}
	}

	immediate := map[Kind]bool{
		KindUnauthorized:  true,
		KindQuota:         true,
		KindRateLimited:   false,
		KindTransient:     false,
		KindInvalidOutput: false,
	}
	for kind, want := range immediate {
		if got := kind.SwitchImmediately(); got != want {
			t.Errorf("%s.SwitchImmediately() = %v, want %v", kind, got, want)
		}
	}
}

func TestExhaustedError(t *testing.T) {
	underlying := fmt.Errorf("last failure: %w", ErrRateLimited)
	err := &ExhaustedError{
		Operation: "chapter_3_scene_2",
		Attempts:  6,
		Providers: []string{"primary", "fallback"},
		Last:      underlying,
	}

	var wrapped error = fmt.Errorf("writing phase: %w", err)

	if !IsExhausted(wrapped) {
		t.Error("IsExhausted should see through wrapping")
	}
	if !errors.Is(wrapped, ErrRateLimited) {
		t.Error("ExhaustedError should unwrap to the last underlying failure")
	}
	if IsExhausted(ErrRateLimited) {
		t.Error("a bare sentinel is not an exhaustion")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   Kind
	}{
		{200, `{}`, KindUnknown}, // nil error
		{429, "slow down", KindRateLimited},
		{401, "bad key", KindUnauthorized},
		{403, "forbidden", KindUnauthorized},
		{402, "payment required", KindQuota},
		{400, `{"error": "insufficient quota"}`, KindQuota},
		{500, "internal", KindTransient},
		{503, "overloaded", KindTransient},
		{400, "bad request", KindInvalidOutput},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d_%s", tt.status, tt.body), func(t *testing.T) {
			err := classifyStatus(tt.status, []byte(tt.body))
			if tt.status == 200 {
				if err != nil {
					t.Fatalf("expected nil for 200, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := Classify(err); got != tt.want {
				t.Errorf("Classify(classifyStatus(%d)) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}
