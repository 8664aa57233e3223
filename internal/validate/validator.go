// Package validate checks generation output before it is accepted into
// the workflow. Validation is pure: the same inputs always produce the
// same result, so it can run after every retry attempt.
package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind selects the minimum length and expected structure for an output.
type Kind string

const (
	KindProse      Kind = "prose"       // scene and chapter text
	KindOutline    Kind = "outline"     // structural plans
	KindCritique   Kind = "critique"    // editorial feedback
	KindEntityList Kind = "entity_list" // pass-1 structured extraction
	KindEntity     Kind = "entity"      // single entity description
)

// Result is the outcome of one validation. A failed result carries the
// reason; a passing result may still carry warnings for missing
// sub-sections in structured kinds.
type Result struct {
	OK       bool
	Reason   string
	Warnings []string
}

type Validator struct {
	minLengths        map[Kind]int
	failureSignatures []string
	signatureWindow   int
	expectedSections  map[Kind][]string
}

type Option func(*Validator)

func WithMinLength(kind Kind, min int) Option {
	return func(v *Validator) {
		v.minLengths[kind] = min
	}
}

func WithFailureSignatures(signatures ...string) Option {
	return func(v *Validator) {
		v.failureSignatures = signatures
	}
}

// WithSignatureWindow sets how many leading characters are scanned for
// failure signatures. Values are clamped to [200, 500].
func WithSignatureWindow(chars int) Option {
	return func(v *Validator) {
		if chars < 200 {
			chars = 200
		}
		if chars > 500 {
			chars = 500
		}
		v.signatureWindow = chars
	}
}

func New(opts ...Option) *Validator {
	v := &Validator{
		minLengths: map[Kind]int{
			KindProse:      500,
			KindOutline:    200,
			KindCritique:   100,
			KindEntityList: 50,
			KindEntity:     150,
		},
		failureSignatures: []string{
			"i cannot",
			"i can't",
			"i'm sorry",
			"as an ai",
			"[error]",
		},
		signatureWindow: 300,
		expectedSections: map[Kind][]string{
			KindOutline:  {"chapter", "scene"},
			KindCritique: {"strength", "weakness"},
		},
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Validate checks output against the rules for its kind.
func (v *Validator) Validate(output string, kind Kind) Result {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return Result{Reason: "output is empty"}
	}

	// Minimums are in characters, not bytes, so multi-byte prose is not
	// over-counted.
	if min, ok := v.minLengths[kind]; ok {
		if length := utf8.RuneCountInString(trimmed); length < min {
			return Result{Reason: fmt.Sprintf("output too short for %s: %d chars, minimum %d", kind, length, min)}
		}
	}

	window := strings.ToLower(trimmed)
	if len(window) > v.signatureWindow {
		window = window[:v.signatureWindow]
	}
	for _, sig := range v.failureSignatures {
		if strings.Contains(window, strings.ToLower(sig)) {
			return Result{Reason: fmt.Sprintf("output contains failure signature %q", sig)}
		}
	}

	var warnings []string
	for _, section := range v.expectedSections[kind] {
		if !strings.Contains(strings.ToLower(trimmed), section) {
			warnings = append(warnings, fmt.Sprintf("expected section %q not found", section))
		}
	}

	return Result{OK: true, Warnings: warnings}
}
