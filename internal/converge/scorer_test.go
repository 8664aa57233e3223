package converge

import (
	"math"
	"strings"
	"testing"
)

func TestScoreIdenticalTexts(t *testing.T) {
	s := NewScorer()

	text := "the quick brown fox jumps over the lazy dog"
	if got := s.Score(text, text); got != 0 {
		t.Errorf("identical texts should score 0, got %f", got)
	}
}

func TestScoreEmptyTexts(t *testing.T) {
	s := NewScorer()

	if got := s.Score("", ""); got != 0 {
		t.Errorf("two empty texts should score 0, got %f", got)
	}
	if got := s.Score("some words here", ""); got != 1 {
		t.Errorf("revision to empty should score 1, got %f", got)
	}
	if got := s.Score("", "some words here"); got != 1 {
		t.Errorf("revision from empty should score 1, got %f", got)
	}
}

func TestScoreDisjointTexts(t *testing.T) {
	s := NewScorer()

	if got := s.Score("alpha beta gamma", "one two three"); got != 1 {
		t.Errorf("disjoint texts should score 1, got %f", got)
	}
}

func TestScorePartialOverlap(t *testing.T) {
	s := NewScorer()

	// 4 tokens each, longest common block "b c d" = 3 matched tokens.
	// similarity = 2*3 / (4+4) = 0.75, score = 0.25.
	got := s.Score("a b c d", "x b c d")
	if math.Abs(got-0.25) > 1e-9 {
		t.Errorf("expected 0.25, got %f", got)
	}
}

func TestScoreMultipleBlocks(t *testing.T) {
	s := NewScorer()

	// Common blocks "a b" and "e f" around a differing middle.
	// matched = 4, similarity = 2*4 / (5+5) = 0.8, score = 0.2.
	got := s.Score("a b x e f", "a b y e f")
	if math.Abs(got-0.2) > 1e-9 {
		t.Errorf("expected 0.2, got %f", got)
	}
}

func TestScoreWhitespaceInsensitive(t *testing.T) {
	s := NewScorer()

	if got := s.Score("a  b\tc", "a b c"); got != 0 {
		t.Errorf("whitespace variations should not count as change, got %f", got)
	}
}

func TestScoreSmallEditOnLargeText(t *testing.T) {
	s := NewScorer()

	base := strings.Repeat("word ", 200)
	revised := base + "extra"

	got := s.Score(base, revised)
	if got <= 0 || got >= 0.05 {
		t.Errorf("a one-token edit on 200 tokens should score just under threshold, got %f", got)
	}
}
