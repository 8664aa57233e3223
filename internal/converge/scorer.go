// Package converge scores how much a revision changed a text. The score
// is a stopping heuristic for the editorial loop, not a quality measure.
package converge

import "strings"

// Scorer measures divergence between successive revisions of a text.
// Score is 1 - similarity, where similarity is the matched-token ratio
// 2*M / (len(a) + len(b)) over whitespace tokens, with M summed across
// recursively found longest common blocks.
type Scorer struct{}

func NewScorer() *Scorer {
	return &Scorer{}
}

// Score returns a divergence in [0, 1]: 0 means the revision changed
// nothing, 1 means nothing survived. Two empty texts score 0.
func (s *Scorer) Score(previous, current string) float64 {
	a := strings.Fields(previous)
	b := strings.Fields(current)

	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	if len(a) == 0 || len(b) == 0 {
		return 1
	}

	matched := matchedTokens(a, b)
	similarity := 2 * float64(matched) / float64(len(a)+len(b))

	return 1 - similarity
}

// matchedTokens sums the lengths of the longest common blocks, recursing
// into the regions on either side of each block.
func matchedTokens(a, b []string) int {
	start1, start2, size := longestCommonBlock(a, b)
	if size == 0 {
		return 0
	}

	total := size
	total += matchedTokens(a[:start1], b[:start2])
	total += matchedTokens(a[start1+size:], b[start2+size:])
	return total
}

func longestCommonBlock(a, b []string) (bestA, bestB, bestSize int) {
	// positions[token] lists indices of token in b.
	positions := make(map[string][]int, len(b))
	for j, token := range b {
		positions[token] = append(positions[token], j)
	}

	// lengths[j] is the length of the common run ending at a[i-1], b[j-1]
	// from the previous row.
	lengths := make(map[int]int)
	for i, token := range a {
		next := make(map[int]int)
		for _, j := range positions[token] {
			size := lengths[j-1] + 1
			next[j] = size
			if size > bestSize {
				bestA = i - size + 1
				bestB = j - size + 1
				bestSize = size
			}
		}
		lengths = next
	}
	return bestA, bestB, bestSize
}
