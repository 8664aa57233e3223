package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/validate"
)

// convergeContent is the critique-revise loop: each iteration generates
// a critique of the current text, then a revision conditioned on it, and
// scores how much the revision changed. The loop stops when the score
// drops under the threshold or the iteration cap is reached, so it
// terminates for any score sequence.
func (e *Engine) convergeContent(ctx context.Context, name, content string) (string, int, float64, error) {
	threshold := e.limits.Editorial.ConvergenceThreshold
	maxIterations := e.limits.Editorial.MaxIterations

	iterations := 0
	score := 1.0

	for {
		critique, err := e.exec.Do(ctx, name+"_critique", generation.Spec{
			Role: roleCritic,
			Task: "Critique the text below. Name concrete strengths and weaknesses in pacing, voice, " +
				"and consistency with the story arc.",
			Context:      []string{e.st.StoryArc, content},
			TargetLength: 400,
		}, e.limits.MaxOutputSize)
		if err != nil {
			return content, iterations, score, err
		}
		if res := e.validator.Validate(critique, validate.KindCritique); !res.OK {
			return content, iterations, score, fmt.Errorf("%w: critique rejected: %s", generation.ErrInvalidOutput, res.Reason)
		}

		revision, err := e.exec.Do(ctx, name+"_revise", generation.Spec{
			Role: roleWriter,
			Task: "Revise the text below, addressing every point of the critique. Keep what already works.",
			Context: []string{
				"Critique:\n" + critique,
				content,
			},
			TargetLength: len(content),
		}, e.limits.MaxOutputSize)
		if err != nil {
			return content, iterations, score, err
		}
		if res := e.validator.Validate(revision, validate.KindProse); !res.OK {
			return content, iterations, score, fmt.Errorf("%w: revision rejected: %s", generation.ErrInvalidOutput, res.Reason)
		}

		score = e.scorer.Score(content, revision)
		content = revision
		iterations++

		e.logger.Debug("editorial iteration",
			"unit", name,
			"iteration", iterations,
			"score", score)

		if score < threshold || iterations >= maxIterations {
			break
		}
	}

	return content, iterations, score, nil
}

// runEditorial polishes the assembled manuscript as a whole after every
// chapter converged individually, then exports the result.
func (e *Engine) runEditorial(ctx context.Context) error {
	manuscript := e.assembleManuscript()
	if strings.TrimSpace(manuscript) == "" {
		return fmt.Errorf("no written chapters to edit")
	}

	final, iterations, score, err := e.convergeContent(ctx, "manuscript", manuscript)
	if err != nil {
		return err
	}

	e.st.TotalWords = countWords(final)
	e.logger.Info("manuscript editorial done",
		"iterations", iterations,
		"final_score", score,
		"total_words", e.st.TotalWords)

	if e.files != nil {
		path := fmt.Sprintf("manuscripts/%s.md", e.st.Project)
		if err := e.files.Save(ctx, path, []byte(final)); err != nil {
			e.logger.Warn("saving manuscript failed", "path", path, "error", err)
		}
	}

	return nil
}
