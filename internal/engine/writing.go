package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/project"
	"github.com/storyloom/storyloom/internal/state"
	"github.com/storyloom/storyloom/internal/validate"
)

// runWriting drafts chapters in ascending order. Each chapter is drafted
// scene by scene, then converged through the editorial loop before its
// status flips to Complete, so a resumed run restarts at the first
// chapter that did not finish both stages.
func (e *Engine) runWriting(ctx context.Context) error {
	for ch := e.st.NextChapter(); ch != nil; ch = e.st.NextChapter() {
		if e.shouldStop(ctx) {
			return ErrPaused
		}

		if err := e.writeChapter(ctx, ch); err != nil {
			return fmt.Errorf("chapter %d: %w", ch.Number, err)
		}

		e.checkpoints.SaveBestEffort(ctx, e.st)
	}

	if e.store != nil {
		if err := e.store.Persist(ctx); err != nil {
			e.logger.Warn("persisting project store failed", "error", err)
		}
	}

	return nil
}

func (e *Engine) writeChapter(ctx context.Context, ch *state.ChapterUnit) error {
	ch.Status = state.ChapterWriting
	e.logger.Info("chapter started", "chapter", ch.Number, "title", ch.Title, "scenes", len(ch.Scenes))

	previous := e.previousChapterTail(ch.Number)

	for i := range ch.Scenes {
		sc := &ch.Scenes[i]

		// Already-written scenes survive a resume untouched.
		if sc.Content != "" {
			previous = sc.Content
			continue
		}

		out, err := e.writeScene(ctx, ch, sc, i, previous)
		if err != nil {
			return fmt.Errorf("scene %d: %w", i+1, err)
		}

		sc.Content = out
		sc.WordCount = countWords(out)
		previous = out

		if e.store != nil {
			id, err := e.store.AppendScene(ctx, ch.Number, project.Scene{
				Goal:      sc.Goal,
				Conflict:  sc.Conflict,
				Outcome:   sc.Outcome,
				POV:       sc.POV,
				Location:  sc.Location,
				Content:   sc.Content,
				WordCount: sc.WordCount,
			})
			if err != nil {
				e.logger.Warn("storing scene failed", "chapter", ch.Number, "scene", i+1, "error", err)
			} else {
				sc.ID = id
				e.st.SceneIDs = append(e.st.SceneIDs, id)
			}
		}

		e.checkpoints.SaveBestEffort(ctx, e.st)
	}

	ch.Content = assembleChapter(ch)
	ch.WordCount = countWords(ch.Content)

	ch.Status = state.ChapterEditorial
	final, iterations, score, err := e.convergeContent(ctx, fmt.Sprintf("chapter_%d", ch.Number), ch.Content)
	if err != nil {
		return fmt.Errorf("editorial: %w", err)
	}

	ch.Content = final
	ch.WordCount = countWords(final)
	ch.EditorialIterations = iterations
	ch.ConvergenceScore = score
	ch.Status = state.ChapterComplete
	e.st.TotalWords += ch.WordCount

	e.logger.Info("chapter complete",
		"chapter", ch.Number,
		"words", ch.WordCount,
		"editorial_iterations", iterations,
		"convergence_score", score)

	return nil
}

func (e *Engine) writeScene(ctx context.Context, ch *state.ChapterUnit, sc *state.SceneUnit, index int, previous string) (string, error) {
	task := fmt.Sprintf(
		"Write scene %d of chapter %d (%q).\nGoal: %s\nConflict: %s\nOutcome: %s",
		index+1, ch.Number, ch.Title, sc.Goal, sc.Conflict, sc.Outcome)
	if sc.POV != "" {
		task += "\nPoint of view: " + sc.POV
	}
	if sc.Location != "" {
		task += "\nLocation: " + sc.Location
	}

	specContext := []string{e.st.StoryArc}
	if previous != "" {
		specContext = append(specContext, "The scene immediately before this one:\n"+previous)
	}

	spec := generation.Spec{
		Role:         roleWriter,
		Task:         task,
		Context:      specContext,
		TargetLength: 1500,
	}

	out, err := e.exec.Do(ctx, fmt.Sprintf("chapter_%d_scene_%d", ch.Number, index+1), spec, e.limits.MaxOutputSize)
	if err != nil {
		return "", err
	}

	if res := e.validator.Validate(out, validate.KindProse); !res.OK {
		return "", fmt.Errorf("%w: scene rejected: %s", generation.ErrInvalidOutput, res.Reason)
	}

	return out, nil
}

// previousChapterTail finds the closing scene of the chapter before
// number, used as continuity context for the first scene of a chapter.
func (e *Engine) previousChapterTail(number int) string {
	for i := range e.st.Chapters {
		ch := &e.st.Chapters[i]
		if ch.Number != number-1 || len(ch.Scenes) == 0 {
			continue
		}
		return ch.Scenes[len(ch.Scenes)-1].Content
	}
	return ""
}

func assembleChapter(ch *state.ChapterUnit) string {
	parts := make([]string, 0, len(ch.Scenes))
	for i := range ch.Scenes {
		if strings.TrimSpace(ch.Scenes[i].Content) == "" {
			continue
		}
		parts = append(parts, ch.Scenes[i].Content)
	}
	return strings.Join(parts, "\n\n")
}
