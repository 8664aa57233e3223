package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/state"
)

type scenePlan struct {
	Goal     string `json:"goal"`
	Conflict string `json:"conflict"`
	Outcome  string `json:"outcome"`
	POV      string `json:"pov"`
	Location string `json:"location"`
}

type chapterPlan struct {
	Number int         `json:"number"`
	Title  string      `json:"title"`
	Scenes []scenePlan `json:"scenes"`
}

// runStructure turns the story arc into a chapter and scene outline.
// Rejection feedback from a review gate, when present, is folded into
// the prompt and cleared once the phase succeeds.
func (e *Engine) runStructure(ctx context.Context) error {
	task := fmt.Sprintf(
		`Plan %d chapters for this story. For each chapter give a title and 2-4 scenes with goal, conflict, outcome, pov, and location. Respond with JSON:
{"chapters": [{"number": 1, "title": "", "scenes": [{"goal": "", "conflict": "", "outcome": "", "pov": "", "location": ""}]}]}`,
		e.proj.Chapters)

	specContext := []string{e.st.StoryArc}
	if e.st.ReviewFeedback != "" {
		specContext = append(specContext,
			"Reviewer feedback on the previous outline, address it directly:\n"+e.st.ReviewFeedback)
	}

	spec := generation.Spec{
		Role:     rolePlanner,
		Task:     task,
		Context:  specContext,
		WantJSON: true,
	}

	out, err := e.exec.Do(ctx, "structure", spec, e.limits.MaxOutputSize)
	if err != nil {
		return err
	}

	var plan struct {
		Chapters []chapterPlan `json:"chapters"`
	}
	if err := json.Unmarshal(extractJSON(out), &plan); err != nil {
		return fmt.Errorf("%w: unparseable chapter plan: %v", generation.ErrInvalidOutput, err)
	}
	if len(plan.Chapters) == 0 {
		return fmt.Errorf("%w: chapter plan is empty", generation.ErrInvalidOutput)
	}

	sort.Slice(plan.Chapters, func(i, j int) bool {
		return plan.Chapters[i].Number < plan.Chapters[j].Number
	})

	chapters := make([]state.ChapterUnit, 0, len(plan.Chapters))
	for i, cp := range plan.Chapters {
		number := cp.Number
		if number == 0 {
			number = i + 1
		}

		scenes := make([]state.SceneUnit, 0, len(cp.Scenes))
		for _, sp := range cp.Scenes {
			scenes = append(scenes, state.SceneUnit{
				Goal:     sp.Goal,
				Conflict: sp.Conflict,
				Outcome:  sp.Outcome,
				POV:      sp.POV,
				Location: sp.Location,
			})
		}
		if len(scenes) == 0 {
			return fmt.Errorf("%w: chapter %d has no scenes", generation.ErrInvalidOutput, number)
		}

		chapters = append(chapters, state.ChapterUnit{
			Number: number,
			Title:  cp.Title,
			Scenes: scenes,
			Status: state.ChapterNotStarted,
		})
	}

	e.st.Chapters = chapters
	e.st.ReviewFeedback = ""

	e.logger.Info("structure planned", "chapters", len(chapters))
	return nil
}
