package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/retry"
	"github.com/storyloom/storyloom/internal/state"
	"github.com/storyloom/storyloom/internal/storage"
	"github.com/storyloom/storyloom/internal/validate"
)

const prose = "The night market unfolded along the canal while Mira traced her map " +
	"with careful hands and the lanterns burned low over the water."

const entityListJSON = `{
	"characters": [{"name": "Mira", "role": "protagonist", "brief": "a cartographer of dreams"}],
	"locations": [{"name": "The Fold", "role": "setting", "brief": "a city that rearranges itself"}],
	"items": []
}`

const chapterPlanJSON = `{
	"chapters": [
		{"number": 1, "title": "The Unfolding", "scenes": [
			{"goal": "introduce Mira", "conflict": "the map disagrees with the street", "outcome": "she follows the map", "pov": "Mira", "location": "The Fold"},
			{"goal": "reach the archive", "conflict": "the archive has moved", "outcome": "a stranger offers help", "pov": "Mira", "location": "The Fold"}
		]}
	]
}`

// constScorer makes every revision converge immediately.
type constScorer struct{ v float64 }

func (c constScorer) Score(previous, current string) float64 { return c.v }

// seqScorer replays a fixed score sequence, then repeats the last value.
type seqScorer struct {
	scores []float64
	calls  int
}

func (s *seqScorer) Score(previous, current string) float64 {
	idx := s.calls
	s.calls++
	if idx >= len(s.scores) {
		idx = len(s.scores) - 1
	}
	return s.scores[idx]
}

func lenientValidator() *validate.Validator {
	return validate.New(
		validate.WithMinLength(validate.KindProse, 10),
		validate.WithMinLength(validate.KindOutline, 10),
		validate.WithMinLength(validate.KindCritique, 10),
		validate.WithMinLength(validate.KindEntity, 10),
		validate.WithMinLength(validate.KindEntityList, 10),
	)
}

func newTestEngine(t *testing.T, st *state.WorkflowState, providers []generation.Service, opts ...Option) *Engine {
	t.Helper()

	exec, err := retry.NewExecutor(providers,
		retry.WithMaxAttempts(3),
		retry.WithBaseDelay(time.Millisecond),
		retry.WithMaxDelay(5*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}

	checkpoints := state.NewCheckpointStore(storage.NewFileSystem(t.TempDir()), slog.Default())

	base := []Option{
		WithValidator(lenientValidator()),
		WithScorer(constScorer{0}),
		WithProject(config.ProjectConfig{
			Name:     "demo",
			Genre:    "fantasy",
			Premise:  "a cartographer discovers her maps rewrite the territory",
			Chapters: 1,
		}),
	}

	return New(st, exec, checkpoints, append(base, opts...)...)
}

func TestFreshRunStopsAtReviewGate(t *testing.T) {
	mock := generation.NewMockService("primary",
		generation.MockResponse{Content: "Arc: Mira learns the territory answers to the map, not the other way around."},
		generation.MockResponse{Content: entityListJSON},
		generation.MockResponse{Content: "Mira is a cartographer whose ink outlives the streets it describes."},
		generation.MockResponse{Content: "The Fold is a city that refolds itself each dawn along creases only maps remember."},
		generation.MockResponse{Content: chapterPlanJSON},
	)
	mock.Fallback = prose

	st := state.NewWorkflowState("demo")
	eng := newTestEngine(t, st, []generation.Service{mock})

	err := eng.Run(context.Background())
	if !errors.Is(err, ErrAwaitingReview) {
		t.Fatalf("expected ErrAwaitingReview, got %v", err)
	}

	want := []string{state.StepFoundation, state.StepWorldBuilding, state.StepStructure}
	if len(st.CompletedSteps) != len(want) {
		t.Fatalf("completed steps = %v, want %v", st.CompletedSteps, want)
	}
	for i, step := range want {
		if st.CompletedSteps[i] != step {
			t.Errorf("completed step %d = %q, want %q", i, st.CompletedSteps[i], step)
		}
	}
	if st.CurrentStep != "" {
		t.Errorf("current step should be empty at the gate, got %q", st.CurrentStep)
	}
	if st.PendingGate == nil || st.PendingGate.Status != state.GatePending {
		t.Fatalf("expected pending gate, got %+v", st.PendingGate)
	}
	if len(st.EntityIDs) != 2 {
		t.Errorf("expected 2 entities, got %v", st.EntityIDs)
	}
	if len(st.Chapters) != 1 || len(st.Chapters[0].Scenes) != 2 {
		t.Errorf("unexpected outline: %+v", st.Chapters)
	}

	// Approval drives the run to completion.
	if err := eng.Resume(context.Background(), true, ""); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if st.FinishedAt == nil {
		t.Error("completed run should stamp FinishedAt")
	}
	if st.Chapters[0].Status != state.ChapterComplete {
		t.Errorf("chapter status = %s, want complete", st.Chapters[0].Status)
	}
	if st.TotalWords == 0 {
		t.Error("completed run should report a word count")
	}
	if !st.CanSkip(state.StepFinalReview) {
		t.Errorf("final review not completed: %v", st.CompletedSteps)
	}
}

func TestReviewRejectionRerunsStructureWithFeedback(t *testing.T) {
	revisedPlan := strings.Replace(chapterPlanJSON, "The Unfolding", "The Refolding", 1)

	mock := generation.NewMockService("primary",
		generation.MockResponse{Content: "Arc: Mira learns the territory answers to the map."},
		generation.MockResponse{Content: entityListJSON},
		generation.MockResponse{Content: "Mira is a cartographer whose ink outlives the streets."},
		generation.MockResponse{Content: "The Fold refolds itself each dawn."},
		generation.MockResponse{Content: chapterPlanJSON},
		generation.MockResponse{Content: revisedPlan},
	)

	st := state.NewWorkflowState("demo")
	eng := newTestEngine(t, st, []generation.Service{mock})

	if err := eng.Run(context.Background()); !errors.Is(err, ErrAwaitingReview) {
		t.Fatalf("expected gate, got %v", err)
	}

	err := eng.Resume(context.Background(), false, "add more tension to the opening")
	if !errors.Is(err, ErrAwaitingReview) {
		t.Fatalf("re-run structure should hit the gate again, got %v", err)
	}

	if st.Chapters[0].Title != "The Refolding" {
		t.Errorf("structure not re-planned: %q", st.Chapters[0].Title)
	}
	if st.ReviewFeedback != "" {
		t.Errorf("feedback should be cleared after a successful re-run, got %q", st.ReviewFeedback)
	}

	// The re-run prompt must carry the rejection feedback.
	specs := mock.Specs()
	last := specs[len(specs)-1]
	found := false
	for _, part := range last.Context {
		if strings.Contains(part, "add more tension to the opening") {
			found = true
		}
	}
	if !found {
		t.Error("rejection feedback missing from the structure prompt")
	}
}

// writingReadyState builds a state that already passed its review gate,
// with chapters 1 and 2 done and chapter 3 pending.
func writingReadyState() *state.WorkflowState {
	st := state.NewWorkflowState("demo")
	st.StoryArc = "Arc: Mira learns the territory answers to the map."
	st.MarkComplete(state.StepFoundation)
	st.MarkComplete(state.StepWorldBuilding)
	st.MarkComplete(state.StepStructure)
	st.Chapters = []state.ChapterUnit{
		{Number: 1, Title: "One", Status: state.ChapterComplete, Content: prose, WordCount: countWords(prose),
			Scenes: []state.SceneUnit{{Goal: "open", Content: prose}}},
		{Number: 2, Title: "Two", Status: state.ChapterComplete, Content: prose, WordCount: countWords(prose),
			Scenes: []state.SceneUnit{{Goal: "middle", Content: prose}}},
		{Number: 3, Title: "Three", Status: state.ChapterNotStarted,
			Scenes: []state.SceneUnit{{Goal: "close", Conflict: "the map burns", Outcome: "a new map"}}},
	}
	return st
}

func TestWritingFallsBackAfterInvalidOutput(t *testing.T) {
	primary := generation.NewMockService("primary",
		generation.MockResponse{Err: fmt.Errorf("call: %w", generation.ErrInvalidOutput)},
		generation.MockResponse{Err: fmt.Errorf("call: %w", generation.ErrInvalidOutput)},
	)
	primary.Fallback = prose
	fallback := generation.NewMockService("fallback")
	fallback.Fallback = prose

	st := writingReadyState()
	eng := newTestEngine(t, st, []generation.Service{primary, fallback})

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st.Chapters[2].Status != state.ChapterComplete {
		t.Errorf("chapter 3 status = %s, want complete", st.Chapters[2].Status)
	}

	invalid := 0
	for _, entry := range st.ErrorLog {
		if entry.Kind == string(generation.KindInvalidOutput) {
			invalid++
			if entry.Step != state.StepWriting {
				t.Errorf("error entry step = %q, want %q", entry.Step, state.StepWriting)
			}
		}
	}
	if invalid != 2 {
		t.Errorf("expected 2 invalid-output entries, got %d (%v)", invalid, st.ErrorLog)
	}

	if fallback.Calls() != 1 {
		t.Errorf("fallback provider calls = %d, want 1", fallback.Calls())
	}
	if st.ProviderCalls["fallback"] != 1 {
		t.Errorf("fallback call counter = %d, want 1", st.ProviderCalls["fallback"])
	}
}

func TestPauseAtChapterBoundary(t *testing.T) {
	mock := generation.NewMockService("primary")
	mock.Fallback = prose

	st := writingReadyState()
	st.Chapters[1].Status = state.ChapterNotStarted
	st.Chapters[1].Scenes[0].Content = ""
	st.Chapters[1].Content = ""
	st.Chapters[2].Status = state.ChapterNotStarted

	probes := 0
	eng := newTestEngine(t, st, []generation.Service{mock},
		WithStopCheck(func(ctx context.Context) bool {
			probes++
			return probes > 2
		}))

	err := eng.Run(context.Background())
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}

	if st.Chapters[1].Status != state.ChapterComplete {
		t.Errorf("chapter 2 should complete before the pause, got %s", st.Chapters[1].Status)
	}
	if st.Chapters[2].Status != state.ChapterNotStarted {
		t.Errorf("chapter 3 should be untouched after the pause, got %s", st.Chapters[2].Status)
	}
	if st.FailedStep != "" {
		t.Errorf("pause is not a failure, got failed step %q", st.FailedStep)
	}
}

func TestEditorialLoopStopsUnderThreshold(t *testing.T) {
	mock := generation.NewMockService("primary")
	mock.Fallback = prose

	st := state.NewWorkflowState("demo")
	st.StoryArc = "arc"
	scorer := &seqScorer{scores: []float64{0.4, 0.2, 0.09, 0.04}}
	eng := newTestEngine(t, st, []generation.Service{mock}, WithScorer(scorer))

	final, iterations, score, err := eng.convergeContent(context.Background(), "chapter_1", prose)
	if err != nil {
		t.Fatalf("convergeContent failed: %v", err)
	}
	if iterations != 4 {
		t.Errorf("iterations = %d, want 4", iterations)
	}
	if score != 0.04 {
		t.Errorf("final score = %f, want 0.04", score)
	}
	if final != prose {
		t.Errorf("unexpected final content: %q", final)
	}
}

func TestEditorialLoopHonorsIterationCap(t *testing.T) {
	mock := generation.NewMockService("primary")
	mock.Fallback = prose

	st := state.NewWorkflowState("demo")
	st.StoryArc = "arc"
	eng := newTestEngine(t, st, []generation.Service{mock}, WithScorer(constScorer{0.5}))

	_, iterations, _, err := eng.convergeContent(context.Background(), "chapter_1", prose)
	if err != nil {
		t.Fatalf("convergeContent failed: %v", err)
	}
	if iterations != 5 {
		t.Errorf("iterations = %d, want the cap of 5", iterations)
	}
}

func TestWorldBuildingFailsBelowSuccessRatio(t *testing.T) {
	invalid := generation.MockResponse{Err: fmt.Errorf("call: %w", generation.ErrInvalidOutput)}
	mock := generation.NewMockService("primary",
		generation.MockResponse{Content: entityListJSON},
		invalid, invalid, // entity 1: switch after 2 consecutive, no fallback provider
		invalid, invalid, // entity 2
	)

	st := state.NewWorkflowState("demo")
	st.StoryArc = "arc"
	st.MarkComplete(state.StepFoundation)
	eng := newTestEngine(t, st, []generation.Service{mock})

	err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("expected world building to fail")
	}
	if st.FailedStep != state.StepWorldBuilding {
		t.Errorf("failed step = %q, want %q", st.FailedStep, state.StepWorldBuilding)
	}
	if st.CanSkip(state.StepWorldBuilding) {
		t.Error("failed step must not be marked complete")
	}
}

func TestWorldBuildingBatchedFallback(t *testing.T) {
	batch := func(name string) string {
		return `{"entities": [{"name": "` + name + `", "role": "supporting", "brief": "brief", "description": "a full description"}]}`
	}
	mock := generation.NewMockService("primary",
		generation.MockResponse{Content: "this is not a structured roster at all"},
		generation.MockResponse{Content: batch("Mira")},
		generation.MockResponse{Content: batch("The Fold")},
		generation.MockResponse{Content: batch("The Map")},
	)

	st := state.NewWorkflowState("demo")
	st.StoryArc = "arc"
	st.MarkComplete(state.StepFoundation)
	eng := newTestEngine(t, st, []generation.Service{mock})

	if err := eng.runWorldBuilding(context.Background()); err != nil {
		t.Fatalf("batched fallback failed: %v", err)
	}
	if len(st.EntityIDs) != 3 {
		t.Errorf("expected 3 batched entities, got %v", st.EntityIDs)
	}
}
