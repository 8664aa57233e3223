// Package engine drives the phase state machine: foundation through
// final review, with review gates, per-chapter editorial convergence,
// and a checkpoint at every step boundary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/converge"
	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/knowledge"
	"github.com/storyloom/storyloom/internal/retry"
	"github.com/storyloom/storyloom/internal/state"
	"github.com/storyloom/storyloom/internal/storage"
	"github.com/storyloom/storyloom/internal/validate"
)

const (
	roleArchitect = "You are a story architect who designs narrative arcs, themes, and character journeys."
	roleBuilder   = "You are a world builder who creates vivid, internally consistent characters, locations, and objects."
	rolePlanner   = "You are a structural editor who plans chapters and scenes with clear goals, conflicts, and outcomes."
	roleWriter    = "You are a fiction writer who turns scene plans into immersive prose."
	roleCritic    = "You are a developmental editor who critiques prose for pacing, voice, and consistency."
	roleReviewer  = "You are a final reviewer who checks a complete manuscript for continuity and unresolved threads."
)

// Engine owns the workflow state for the duration of a run. It is the
// state's only mutator; the attempt observer is the single path that can
// fire from a worker goroutine, so it takes the mutex.
type Engine struct {
	st          *state.WorkflowState
	exec        *retry.Executor
	checkpoints *state.CheckpointStore
	store       ProjectStore
	files       storage.Storage
	index       knowledge.Index
	validator   *validate.Validator
	scorer      Scorer
	limits      config.Limits
	proj        config.ProjectConfig
	gates       map[string]bool
	stop        func(ctx context.Context) bool
	logger      *slog.Logger

	mu sync.Mutex
}

type Option func(*Engine)

func WithProjectStore(store ProjectStore) Option {
	return func(e *Engine) { e.store = store }
}

func WithFiles(files storage.Storage) Option {
	return func(e *Engine) { e.files = files }
}

func WithKnowledgeIndex(index knowledge.Index) Option {
	return func(e *Engine) { e.index = index }
}

func WithValidator(v *validate.Validator) Option {
	return func(e *Engine) { e.validator = v }
}

func WithScorer(s Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

func WithLimits(l config.Limits) Option {
	return func(e *Engine) { e.limits = l }
}

func WithProject(p config.ProjectConfig) Option {
	return func(e *Engine) { e.proj = p }
}

// WithGates sets which completed steps require external review before
// the workflow continues.
func WithGates(steps ...string) Option {
	return func(e *Engine) {
		e.gates = make(map[string]bool, len(steps))
		for _, s := range steps {
			e.gates[s] = true
		}
	}
}

// WithStopCheck installs a cooperative stop probe, polled at step and
// chapter boundaries only.
func WithStopCheck(fn func(ctx context.Context) bool) Option {
	return func(e *Engine) { e.stop = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With("component", "phase_engine") }
}

func New(st *state.WorkflowState, exec *retry.Executor, checkpoints *state.CheckpointStore, opts ...Option) *Engine {
	e := &Engine{
		st:          st,
		exec:        exec,
		checkpoints: checkpoints,
		index:       knowledge.Noop{},
		validator:   validate.New(),
		scorer:      converge.NewScorer(),
		limits:      config.DefaultLimits(),
		gates:       map[string]bool{state.StepStructure: true},
		logger:      slog.Default().With("component", "phase_engine"),
	}

	for _, opt := range opts {
		opt(e)
	}

	exec.SetObserver(e.recordAttempt)

	return e
}

// State exposes the workflow state for status reporting. Callers must
// not mutate it.
func (e *Engine) State() *state.WorkflowState {
	return e.st
}

// Run advances the workflow until it completes, pauses, hits a pending
// review gate, or a phase fails. Every exit leaves a fresh checkpoint.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if e.st.PendingGate != nil && e.st.PendingGate.Status == state.GatePending {
			e.logger.Info("workflow awaiting review", "phase", e.st.PendingGate.Phase)
			return ErrAwaitingReview
		}

		phase := e.nextPhase()
		if phase == PhaseComplete {
			e.st.Finish()
			e.checkpoints.SaveBestEffort(ctx, e.st)
			e.logger.Info("workflow complete",
				"project", e.st.Project,
				"total_words", e.st.TotalWords,
				"total_calls", e.st.TotalCalls)
			return nil
		}

		if e.shouldStop(ctx) {
			e.checkpoints.SaveBestEffort(ctx, e.st)
			return ErrPaused
		}

		if err := e.runPhase(ctx, phase); err != nil {
			return err
		}

		e.routeGate(ctx, stepFor(phase))
	}
}

// Resume applies an external review decision and continues the run.
// Rejection re-runs the gated phase with the feedback in its prompt.
func (e *Engine) Resume(ctx context.Context, approved bool, feedback string) error {
	gate := e.st.PendingGate
	if gate == nil || gate.Status != state.GatePending {
		return fmt.Errorf("no pending review gate")
	}

	if approved {
		gate.Status = state.GateApproved
		e.st.PendingGate = nil
		e.logger.Info("review approved", "phase", gate.Phase)
	} else {
		gate.Status = state.GateRejected
		e.st.PendingGate = nil
		e.st.ReviewFeedback = feedback
		e.uncomplete(gate.Phase)
		e.logger.Info("review rejected, re-running phase",
			"phase", gate.Phase,
			"feedback_length", len(feedback))
	}

	e.checkpoints.SaveBestEffort(ctx, e.st)
	return e.Run(ctx)
}

func (e *Engine) nextPhase() Phase {
	for _, phase := range phaseOrder {
		if !e.st.CanSkip(stepFor(phase)) {
			return phase
		}
	}
	return PhaseComplete
}

func (e *Engine) runPhase(ctx context.Context, phase Phase) error {
	step := stepFor(phase)

	e.st.MarkStart(step)
	e.checkpoints.SaveBestEffort(ctx, e.st)
	e.logger.Info("phase started", "phase", step, "project", e.st.Project)

	started := time.Now()
	err := e.handler(phase)(ctx)
	if err != nil {
		if errors.Is(err, ErrPaused) {
			e.st.CurrentStep = ""
			e.checkpoints.SaveBestEffort(ctx, e.st)
			return ErrPaused
		}
		e.st.MarkFailed(step, err.Error(), string(generation.Classify(err)))
		e.checkpoints.SaveBestEffort(ctx, e.st)
		e.logger.Error("phase failed",
			"phase", step,
			"duration_s", int(time.Since(started).Seconds()),
			"error", err)
		return fmt.Errorf("%s phase: %w", step, err)
	}

	e.st.MarkComplete(step)
	e.checkpoints.SaveBestEffort(ctx, e.st)
	e.logger.Info("phase complete",
		"phase", step,
		"duration_s", int(time.Since(started).Seconds()),
		"progress_pct", int(e.st.Progress()))

	e.syncKnowledge(ctx, step)

	return nil
}

func (e *Engine) handler(phase Phase) func(context.Context) error {
	switch phase {
	case PhaseFoundation:
		return e.runFoundation
	case PhaseWorldBuilding:
		return e.runWorldBuilding
	case PhaseStructure:
		return e.runStructure
	case PhaseWriting:
		return e.runWriting
	case PhaseEditorial:
		return e.runEditorial
	case PhaseFinalReview:
		return e.runFinalReview
	default:
		return func(context.Context) error {
			return fmt.Errorf("no handler for phase %s", phase)
		}
	}
}

// routeGate pauses the workflow after a gated step completes.
func (e *Engine) routeGate(ctx context.Context, step string) {
	if !e.gates[step] {
		return
	}
	e.st.PendingGate = &state.ReviewGate{
		Phase:  step,
		Status: state.GatePending,
	}
	e.checkpoints.SaveBestEffort(ctx, e.st)
}

func (e *Engine) uncomplete(step string) {
	kept := e.st.CompletedSteps[:0]
	for _, s := range e.st.CompletedSteps {
		if s != step {
			kept = append(kept, s)
		}
	}
	e.st.CompletedSteps = kept
}

func (e *Engine) shouldStop(ctx context.Context) bool {
	return e.stop != nil && e.stop(ctx)
}

// recordAttempt feeds executor attempts into the workflow counters and
// error log. It may run from a world-building worker goroutine.
func (e *Engine) recordAttempt(a retry.Attempt) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.st.RecordCall(a.Provider)
	if a.Err != nil {
		e.st.ErrorLog = append(e.st.ErrorLog, state.ErrorEntry{
			Step:      e.st.CurrentStep,
			Message:   a.Err.Error(),
			Kind:      string(a.Kind),
			Timestamp: time.Now().UTC(),
		})
	}
}

func (e *Engine) syncKnowledge(ctx context.Context, phase string) {
	snapshot := knowledge.Snapshot{
		Project:        e.st.Project,
		Phase:          phase,
		CompletedSteps: e.st.CompletedSteps,
		EntityCount:    len(e.st.EntityIDs),
		SceneCount:     len(e.st.SceneIDs),
		TotalWords:     e.st.TotalWords,
		Timestamp:      time.Now().UTC(),
	}

	stats, err := e.index.Sync(ctx, snapshot)
	if err != nil {
		e.logger.Warn("knowledge sync failed", "phase", phase, "error", err)
		return
	}
	e.logger.Debug("knowledge sync done",
		"phase", phase,
		"indexed", stats.IndexedDocuments,
		"skipped", stats.SkippedDocuments)
}

func (e *Engine) runFoundation(ctx context.Context) error {
	spec := generation.Spec{
		Role: roleArchitect,
		Task: fmt.Sprintf(
			"Develop the complete story arc for a %s story.\nPremise: %s\n"+
				"Cover the central conflict, the protagonist's journey, major turning points, and the resolution.",
			e.proj.Genre, e.proj.Premise),
		TargetLength: 2000,
	}

	arc, err := e.exec.Do(ctx, "foundation", spec, e.limits.MaxOutputSize)
	if err != nil {
		return err
	}

	if res := e.validator.Validate(arc, validate.KindOutline); !res.OK {
		return fmt.Errorf("%w: story arc rejected: %s", generation.ErrInvalidOutput, res.Reason)
	}

	e.st.StoryArc = arc
	return nil
}

func (e *Engine) runFinalReview(ctx context.Context) error {
	manuscript := e.assembleManuscript()
	if strings.TrimSpace(manuscript) == "" {
		return fmt.Errorf("no manuscript to review")
	}

	spec := generation.Spec{
		Role: roleReviewer,
		Task: "Review the complete manuscript below. Report continuity errors, unresolved plot threads, " +
			"and character inconsistencies. Summarize overall readiness.",
		Context:      []string{e.st.StoryArc, manuscript},
		TargetLength: 800,
	}

	report, err := e.exec.Do(ctx, "final_review", spec, e.limits.MaxOutputSize)
	if err != nil {
		return err
	}

	if res := e.validator.Validate(report, validate.KindCritique); !res.OK {
		return fmt.Errorf("%w: review report rejected: %s", generation.ErrInvalidOutput, res.Reason)
	}

	if e.files != nil {
		path := fmt.Sprintf("reports/%s_review.md", e.st.Project)
		if err := e.files.Save(ctx, path, []byte(report)); err != nil {
			e.logger.Warn("saving review report failed", "path", path, "error", err)
		}
	}

	return nil
}

func (e *Engine) assembleManuscript() string {
	var b strings.Builder
	for i := range e.st.Chapters {
		ch := &e.st.Chapters[i]
		if strings.TrimSpace(ch.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "Chapter %d: %s\n\n%s\n\n", ch.Number, ch.Title, ch.Content)
	}
	return strings.TrimSpace(b.String())
}

func countWords(text string) int {
	return len(strings.Fields(text))
}
