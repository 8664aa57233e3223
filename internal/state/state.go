// Package state holds the durable workflow record and its checkpoint
// store. The engine is the only mutator; everything here is written so a
// crashed or paused run can resume from the last step boundary.
package state

import (
	"time"
)

// Canonical step names, in dependency order.
const (
	StepFoundation    = "foundation"
	StepWorldBuilding = "world_building"
	StepStructure     = "structure"
	StepWriting       = "writing"
	StepEditorial     = "editorial"
	StepFinalReview   = "final_review"
)

// Steps returns the canonical step order.
func Steps() []string {
	return []string{
		StepFoundation,
		StepWorldBuilding,
		StepStructure,
		StepWriting,
		StepEditorial,
		StepFinalReview,
	}
}

type ChapterStatus string

const (
	ChapterNotStarted ChapterStatus = "not_started"
	ChapterOutlining  ChapterStatus = "outlining"
	ChapterWriting    ChapterStatus = "writing"
	ChapterEditorial  ChapterStatus = "editorial"
	ChapterComplete   ChapterStatus = "complete"
)

type SceneUnit struct {
	ID        string `json:"id"`
	Goal      string `json:"goal"`
	Conflict  string `json:"conflict"`
	Outcome   string `json:"outcome"`
	POV       string `json:"pov,omitempty"`
	Location  string `json:"location,omitempty"`
	Content   string `json:"content,omitempty"`
	WordCount int    `json:"word_count"`
}

type ChapterUnit struct {
	Number              int           `json:"number"`
	Title               string        `json:"title"`
	Scenes              []SceneUnit   `json:"scenes"`
	Content             string        `json:"content,omitempty"`
	WordCount           int           `json:"word_count"`
	Status              ChapterStatus `json:"status"`
	EditorialIterations int           `json:"editorial_iterations"`
	ConvergenceScore    float64       `json:"convergence_score"`
}

type ErrorEntry struct {
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

type GateStatus string

const (
	GateNotRequired GateStatus = "not_required"
	GatePending     GateStatus = "pending"
	GateApproved    GateStatus = "approved"
	GateRejected    GateStatus = "rejected"
)

type ReviewGate struct {
	Phase    string     `json:"phase"`
	Status   GateStatus `json:"status"`
	Feedback string     `json:"feedback,omitempty"`
}

// WorkflowState is the full durable record for one project run. A step
// enters CompletedSteps only after its artifacts are produced and
// validated.
type WorkflowState struct {
	Project        string   `json:"project"`
	Steps          []string `json:"steps"`
	CompletedSteps []string `json:"completed_steps"`
	CurrentStep    string   `json:"current_step,omitempty"`
	FailedStep     string   `json:"failed_step,omitempty"`

	StoryArc    string        `json:"story_arc,omitempty"`
	EntityIDs   []string      `json:"entity_ids,omitempty"`
	Chapters    []ChapterUnit `json:"chapters,omitempty"`
	SceneIDs    []string      `json:"scene_ids,omitempty"`
	TotalWords  int           `json:"total_words"`
	PendingGate *ReviewGate   `json:"pending_gate,omitempty"`

	// ReviewFeedback carries rejection feedback into the re-run of the
	// producing phase.
	ReviewFeedback string `json:"review_feedback,omitempty"`

	TotalCalls    int            `json:"total_calls"`
	ProviderCalls map[string]int `json:"provider_calls,omitempty"`

	ErrorLog []ErrorEntry `json:"error_log,omitempty"`

	StartedAt      time.Time  `json:"started_at"`
	LastCheckpoint time.Time  `json:"last_checkpoint,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

func NewWorkflowState(project string) *WorkflowState {
	return &WorkflowState{
		Project:       project,
		Steps:         Steps(),
		ProviderCalls: make(map[string]int),
		StartedAt:     time.Now().UTC(),
	}
}

// CanSkip reports whether step already completed in a prior run.
func (s *WorkflowState) CanSkip(step string) bool {
	for _, done := range s.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// MarkStart records step as in progress. It clears a stale FailedStep
// when the failed step is being retried.
func (s *WorkflowState) MarkStart(step string) {
	s.CurrentStep = step
	if s.FailedStep == step {
		s.FailedStep = ""
	}
}

// MarkComplete moves step into CompletedSteps. Calling it twice leaves a
// single occurrence.
func (s *WorkflowState) MarkComplete(step string) {
	if s.CurrentStep == step {
		s.CurrentStep = ""
	}
	if s.CanSkip(step) {
		return
	}
	s.CompletedSteps = append(s.CompletedSteps, step)
}

// MarkFailed records a step failure with its error classification.
func (s *WorkflowState) MarkFailed(step, message, kind string) {
	s.FailedStep = step
	s.CurrentStep = ""
	s.ErrorLog = append(s.ErrorLog, ErrorEntry{
		Step:      step,
		Message:   message,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	})
}

// RecordCall bumps the generation call counters.
func (s *WorkflowState) RecordCall(provider string) {
	s.TotalCalls++
	if s.ProviderCalls == nil {
		s.ProviderCalls = make(map[string]int)
	}
	s.ProviderCalls[provider]++
}

// Finish stamps the terminal timestamp.
func (s *WorkflowState) Finish() {
	now := time.Now().UTC()
	s.FinishedAt = &now
	s.CurrentStep = ""
}

// Progress reports completed steps over total as a percentage.
func (s *WorkflowState) Progress() float64 {
	if len(s.Steps) == 0 {
		return 0
	}
	return 100 * float64(len(s.CompletedSteps)) / float64(len(s.Steps))
}

// NextChapter returns the first chapter whose status is not Complete, or
// nil when every chapter is done. Writing resumes here.
func (s *WorkflowState) NextChapter() *ChapterUnit {
	for i := range s.Chapters {
		if s.Chapters[i].Status != ChapterComplete {
			return &s.Chapters[i]
		}
	}
	return nil
}
