package engine

import (
	"context"
	"errors"

	"github.com/storyloom/storyloom/internal/project"
)

// Phase names the engine's states. Every phase except AwaitingReview and
// Complete maps 1:1 onto a canonical workflow step.
type Phase string

const (
	PhaseFoundation     Phase = "foundation"
	PhaseWorldBuilding  Phase = "world_building"
	PhaseStructure      Phase = "structure"
	PhaseAwaitingReview Phase = "awaiting_review"
	PhaseWriting        Phase = "writing"
	PhaseEditorial      Phase = "editorial"
	PhaseFinalReview    Phase = "final_review"
	PhaseComplete       Phase = "complete"
)

// phaseOrder is the explicit transition table: phases run in this order,
// with the review router interposed after any phase in the gate set.
var phaseOrder = []Phase{
	PhaseFoundation,
	PhaseWorldBuilding,
	PhaseStructure,
	PhaseWriting,
	PhaseEditorial,
	PhaseFinalReview,
}

// Run outcomes that are not failures. Both leave a valid checkpoint
// behind.
var (
	// ErrAwaitingReview means a review gate is pending an external
	// decision via Resume.
	ErrAwaitingReview = errors.New("workflow awaiting review")

	// ErrPaused means a stop was requested and honored at a step or
	// chapter boundary.
	ErrPaused = errors.New("workflow paused")
)

// ProjectStore persists entities and scenes as they are produced. The
// engine never reads the store's on-disk representation back.
type ProjectStore interface {
	CreateEntity(ctx context.Context, kind string, fields project.EntityFields) (string, error)
	SetDescription(ctx context.Context, entityID, text string) error
	AppendScene(ctx context.Context, chapter int, scene project.Scene) (string, error)
	Persist(ctx context.Context) error
}

// Scorer measures divergence between successive revisions.
type Scorer interface {
	Score(previous, current string) float64
}

func stepFor(p Phase) string {
	return string(p)
}
