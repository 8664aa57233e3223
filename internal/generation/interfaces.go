package generation

import "context"

// Spec describes a single generation request in provider-neutral terms:
// role context, the task itself, prior artifacts for continuity, and a
// target length. Concrete providers translate it into their own payloads.
type Spec struct {
	Role         string   // who is "speaking" (architect, writer, editor, ...)
	Task         string   // what to produce
	Context      []string // prior artifacts, in order of relevance
	TargetLength int      // desired output length in characters, 0 = provider default
	WantJSON     bool     // request structured JSON output
}

// Service is a single generation backend. Generate returns the produced
// text or one of the typed failures in errors.go.
type Service interface {
	Name() string
	Generate(ctx context.Context, spec Spec, maxOutputSize int) (string, error)
}
