package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/project"
	"github.com/storyloom/storyloom/internal/validate"
)

var entityKinds = []string{"character", "location", "item"}

type entityBrief struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Brief string `json:"brief"`
}

type entityList struct {
	Characters []entityBrief `json:"characters"`
	Locations  []entityBrief `json:"locations"`
	Items      []entityBrief `json:"items"`
}

func (l *entityList) byKind() map[string][]entityBrief {
	return map[string][]entityBrief{
		"character": l.Characters,
		"location":  l.Locations,
		"item":      l.Items,
	}
}

func (l *entityList) total() int {
	return len(l.Characters) + len(l.Locations) + len(l.Items)
}

// runWorldBuilding is the two-pass strategy: pass 1 extracts the entity
// roster from the story arc in one structured call, pass 2 generates
// each entity individually with its own retry and validation budget.
// An unusable pass 1 falls back to one batched call per category.
func (e *Engine) runWorldBuilding(ctx context.Context) error {
	list, err := e.extractEntityList(ctx)
	if err != nil {
		e.logger.Warn("entity extraction failed, using batched fallback", "error", err)
		return e.batchedWorldBuilding(ctx)
	}

	total := list.total()
	if total == 0 {
		e.logger.Warn("entity extraction returned an empty roster, using batched fallback")
		return e.batchedWorldBuilding(ctx)
	}

	type job struct {
		kind  string
		brief entityBrief
	}
	// Fixed kind order keeps pass-2 prompts deterministic.
	var jobs []job
	byKind := list.byKind()
	for _, kind := range entityKinds {
		for _, b := range byKind[kind] {
			jobs = append(jobs, job{kind: kind, brief: b})
		}
	}

	ids := make([]string, len(jobs))
	failures := make([]error, len(jobs))

	runJob := func(ctx context.Context, i int) {
		id, err := e.generateEntity(ctx, jobs[i].kind, jobs[i].brief)
		if err != nil {
			failures[i] = err
			e.logger.Warn("entity generation failed",
				"kind", jobs[i].kind,
				"name", jobs[i].brief.Name,
				"error", err)
			return
		}
		ids[i] = id
	}

	if e.limits.WorldBuilding.MaxConcurrent > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.limits.WorldBuilding.MaxConcurrent)
		for i := range jobs {
			i := i
			g.Go(func() error {
				runJob(gctx, i)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for i := range jobs {
			if err := ctx.Err(); err != nil {
				return err
			}
			runJob(ctx, i)
		}
	}

	succeeded := 0
	for i := range jobs {
		if failures[i] == nil {
			succeeded++
			e.st.EntityIDs = append(e.st.EntityIDs, ids[i])
		}
	}

	ratio := float64(succeeded) / float64(total)
	e.logger.Info("world building pass 2 done",
		"succeeded", succeeded,
		"total", total,
		"success_ratio", ratio)

	if ratio < e.limits.WorldBuilding.MinSuccessRatio {
		return fmt.Errorf("world building produced %d of %d entities, below minimum ratio %.2f",
			succeeded, total, e.limits.WorldBuilding.MinSuccessRatio)
	}

	return nil
}

// extractEntityList is pass 1: one structured call over the story arc.
func (e *Engine) extractEntityList(ctx context.Context) (*entityList, error) {
	spec := generation.Spec{
		Role: roleBuilder,
		Task: `Extract every significant character, location, and item from the story arc. Respond with JSON:
{"characters": [{"name": "", "role": "", "brief": ""}], "locations": [...], "items": [...]}`,
		Context:  []string{e.st.StoryArc},
		WantJSON: true,
	}

	out, err := e.exec.Do(ctx, "entity_extraction", spec, e.limits.MaxOutputSize)
	if err != nil {
		return nil, err
	}

	var list entityList
	if err := json.Unmarshal(extractJSON(out), &list); err != nil {
		return nil, fmt.Errorf("%w: unparseable entity list: %v", generation.ErrInvalidOutput, err)
	}

	return &list, nil
}

// generateEntity is one pass-2 unit: generate the full description, then
// persist the entity and its description to the project store.
func (e *Engine) generateEntity(ctx context.Context, kind string, brief entityBrief) (string, error) {
	spec := generation.Spec{
		Role: roleBuilder,
		Task: fmt.Sprintf(
			"Write a full description of the %s %q (%s). Brief: %s\n"+
				"Stay consistent with the story arc.",
			kind, brief.Name, brief.Role, brief.Brief),
		Context:      []string{e.st.StoryArc},
		TargetLength: 600,
	}

	out, err := e.exec.Do(ctx, fmt.Sprintf("entity_%s_%s", kind, slugify(brief.Name)), spec, e.limits.MaxOutputSize)
	if err != nil {
		return "", err
	}

	if res := e.validator.Validate(out, validate.KindEntity); !res.OK {
		return "", fmt.Errorf("%w: entity description rejected: %s", generation.ErrInvalidOutput, res.Reason)
	}

	if e.store == nil {
		return brief.Name, nil
	}

	id, err := e.store.CreateEntity(ctx, kind, project.EntityFields{
		Name:  brief.Name,
		Role:  brief.Role,
		Brief: brief.Brief,
	})
	if err != nil {
		return "", fmt.Errorf("storing entity: %w", err)
	}
	if err := e.store.SetDescription(ctx, id, out); err != nil {
		return "", fmt.Errorf("storing entity description: %w", err)
	}

	return id, nil
}

// batchedWorldBuilding is the pass-1 fallback: one call per category,
// each returning fully described entities in a single payload.
func (e *Engine) batchedWorldBuilding(ctx context.Context) error {
	type batchedEntity struct {
		Name        string `json:"name"`
		Role        string `json:"role"`
		Brief       string `json:"brief"`
		Description string `json:"description"`
	}

	succeededKinds := 0
	for _, kind := range entityKinds {
		spec := generation.Spec{
			Role: roleBuilder,
			Task: fmt.Sprintf(
				`Create every significant %s for this story in one response. Respond with JSON:
{"entities": [{"name": "", "role": "", "brief": "", "description": ""}]}`, kind),
			Context:  []string{e.st.StoryArc},
			WantJSON: true,
		}

		out, err := e.exec.Do(ctx, "batch_entities_"+kind, spec, e.limits.MaxOutputSize)
		if err != nil {
			e.logger.Warn("batched category failed", "kind", kind, "error", err)
			continue
		}

		var payload struct {
			Entities []batchedEntity `json:"entities"`
		}
		if err := json.Unmarshal(extractJSON(out), &payload); err != nil {
			e.logger.Warn("batched category unparseable", "kind", kind, "error", err)
			continue
		}

		for _, ent := range payload.Entities {
			if e.store == nil {
				e.st.EntityIDs = append(e.st.EntityIDs, ent.Name)
				continue
			}
			id, err := e.store.CreateEntity(ctx, kind, project.EntityFields{
				Name:  ent.Name,
				Role:  ent.Role,
				Brief: ent.Brief,
			})
			if err != nil {
				e.logger.Warn("storing batched entity failed", "kind", kind, "name", ent.Name, "error", err)
				continue
			}
			if ent.Description != "" {
				if err := e.store.SetDescription(ctx, id, ent.Description); err != nil {
					e.logger.Warn("storing batched description failed", "kind", kind, "name", ent.Name, "error", err)
				}
			}
			e.st.EntityIDs = append(e.st.EntityIDs, id)
		}
		succeededKinds++
	}

	ratio := float64(succeededKinds) / float64(len(entityKinds))
	if ratio < e.limits.WorldBuilding.MinSuccessRatio {
		return fmt.Errorf("batched world building succeeded for %d of %d categories, below minimum ratio %.2f",
			succeededKinds, len(entityKinds), e.limits.WorldBuilding.MinSuccessRatio)
	}

	return nil
}

// extractJSON strips markdown fences and leading prose so structured
// outputs survive models that wrap JSON in commentary.
func extractJSON(out string) []byte {
	trimmed := strings.TrimSpace(out)

	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return []byte(trimmed)
	}

	var closer byte = '}'
	if trimmed[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(trimmed, closer)
	if end <= start {
		return []byte(trimmed[start:])
	}

	return []byte(trimmed[start : end+1])
}

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, slug)
	return strings.Trim(slug, "_")
}
