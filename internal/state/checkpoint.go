package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyloom/storyloom/internal/storage"
)

// CheckpointStore persists WorkflowState as one inspectable JSON record
// per project. Each save is a whole-state overwrite, so it must only run
// at step boundaries.
type CheckpointStore struct {
	store  storage.Storage
	logger *slog.Logger
}

func NewCheckpointStore(store storage.Storage, logger *slog.Logger) *CheckpointStore {
	return &CheckpointStore{
		store:  store,
		logger: logger.With("component", "checkpoint_store"),
	}
}

func checkpointPath(project string) string {
	return fmt.Sprintf("checkpoints/%s.json", project)
}

// Save writes the full state and stamps LastCheckpoint.
func (c *CheckpointStore) Save(ctx context.Context, st *WorkflowState) error {
	st.LastCheckpoint = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	path := checkpointPath(st.Project)
	if err := c.store.Save(ctx, path, data); err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", path, err)
	}

	c.logger.Debug("checkpoint saved",
		"project", st.Project,
		"completed_steps", len(st.CompletedSteps),
		"current_step", st.CurrentStep)

	return nil
}

// SaveBestEffort saves and logs any failure without returning it. A
// failed checkpoint write never aborts the step that produced the state.
func (c *CheckpointStore) SaveBestEffort(ctx context.Context, st *WorkflowState) {
	if err := c.Save(ctx, st); err != nil {
		c.logger.Error("checkpoint save failed",
			"project", st.Project,
			"error", err)
	}
}

// Load returns the persisted state for project, or (nil, nil) when no
// checkpoint exists.
func (c *CheckpointStore) Load(ctx context.Context, project string) (*WorkflowState, error) {
	path := checkpointPath(project)
	if !c.store.Exists(ctx, path) {
		return nil, nil
	}

	data, err := c.store.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", path, err)
	}

	var st WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", path, err)
	}

	if st.ProviderCalls == nil {
		st.ProviderCalls = make(map[string]int)
	}

	c.logger.Info("checkpoint loaded",
		"project", project,
		"completed_steps", len(st.CompletedSteps),
		"failed_step", st.FailedStep)

	return &st, nil
}

// Delete removes the checkpoint, used after a clean completion when the
// caller opts to prune.
func (c *CheckpointStore) Delete(ctx context.Context, project string) error {
	return c.store.Delete(ctx, checkpointPath(project))
}
