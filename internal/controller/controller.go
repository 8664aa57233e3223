// Package controller wraps an engine run with process-level concerns:
// interrupt handling, pause markers, and emergency checkpoints. The
// engine never sees a signal; it only observes the stop probe at its
// step and chapter boundaries.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/storyloom/storyloom/internal/engine"
	"github.com/storyloom/storyloom/internal/state"
	"github.com/storyloom/storyloom/internal/storage"
)

// stopGrace bounds how long a signalled run may take to reach its next
// cancellation point before the checkpoint is written regardless.
const stopGrace = 10 * time.Second

// Runner is the engine surface the controller needs.
type Runner interface {
	Run(ctx context.Context) error
	State() *state.WorkflowState
}

type Controller struct {
	checkpoints *state.CheckpointStore
	files       storage.Storage
	project     string
	logger      *slog.Logger
	exit        func(code int)
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger.With("component", "workflow_controller") }
}

// withExit replaces os.Exit, for tests.
func withExit(fn func(code int)) Option {
	return func(c *Controller) { c.exit = fn }
}

func New(checkpoints *state.CheckpointStore, files storage.Storage, project string, opts ...Option) *Controller {
	c := &Controller{
		checkpoints: checkpoints,
		files:       files,
		project:     project,
		logger:      slog.Default().With("component", "workflow_controller"),
		exit:        os.Exit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) markerPath() string {
	return c.project + ".pause"
}

// PauseRequested reports whether the pause marker exists. Wire it into
// the engine via WithStopCheck; it is only consulted at boundaries.
func (c *Controller) PauseRequested(ctx context.Context) bool {
	return c.files.Exists(ctx, c.markerPath())
}

// RequestPause drops the marker a running workflow will honor at its
// next step or chapter boundary.
func (c *Controller) RequestPause(ctx context.Context) error {
	if err := c.files.Touch(ctx, c.markerPath()); err != nil {
		return fmt.Errorf("creating pause marker: %w", err)
	}
	return nil
}

// ClearPause removes the marker. Removal is the controller's job, never
// the engine's.
func (c *Controller) ClearPause(ctx context.Context) {
	if !c.files.Exists(ctx, c.markerPath()) {
		return
	}
	if err := c.files.Delete(ctx, c.markerPath()); err != nil {
		c.logger.Warn("removing pause marker failed", "error", err)
	}
}

// Run executes the workflow under signal protection. An interrupt or
// termination signal cancels the run, aborting the in-flight step at
// its next cancellation point, then checkpoints the settled state and
// exits 0. Signal handlers are restored on return.
func (c *Controller) Run(ctx context.Context, run Runner) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() {
		done <- c.guarded(ctx, run)
	}()

	select {
	case sig := <-sigCh:
		c.logger.Info("signal received, stopping run and checkpointing",
			"signal", sig.String(),
			"project", c.project)
		// The engine goroutine mutates the state it shares with us, so it
		// must stop before the checkpoint marshal reads that state.
		// Cancellation aborts the in-flight generation call rather than
		// waiting for the step to finish.
		cancel()
		select {
		case <-done:
		case <-time.After(stopGrace):
			c.logger.Warn("run did not stop within grace period, checkpointing anyway",
				"grace", stopGrace)
		}
		// A fresh context: the run context is cancelled by now.
		c.checkpoints.SaveBestEffort(context.Background(), run.State())
		c.exit(0)
		return nil

	case err := <-done:
		switch {
		case err == nil:
			return nil

		case errors.Is(err, engine.ErrPaused):
			c.ClearPause(ctx)
			c.logger.Info("workflow paused",
				"project", c.project,
				"resume", "storyloom resume --project "+c.project)
			return err

		case errors.Is(err, engine.ErrAwaitingReview):
			c.logger.Info("workflow awaiting review",
				"project", c.project,
				"resume", "storyloom resume --project "+c.project)
			return err

		default:
			// The engine checkpointed on its own failure path; this covers
			// anything that escaped it.
			c.checkpoints.SaveBestEffort(context.Background(), run.State())
			return err
		}
	}
}

// guarded converts a panic into an emergency checkpoint before
// re-raising it.
func (c *Controller) guarded(ctx context.Context, run Runner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("workflow panicked, writing emergency checkpoint", "panic", r)
			c.checkpoints.SaveBestEffort(context.Background(), run.State())
			panic(r)
		}
	}()
	return run.Run(ctx)
}
