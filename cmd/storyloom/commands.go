package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/controller"
	"github.com/storyloom/storyloom/internal/engine"
	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/knowledge"
	"github.com/storyloom/storyloom/internal/project"
	"github.com/storyloom/storyloom/internal/retry"
	"github.com/storyloom/storyloom/internal/state"
	"github.com/storyloom/storyloom/internal/storage"
)

// workflow bundles everything one command needs to drive a project.
type workflow struct {
	cfg         *config.Config
	files       storage.Storage
	checkpoints *state.CheckpointStore
	store       *project.Store
	exec        *retry.Executor
	ctrl        *controller.Controller
	index       knowledge.Index
}

func buildWorkflow(projectOverride string) (*workflow, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if projectOverride != "" {
		cfg.Project.Name = projectOverride
	}

	logger := slog.Default()

	files := storage.NewFileSystem(cfg.Paths.OutputDir)
	checkpoints := state.NewCheckpointStore(files, logger)

	store, err := project.Open(cfg.Paths.DataDir, cfg.Project.Name)
	if err != nil {
		return nil, fmt.Errorf("opening project store: %w", err)
	}

	providers := make([]generation.Service, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		opts := []generation.Option{
			generation.WithModel(p.Model),
			generation.WithRateLimit(cfg.Limits.RateLimit.RequestsPerMinute, cfg.Limits.RateLimit.BurstSize),
			generation.WithLogger(logger),
		}
		if p.Timeout > 0 {
			opts = append(opts, generation.WithTimeout(time.Duration(p.Timeout)*time.Second))
		}
		providers = append(providers, generation.NewClient(p.Name, p.BaseURL, p.APIKey, opts...))
	}

	exec, err := retry.NewExecutor(providers,
		retry.WithMaxAttempts(cfg.Limits.Retry.MaxAttempts),
		retry.WithBaseDelay(cfg.Limits.Retry.BaseDelay),
		retry.WithMaxDelay(cfg.Limits.Retry.MaxDelay),
		retry.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	var index knowledge.Index = knowledge.Noop{}
	if cfg.Knowledge.URL != "" {
		index = knowledge.NewHTTPIndex(cfg.Knowledge.URL)
	}

	ctrl := controller.New(checkpoints, files, cfg.Project.Name, controller.WithLogger(logger))

	return &workflow{
		cfg:         cfg,
		files:       files,
		checkpoints: checkpoints,
		store:       store,
		exec:        exec,
		ctrl:        ctrl,
		index:       index,
	}, nil
}

func (w *workflow) newEngine(st *state.WorkflowState) *engine.Engine {
	return engine.New(st, w.exec, w.checkpoints,
		engine.WithProjectStore(w.store),
		engine.WithFiles(w.files),
		engine.WithKnowledgeIndex(w.index),
		engine.WithLimits(w.cfg.Limits),
		engine.WithProject(w.cfg.Project),
		engine.WithGates(w.cfg.Limits.Gates...),
		engine.WithStopCheck(w.ctrl.PauseRequested),
		engine.WithLogger(slog.Default()),
	)
}

// reportOutcome maps engine outcomes onto CLI behavior: completion,
// pause, and review gates all exit 0; real failures propagate.
func (w *workflow) reportOutcome(err error) error {
	name := w.cfg.Project.Name
	switch {
	case err == nil:
		fmt.Printf("Workflow complete. Manuscript in %s/manuscripts/%s.md\n", w.cfg.Paths.OutputDir, name)
		return nil
	case errors.Is(err, engine.ErrPaused):
		fmt.Printf("Workflow paused. Continue with: storyloom resume --project %s\n", name)
		return nil
	case errors.Is(err, engine.ErrAwaitingReview):
		fmt.Printf("Structure ready for review. Approve with: storyloom resume --project %s --approve\n", name)
		fmt.Printf("Or reject with: storyloom resume --project %s --reject --feedback \"...\"\n", name)
		return nil
	default:
		st, loadErr := w.checkpoints.Load(context.Background(), name)
		if loadErr == nil && st != nil && st.FailedStep != "" {
			fmt.Printf("Workflow failed at step %q. Retry with: storyloom resume --project %s\n", st.FailedStep, name)
		}
		return err
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new workflow for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectName, _ := cmd.Flags().GetString("project")

		w, err := buildWorkflow(projectName)
		if err != nil {
			return err
		}
		defer w.store.Close()

		ctx := cmd.Context()
		existing, err := w.checkpoints.Load(ctx, w.cfg.Project.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("project %q already has a checkpoint, use: storyloom resume --project %s",
				w.cfg.Project.Name, w.cfg.Project.Name)
		}

		st := state.NewWorkflowState(w.cfg.Project.Name)
		eng := w.newEngine(st)
		return w.reportOutcome(w.ctrl.Run(ctx, eng))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a checkpointed workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectName, _ := cmd.Flags().GetString("project")
		approve, _ := cmd.Flags().GetBool("approve")
		reject, _ := cmd.Flags().GetBool("reject")
		feedback, _ := cmd.Flags().GetString("feedback")

		if approve && reject {
			return fmt.Errorf("--approve and --reject are mutually exclusive")
		}

		w, err := buildWorkflow(projectName)
		if err != nil {
			return err
		}
		defer w.store.Close()

		ctx := cmd.Context()
		st, err := w.checkpoints.Load(ctx, w.cfg.Project.Name)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("no checkpoint for project %q, use: storyloom start --project %s",
				w.cfg.Project.Name, w.cfg.Project.Name)
		}

		eng := w.newEngine(st)

		if st.PendingGate != nil && st.PendingGate.Status == state.GatePending {
			if !approve && !reject {
				return fmt.Errorf("project %q is awaiting review, pass --approve or --reject", w.cfg.Project.Name)
			}
			if reject && feedback == "" {
				return fmt.Errorf("--reject requires --feedback")
			}
			return w.reportOutcome(eng.Resume(ctx, approve, feedback))
		}

		return w.reportOutcome(w.ctrl.Run(ctx, eng))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workflow progress for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectName, _ := cmd.Flags().GetString("project")

		w, err := buildWorkflow(projectName)
		if err != nil {
			return err
		}
		defer w.store.Close()

		st, err := w.checkpoints.Load(cmd.Context(), w.cfg.Project.Name)
		if err != nil {
			return err
		}
		if st == nil {
			fmt.Printf("Project %q has not been started.\n", w.cfg.Project.Name)
			return nil
		}

		fmt.Printf("Project:    %s\n", st.Project)
		fmt.Printf("Progress:   %.0f%% (%d of %d steps)\n", st.Progress(), len(st.CompletedSteps), len(st.Steps))
		fmt.Printf("Completed:  %v\n", st.CompletedSteps)
		if st.CurrentStep != "" {
			fmt.Printf("In flight:  %s\n", st.CurrentStep)
		}
		if st.FailedStep != "" {
			fmt.Printf("Failed at:  %s\n", st.FailedStep)
		}
		if st.PendingGate != nil && st.PendingGate.Status == state.GatePending {
			fmt.Printf("Awaiting review of %s\n", st.PendingGate.Phase)
		}
		if len(st.Chapters) > 0 {
			done := 0
			for _, ch := range st.Chapters {
				if ch.Status == state.ChapterComplete {
					done++
				}
			}
			fmt.Printf("Chapters:   %d of %d complete\n", done, len(st.Chapters))
		}
		for _, kind := range []string{"character", "location", "item"} {
			entities, err := w.store.ListEntities(cmd.Context(), kind)
			if err != nil {
				return err
			}
			if len(entities) > 0 {
				fmt.Printf("%-11s %d\n", kind+"s:", len(entities))
			}
		}
		fmt.Printf("Words:      %d\n", st.TotalWords)
		fmt.Printf("Calls:      %d total, per provider %v\n", st.TotalCalls, st.ProviderCalls)
		if st.FinishedAt != nil {
			fmt.Printf("Finished:   %s\n", st.FinishedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the stored scenes as a plain-text manuscript",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectName, _ := cmd.Flags().GetString("project")
		outPath, _ := cmd.Flags().GetString("out")

		w, err := buildWorkflow(projectName)
		if err != nil {
			return err
		}
		defer w.store.Close()

		ctx := cmd.Context()
		manuscript, err := w.store.ExportManuscript(ctx)
		if err != nil {
			return err
		}
		if manuscript == "" {
			return fmt.Errorf("project %q has no stored scenes yet", w.cfg.Project.Name)
		}

		if outPath == "" {
			outPath = fmt.Sprintf("exports/%s.txt", w.cfg.Project.Name)
		}
		if err := w.files.Save(ctx, outPath, []byte(manuscript)); err != nil {
			return err
		}
		fmt.Printf("Exported %d words to %s/%s\n", len(strings.Fields(manuscript)), w.cfg.Paths.OutputDir, outPath)
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Request a pause at the next step or chapter boundary",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectName, _ := cmd.Flags().GetString("project")

		w, err := buildWorkflow(projectName)
		if err != nil {
			return err
		}
		defer w.store.Close()

		if err := w.ctrl.RequestPause(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Pause requested for %q. The running workflow will stop at its next boundary.\n",
			w.cfg.Project.Name)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{startCmd, resumeCmd, statusCmd, pauseCmd, exportCmd} {
		cmd.Flags().String("project", "", "project name (defaults to the configured project)")
	}
	resumeCmd.Flags().Bool("approve", false, "approve the pending review gate")
	resumeCmd.Flags().Bool("reject", false, "reject the pending review gate")
	resumeCmd.Flags().String("feedback", "", "feedback for a rejected review")
	exportCmd.Flags().String("out", "", "output path relative to the output directory")
}
