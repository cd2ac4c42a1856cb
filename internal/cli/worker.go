package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/loopd/internal/collab"
	"github.com/roach88/loopd/internal/config"
	"github.com/roach88/loopd/internal/engine"
	"github.com/roach88/loopd/internal/rules"
	"github.com/roach88/loopd/internal/store"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	Once   bool
	DryRun bool

	// IDGenerator allows overriding the lease owner identity (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator engine.WorkerIDGenerator
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	return newWorkerCommand(&WorkerOptions{RootOptions: rootOpts})
}

func newWorkerCommand(opts *WorkerOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drive submitted loops",
		Long: `Start the worker: the single process that drives loops.

The worker starts pending loops, resumes paused loops whose prompts were
answered and reclaims loops left running by a previous worker, driving each
through observe, decide and execute until it converges, asks for input or
fails. SIGINT or SIGTERM stops it after the iteration in flight commits.

Collaborators come from the config file:
  collaborators:
    engine: "decide --model local"   # reads a request on stdin, prints a decision
    shell: /bin/sh
    observers:
      nginx: "systemctl is-active nginx"

Example:
  loopd worker --config loopd.yaml
  loopd worker --once --dry-run`,
		Args: checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single scheduling pass and exit")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "skip action execution and state ops (overrides config)")

	return cmd
}

func runWorker(cmd *cobra.Command, opts *WorkerOptions) error {
	env, err := openWorker(cmd, opts.RootOptions, opts.DryRun, opts.IDGenerator)
	if err != nil {
		return err
	}
	defer env.close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Once {
		if err := env.sched.RunOnce(ctx); err != nil {
			return WrapExitError(ExitFailure, "worker error", err)
		}
		return opts.formatter(cmd).Render(map[string]string{"worker": env.workerID}, func(w io.Writer) error {
			_, err := fmt.Fprintln(w, "scheduling pass complete")
			return err
		})
	}

	env.logger.Info("worker starting", "db", env.cfg.Database, "worker", env.workerID, "dry_run", env.cfg.Worker.DryRun)
	if err := env.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "worker error", err)
	}
	env.logger.Info("worker stopped gracefully")
	return nil
}

// workerEnv is a scheduler wired from config together with the resources
// it holds. close releases them.
type workerEnv struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	sched    *engine.Scheduler
	workerID string
	close    func()
}

// openWorker loads config, rules and the database and wires a scheduler
// with command-backed collaborators. dryRun forces dry-run on; a nil ids
// defaults to UUIDv7Generator.
func openWorker(cmd *cobra.Command, opts *RootOptions, dryRun bool, ids engine.WorkerIDGenerator) (*workerEnv, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.Worker.DryRun = true
	}

	logger, closeLog := config.SetupLogger(cmd.ErrOrStderr(), cfg.Log)
	closeLogFile := func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "close log file: %v\n", err)
		}
	}

	loopRules, err := rules.Load(cfg.RulesDir)
	if err != nil {
		closeLogFile()
		return nil, WrapExitError(ExitCommandError, "failed to load rules", err)
	}
	logger.Info("rules loaded", "dir", cfg.RulesDir, "count", len(loopRules))

	st, err := store.Open(cfg.Database)
	if err != nil {
		closeLogFile()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	closeAll := func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
		closeLogFile()
	}

	runner, err := newRunner(st, cfg, logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	workerID := ids.Generate()
	sched := engine.NewScheduler(st, runner, workerID, engine.SchedulerConfig{
		PollInterval:   cfg.Worker.PollInterval.Std(),
		IterationDelay: cfg.Worker.IterationDelay.Std(),
		LeaseTTL:       cfg.Worker.LeaseTTL.Std(),
		Rules:          loopRules,
		Logger:         logger,
	})
	return &workerEnv{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		sched:    sched,
		workerID: workerID,
		close:    closeAll,
	}, nil
}

// newRunner wires the command-backed collaborators named by cfg.
func newRunner(st *store.Store, cfg config.Config, logger *slog.Logger) (*engine.Runner, error) {
	if cfg.Collab.Engine == "" {
		return nil, NewExitError(ExitCommandError, "collaborators.engine is not configured")
	}
	decider, err := collab.NewCommandEngine(cfg.Collab.Engine, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid collaborators config", err)
	}
	observer, err := collab.NewShellObserver(cfg.Collab.Shell, cfg.Collab.Observers)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid collaborators config", err)
	}
	executor, err := collab.NewShellExecutor(cfg.Collab.Shell, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid collaborators config", err)
	}

	return engine.NewRunner(st, decider, observer, executor,
		engine.WithStateManager(func(loopID int64) engine.StateManager { return st.LoopState(loopID) }),
		engine.WithLogger(logger),
		engine.WithDryRun(cfg.Worker.DryRun),
		engine.WithCallTimeout(cfg.Worker.CallTimeout.Std()),
		engine.WithRetry(engine.RetryPolicy{
			MaxRetries: cfg.Worker.Retry.MaxRetries,
			BaseDelay:  cfg.Worker.Retry.BaseDelay.Std(),
			MaxDelay:   cfg.Worker.Retry.MaxDelay.Std(),
		}),
	), nil
}
