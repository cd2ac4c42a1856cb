package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/loopd/internal/model"
)

// CodeLoopFailed is the JSON error code of a run whose loop failed.
const CodeLoopFailed = "E_LOOP_FAILED"

// RunOptions holds flags for the run command.
type RunOptions struct {
	SubmitOptions
	DryRun bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{SubmitOptions: SubmitOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "run [desired-state]",
		Short: "Submit a loop and drive it inline",
		Long: `Submit a loop and drive it in this process, without a worker.

The loop runs until it converges, asks for input or fails. Only the new
loop is driven; other loops in the database are left to the worker. A loop
that asks for input stays paused: answer with respond, and a worker picks
it up. Continuous loops stop after their first pass and are parked for the
worker.

Exit codes:
  0 - Loop converged or is waiting for an answer
  1 - Loop failed
  2 - Command error (bad flags, invalid loop, missing engine)

Example:
  loopd run "nginx installed and serving on :80"
  loopd run --dry-run --max-iterations 3 "disk usage below 80%"`,
		Args: checkArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired := ""
			if len(args) == 1 {
				desired = args[0]
			}
			return runInline(cmd, opts, desired)
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "skip action execution and state ops (overrides config)")
	return cmd
}

func runInline(cmd *cobra.Command, opts *RunOptions, desired string) error {
	env, err := openWorker(cmd, opts.RootOptions, opts.DryRun, nil)
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

	id, err := createLoop(ctx, env.store, opts.newLoop(env.cfg, desired))
	if err != nil {
		return err
	}
	env.logger.Info("running loop inline", "loop_id", id, "worker", env.workerID, "dry_run", env.cfg.Worker.DryRun)
	if err := env.sched.RunLoop(ctx, id); err != nil {
		return WrapExitError(ExitFailure, "run failed", err)
	}

	// Read back without the signal context: the outcome is committed.
	detail, err := loopDetail(context.WithoutCancel(ctx), env.store, id)
	if err != nil {
		return err
	}

	f := opts.formatter(cmd)
	if detail.Status != model.LoopFailed {
		return f.Render(detail, func(w io.Writer) error { return writeLoopDetail(w, detail) })
	}
	msg := fmt.Sprintf("loop %d failed", id)
	if f.Format == "json" {
		if err := json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Data:   detail,
			Error:  &CLIError{Code: CodeLoopFailed, Message: msg},
		}); err != nil {
			return err
		}
		return &ExitError{Code: ExitFailure, Message: msg, Reported: true}
	}
	if err := writeLoopDetail(f.Writer, detail); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}
