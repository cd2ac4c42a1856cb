package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/loopd/internal/config"
	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/store"
)

// NewInitDBCommand creates the init-db command.
func NewInitDBCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database and apply the schema",
		Long: `Create the SQLite database if it does not exist and apply the schema.

Opening an existing database is safe: the schema is applied idempotently and
pending migrations run once.

Example:
  loopd init-db --db ./loops.db`,
		Args: checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			if err := st.Close(); err != nil {
				return WrapExitError(ExitFailure, "failed to close database", err)
			}
			f := rootOpts.formatter(cmd)
			return f.Render(map[string]string{"database": cfg.Database}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "database ready: %s\n", cfg.Database)
				return err
			})
		},
	}
}

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Name          string
	Mode          string
	Inventory     string
	Groups        []string
	Interval      time.Duration
	MaxIterations int
	Increments    []string
}

// SubmitResult is the JSON payload of the submit command.
type SubmitResult struct {
	ID         int64          `json:"id"`
	Mode       model.LoopMode `json:"mode"`
	Increments int            `json:"increments,omitempty"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit [desired-state]",
		Short: "Submit a new loop",
		Long: `Submit a loop in status pending. A running worker starts it on its next tick.

Modes:
  single       one pass against the full desired state
  incremental  one pass per --increment, in order
  continuous   repeat the pass every --interval after each convergence

Example:
  loopd submit "nginx installed and serving on :80"
  loopd submit --mode incremental --increment "install nginx" --increment "enable TLS"
  loopd submit --mode continuous --interval 5m "disk usage below 80%"`,
		Args: checkArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired := ""
			if len(args) == 1 {
				desired = args[0]
			}
			return runSubmit(cmd, opts, desired)
		},
	}

	opts.addFlags(cmd)
	return cmd
}

// addFlags registers the loop definition flags shared by submit and run.
func (opts *SubmitOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&opts.Name, "name", "", "loop name (default: start of the desired state)")
	cmd.Flags().StringVar(&opts.Mode, "mode", string(model.ModeSingle), "loop mode ("+strings.Join(model.ModeNames(), "|")+")")
	cmd.Flags().StringVar(&opts.Inventory, "inventory", "", "inventory reference handed to the collaborators and the decision engine")
	cmd.Flags().StringSliceVar(&opts.Groups, "group", nil, "host group to target (repeatable)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "delay between continuous passes (default from config)")
	cmd.Flags().IntVar(&opts.MaxIterations, "max-iterations", 0, "iteration budget per pass (default from config)")
	cmd.Flags().StringArrayVar(&opts.Increments, "increment", nil, "desired-state slice for incremental mode (repeatable, ordered)")
}

func runSubmit(cmd *cobra.Command, opts *SubmitOptions, desired string) error {
	st, cfg, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	nl := opts.newLoop(cfg, desired)
	id, err := createLoop(cmd.Context(), st, nl)
	if err != nil {
		return err
	}
	opts.formatter(cmd).VerboseLog("submitted loop %d to %s", id, cfg.Database)

	res := SubmitResult{ID: id, Mode: nl.Mode, Increments: len(nl.Increments)}
	return opts.formatter(cmd).Render(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "loop %d submitted (%s)\n", id, nl.Mode)
		return err
	})
}

// newLoop builds the loop definition from the flags, filling the budget and
// continuous interval from cfg when unset.
func (opts *SubmitOptions) newLoop(cfg config.Config, desired string) store.NewLoop {
	nl := store.NewLoop{
		Name:          opts.Name,
		Mode:          model.LoopMode(opts.Mode),
		DesiredState:  desired,
		Inventory:     opts.Inventory,
		Groups:        opts.Groups,
		Interval:      opts.Interval,
		MaxIterations: opts.MaxIterations,
		Increments:    opts.Increments,
	}
	if nl.MaxIterations == 0 {
		nl.MaxIterations = cfg.Defaults.MaxIterations
	}
	if nl.Mode == model.ModeContinuous && nl.Interval == 0 {
		nl.Interval = cfg.Defaults.Interval.Std()
	}
	return nl
}

func createLoop(ctx context.Context, st *store.Store, nl store.NewLoop) (int64, error) {
	id, err := st.CreateLoop(ctx, nl)
	if err != nil {
		if store.IsValidation(err) {
			return 0, WrapExitError(ExitCommandError, "invalid loop", err)
		}
		return 0, WrapExitError(ExitFailure, "failed to submit loop", err)
	}
	return id, nil
}

// RespondResult is the JSON payload of the respond command.
type RespondResult struct {
	PromptID int64  `json:"prompt_id"`
	LoopID   int64  `json:"loop_id"`
	Response string `json:"response"`
}

// NewRespondCommand creates the respond command.
func NewRespondCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "respond <prompt-id> <response>",
		Short: "Answer a pending prompt",
		Long: `Answer a pending prompt. A prompt is answered exactly once.

The paused loop resumes on the worker's next tick, and the decision engine
sees the answer in the loop's history.

Example:
  loopd respond 3 "yes, reboot web1"`,
		Args: checkArgs(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("prompt", args[0])
			if err != nil {
				return err
			}
			response := strings.Join(args[1:], " ")

			st, _, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.RespondPrompt(cmd.Context(), id, response); err != nil {
				return storeError("failed to answer prompt", err)
			}
			p, err := st.GetPrompt(cmd.Context(), id)
			if err != nil {
				return storeError("failed to read prompt", err)
			}

			res := RespondResult{PromptID: id, LoopID: p.LoopID, Response: response}
			return rootOpts.formatter(cmd).Render(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "prompt %d answered; loop %d resumes on the next worker tick\n", id, p.LoopID)
				return err
			})
		},
	}
}

func parseID(what, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid %s id %q", what, s))
	}
	return id, nil
}
