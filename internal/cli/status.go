package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/loopd/internal/history"
	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/store"
)

// LoopSummary is one row of the status listing.
type LoopSummary struct {
	model.Loop
	Iterations int `json:"iterations"`
}

// LoopDetail is the JSON payload of `status <loop-id>`.
type LoopDetail struct {
	LoopSummary
	Actions        int               `json:"actions"`
	Increments     []model.Increment `json:"increments,omitempty"`
	PendingPrompts []model.Prompt    `json:"pending_prompts,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "status [loop-id]",
		Short: "Show loops",
		Long: `List loops, or show one loop in detail.

Example:
  loopd status
  loopd status --status paused
  loopd status 4 --format json`,
		Args: checkArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			f := rootOpts.formatter(cmd)
			if len(args) == 1 {
				id, err := parseID("loop", args[0])
				if err != nil {
					return err
				}
				detail, err := loopDetail(cmd.Context(), st, id)
				if err != nil {
					return err
				}
				return f.Render(detail, func(w io.Writer) error { return writeLoopDetail(w, detail) })
			}

			s := model.LoopStatus(status)
			if s != "" && !s.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", status))
			}
			loops, err := st.ListLoops(cmd.Context(), s)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list loops", err)
			}
			rows := make([]LoopSummary, 0, len(loops))
			for _, l := range loops {
				n, err := st.LastIterationNumber(cmd.Context(), l.ID)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list loops", err)
				}
				rows = append(rows, LoopSummary{Loop: l, Iterations: n + 1})
			}
			return f.Render(rows, func(w io.Writer) error { return writeLoopTable(w, rows) })
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only show loops in this status")
	return cmd
}

func loopDetail(ctx context.Context, st *store.Store, id int64) (LoopDetail, error) {
	l, err := st.GetLoop(ctx, id)
	if err != nil {
		return LoopDetail{}, storeError("failed to read loop", err)
	}
	n, err := st.LastIterationNumber(ctx, id)
	if err != nil {
		return LoopDetail{}, WrapExitError(ExitFailure, "failed to read loop", err)
	}
	actions, err := st.CountActions(ctx, id)
	if err != nil {
		return LoopDetail{}, WrapExitError(ExitFailure, "failed to read loop", err)
	}
	increments, err := st.ListIncrements(ctx, id)
	if err != nil {
		return LoopDetail{}, WrapExitError(ExitFailure, "failed to read loop", err)
	}
	prompts, err := st.PendingPrompts(ctx, id)
	if err != nil {
		return LoopDetail{}, WrapExitError(ExitFailure, "failed to read loop", err)
	}
	return LoopDetail{
		LoopSummary:    LoopSummary{Loop: l, Iterations: n + 1},
		Actions:        actions,
		Increments:     increments,
		PendingPrompts: prompts,
	}, nil
}

func writeLoopTable(w io.Writer, rows []LoopSummary) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no loops")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tSTATUS\tMODE\tITERATIONS\tCREATED\tNAME\n")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, r.Status, r.Mode, r.Iterations, r.MaxIterations,
			r.CreatedAt.Local().Format(time.DateTime), truncateStr(r.Name, 50))
	}
	return tw.Flush()
}

func writeLoopDetail(w io.Writer, d LoopDetail) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Loop:\t%d\n", d.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", d.Name)
	fmt.Fprintf(tw, "Status:\t%s\n", d.Status)
	fmt.Fprintf(tw, "Mode:\t%s\n", d.Mode)
	if d.DesiredState != "" {
		fmt.Fprintf(tw, "Desired state:\t%s\n", d.DesiredState)
	}
	if d.Inventory != "" {
		fmt.Fprintf(tw, "Inventory:\t%s\n", d.Inventory)
	}
	if len(d.Groups) > 0 {
		fmt.Fprintf(tw, "Groups:\t%s\n", strings.Join(d.Groups, ", "))
	}
	if d.Mode == model.ModeContinuous {
		fmt.Fprintf(tw, "Interval:\t%s\n", d.Interval)
	}
	fmt.Fprintf(tw, "Iterations:\t%d (budget %d per pass)\n", d.Iterations, d.MaxIterations)
	fmt.Fprintf(tw, "Actions:\t%d\n", d.Actions)
	if d.LeaseOwner != "" && d.LeaseExpiresAt != nil {
		fmt.Fprintf(tw, "Lease:\t%s until %s\n", d.LeaseOwner, d.LeaseExpiresAt.Local().Format(time.DateTime))
	}
	if d.NextRunAt != nil {
		fmt.Fprintf(tw, "Next run:\t%s\n", d.NextRunAt.Local().Format(time.DateTime))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(d.Increments) > 0 {
		fmt.Fprintln(w, "\nIncrements:")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, inc := range d.Increments {
			fix := ""
			if inc.IsFix {
				fix = " (fix)"
			}
			fmt.Fprintf(tw, "  %d\t%s\t%s%s\n", inc.N, inc.Status, truncateStr(inc.DesiredState, 60), fix)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	for _, p := range d.PendingPrompts {
		fmt.Fprintf(w, "\nPending prompt %d: %s\n", p.ID, p.Question)
		if len(p.Options) > 0 {
			fmt.Fprintf(w, "  options: %s\n", strings.Join(p.Options, " | "))
		}
	}
	return nil
}

// IterationAudit is one committed iteration with its stored action and
// rule-evaluation rows, the JSON payload element of `history --audit`.
type IterationAudit struct {
	model.Iteration
	Actions     []model.Action     `json:"actions"`
	RuleResults []model.RuleResult `json:"rule_results"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		incrementN int
		audit      bool
	)

	cmd := &cobra.Command{
		Use:   "history <loop-id>",
		Short: "Show the committed history of a loop",
		Long: `Show the committed iterations of a loop, as handed to the decision engine.

With --format json the data member is the canonical history document.
With --audit it is the stored iterations instead, each with its action rows
(captured output included) and the rule evaluations the engine reported.

Example:
  loopd history 4
  loopd history 4 --increment 1 --format json
  loopd history 4 --audit`,
		Args: checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("loop", args[0])
			if err != nil {
				return err
			}
			st, _, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			if _, err := st.GetLoop(ctx, id); err != nil {
				return storeError("failed to read loop", err)
			}
			var incrementID *int64
			if cmd.Flags().Changed("increment") {
				incrementID, err = findIncrement(ctx, st, id, incrementN)
				if err != nil {
					return err
				}
			}

			if audit {
				audits, err := loadAudit(ctx, st, id, incrementID)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to load iterations", err)
				}
				return rootOpts.formatter(cmd).Render(audits, func(w io.Writer) error {
					return writeAudit(w, audits)
				})
			}

			entries, err := history.Load(ctx, st, id, incrementID)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to load history", err)
			}
			data, err := history.Marshal(entries)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to render history", err)
			}
			return rootOpts.formatter(cmd).Render(json.RawMessage(data), func(w io.Writer) error {
				return writeHistory(w, entries)
			})
		},
	}

	cmd.Flags().IntVar(&incrementN, "increment", 0, "only show iterations of this increment (by position)")
	cmd.Flags().BoolVar(&audit, "audit", false, "show stored action rows and rule evaluations")
	return cmd
}

func loadAudit(ctx context.Context, st *store.Store, loopID int64, incrementID *int64) ([]IterationAudit, error) {
	its, err := st.ListIterations(ctx, loopID)
	if err != nil {
		return nil, err
	}
	audits := make([]IterationAudit, 0, len(its))
	for _, it := range its {
		if incrementID != nil && (it.IncrementID == nil || *it.IncrementID != *incrementID) {
			continue
		}
		actions, err := st.ActionsForIteration(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		rules, err := st.RuleResultsForIteration(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		audits = append(audits, IterationAudit{Iteration: it, Actions: actions, RuleResults: rules})
	}
	return audits, nil
}

func writeAudit(w io.Writer, audits []IterationAudit) error {
	if len(audits) == 0 {
		_, err := fmt.Fprintln(w, "no iterations")
		return err
	}
	for _, a := range audits {
		marker := ""
		if a.Converged != nil && *a.Converged {
			marker = " [converged]"
		}
		fmt.Fprintf(w, "#%d%s %s\n", a.N, marker, a.Reasoning)
		for _, act := range a.Actions {
			host := act.Host
			if host == "" {
				host = "local"
			}
			rc := "-"
			if act.RC != nil {
				rc = fmt.Sprint(*act.RC)
			}
			fmt.Fprintf(w, "    - %s@%s %s rc=%s\n", act.Module, host, act.Status, rc)
			if act.Error != "" {
				fmt.Fprintf(w, "      error: %s\n", act.Error)
			}
		}
		for _, r := range a.RuleResults {
			verdict := "not matched"
			if r.Matched {
				verdict = "matched"
			}
			if r.Approved != nil {
				if *r.Approved {
					verdict += ", approved"
				} else {
					verdict += ", refused"
				}
			}
			fmt.Fprintf(w, "    rule %s: %s\n", r.RuleName, verdict)
			if r.Reasoning != "" {
				fmt.Fprintf(w, "      %s\n", r.Reasoning)
			}
		}
	}
	return nil
}

func findIncrement(ctx context.Context, st *store.Store, loopID int64, n int) (*int64, error) {
	increments, err := st.ListIncrements(ctx, loopID)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to list increments", err)
	}
	for _, inc := range increments {
		if inc.N == n {
			return &inc.ID, nil
		}
	}
	return nil, NewExitError(ExitCommandError, fmt.Sprintf("loop %d has no increment %d", loopID, n))
}

func writeHistory(w io.Writer, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no iterations")
		return err
	}
	for _, e := range entries {
		marker := ""
		switch {
		case e.Converged:
			marker = " [converged]"
		case e.Asked != "":
			marker = " [asked]"
		}
		fmt.Fprintf(w, "#%d%s %s\n", e.Iteration, marker, e.Reasoning)
		if e.Asked != "" {
			fmt.Fprintf(w, "    ? %s\n", e.Asked)
		}
		for i, a := range e.Actions {
			status := "ok"
			if i < len(e.Results) && e.Results[i].IsFailure() {
				status = "FAILED"
			}
			host := a.Host
			if host == "" {
				host = "local"
			}
			fmt.Fprintf(w, "    - %s@%s %s\n", a.Module, host, status)
		}
		if e.ObservationsRequested > 0 {
			fmt.Fprintf(w, "    requested %d extra observations\n", e.ObservationsRequested)
		}
	}
	return nil
}

// PromptRow is one row of the prompts listing.
type PromptRow struct {
	model.Prompt
	LoopName string `json:"loop_name"`
}

// NewPromptsCommand creates the prompts command.
func NewPromptsCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "prompts [loop-id]",
		Short: "List prompts waiting for an answer",
		Long: `List pending prompts across all loops, or every prompt of one loop with --all.

Example:
  loopd prompts
  loopd prompts 4 --all`,
		Args: checkArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			var loops []model.Loop
			if len(args) == 1 {
				id, err := parseID("loop", args[0])
				if err != nil {
					return err
				}
				l, err := st.GetLoop(ctx, id)
				if err != nil {
					return storeError("failed to read loop", err)
				}
				loops = []model.Loop{l}
			} else if loops, err = st.ListLoops(ctx, ""); err != nil {
				return WrapExitError(ExitFailure, "failed to list loops", err)
			}

			rows := []PromptRow{}
			for _, l := range loops {
				var prompts []model.Prompt
				if all {
					prompts, err = st.PromptsForLoop(ctx, l.ID)
				} else {
					prompts, err = st.PendingPrompts(ctx, l.ID)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list prompts", err)
				}
				for _, p := range prompts {
					rows = append(rows, PromptRow{Prompt: p, LoopName: l.Name})
				}
			}
			return rootOpts.formatter(cmd).Render(rows, func(w io.Writer) error { return writePrompts(w, rows) })
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include answered prompts")
	return cmd
}

func writePrompts(w io.Writer, rows []PromptRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no prompts")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tLOOP\tSTATUS\tQUESTION\tOPTIONS\tRESPONSE\n")
	for _, r := range rows {
		response := ""
		if r.Response != nil {
			response = *r.Response
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.LoopID, r.Status, truncateStr(r.Question, 60), strings.Join(r.Options, "|"), truncateStr(response, 40))
	}
	return tw.Flush()
}

func truncateStr(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
