package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/loopd/internal/decision"
	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/history"
	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/store"
)

// StateFileKey is the reserved observation key holding the loop's
// declarative state.
const StateFileKey = "_state_file"

// Outcome tells the scheduler what to do after a committed iteration.
type Outcome int

const (
	// OutcomeContinue means run the next iteration.
	OutcomeContinue Outcome = iota + 1
	// OutcomeConverged means the pass succeeded.
	OutcomeConverged
	// OutcomeSuspended means a prompt was raised and the loop must pause.
	OutcomeSuspended
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeConverged:
		return "converged"
	case OutcomeSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Step is the input of one iteration.
type Step struct {
	Loop         model.Loop
	IncrementID  *int64
	DesiredState string // Loop or increment desired state
	N            int    // Iteration number to commit, last committed plus one
	Index        int    // Position within the current pass
	Budget       int    // Iteration budget of the current pass
	Rules        []model.Rule
	History      []model.HistoryEntry
	Probes       []any // Extra observations requested by the previous decision
}

// Result describes a committed iteration.
type Result struct {
	Outcome    Outcome
	Kind       model.DecisionKind
	Entry      model.HistoryEntry // Append to the in-memory history
	Checkpoint store.Checkpoint
	Probes     []any // Extra observations for the next iteration
}

// Runner executes one observe, decide, execute, write cycle.
//
// Run either commits exactly one iteration and returns its Result, or
// returns a *RuntimeError and commits nothing. No caller may advance the
// iteration number without a Result.
type Runner struct {
	recorder    Recorder
	engine      DecisionEngine
	observer    Observer
	executor    Executor
	states      func(loopID int64) StateManager
	logger      *slog.Logger
	clock       Clock
	dryRun      bool
	callTimeout time.Duration
	retry       RetryPolicy
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStateManager sets the declarative-state collaborator factory.
// Without it no state is merged into observations and state ops are skipped.
func WithStateManager(f func(loopID int64) StateManager) RunnerOption {
	return func(r *Runner) {
		r.states = f
	}
}

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the clock used for iteration start times.
func WithClock(c Clock) RunnerOption {
	return func(r *Runner) {
		r.clock = c
	}
}

// WithDryRun makes the executor run in dry-run mode and skips state ops.
func WithDryRun(dryRun bool) RunnerOption {
	return func(r *Runner) {
		r.dryRun = dryRun
	}
}

// WithCallTimeout bounds each external call. Zero means no timeout.
func WithCallTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.callTimeout = d
	}
}

// WithRetry retries failed external calls with backoff.
func WithRetry(p RetryPolicy) RunnerOption {
	return func(r *Runner) {
		r.retry = p
	}
}

// NewRunner creates a Runner.
func NewRunner(rec Recorder, engine DecisionEngine, observer Observer, executor Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		recorder: rec,
		engine:   engine,
		observer: observer,
		executor: executor,
		logger:   slog.Default(),
		clock:    wallClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one iteration.
func (r *Runner) Run(ctx context.Context, step Step) (Result, error) {
	started := r.clock.Now()
	log := r.logger.With("loop_id", step.Loop.ID, "iteration", step.N)

	var state StateManager
	if r.states != nil {
		state = r.states(step.Loop.ID)
	}

	ec := execContext(ctx, log, step.Loop, state)

	// OBSERVE
	var observed doc.Object
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		observed, err = r.observer.Observe(ctx, ec, step.Probes)
		return err
	})
	if err != nil {
		return Result{}, NewExternalError(step.Loop.ID, step.N, "observe", err)
	}
	if observed == nil {
		observed = doc.Object{}
	}
	if state != nil {
		if snapshot := snapshotState(ctx, log, state); snapshot != nil {
			observed[StateFileKey] = snapshot
		}
	}

	// DECIDE
	req := model.DecideRequest{
		LoopID:        step.Loop.ID,
		Observed:      observed,
		DesiredState:  step.DesiredState,
		Rules:         step.Rules,
		History:       step.History,
		Iteration:     step.Index,
		MaxIterations: step.Budget,
		Inventory:     step.Loop.Inventory,
		Groups:        step.Loop.Groups,
	}
	if req.Rules == nil {
		req.Rules = []model.Rule{}
	}
	if req.History == nil {
		req.History = []model.HistoryEntry{}
	}
	var d model.Decision
	err = r.call(ctx, func(ctx context.Context) error {
		var err error
		d, err = r.engine.Decide(ctx, req)
		return err
	})
	if err != nil {
		if decision.IsValidationError(err) {
			return Result{}, NewInvalidDecisionError(step.Loop.ID, step.N, err)
		}
		return Result{}, NewExternalError(step.Loop.ID, step.N, "decide", err)
	}
	if err := decision.Validate(d); err != nil {
		return Result{}, NewInvalidDecisionError(step.Loop.ID, step.N, err)
	}

	kind := d.Kind()
	log.Debug("decision received", "kind", kind.String(), "reasoning", d.Reasoning)

	var results []model.ActionResult
	switch kind {
	case model.DecisionConverged, model.DecisionAsk, model.DecisionNoop:
	case model.DecisionExecute:
		// EXECUTE: dispatched once; an executor failure is never retried
		// since actions may have partially applied.
		results, err = r.execute(ctx, ec, d.Actions)
		if err != nil {
			return Result{}, NewExternalError(step.Loop.ID, step.N, "execute", err)
		}
		if len(results) != len(d.Actions) {
			return Result{}, NewExternalError(step.Loop.ID, step.N, "execute",
				fmt.Errorf("executor returned %d results for %d actions", len(results), len(d.Actions)))
		}
	default:
		return Result{}, NewInvalidDecisionError(step.Loop.ID, step.N, fmt.Errorf("unhandled decision kind %s", kind))
	}

	entry, err := history.Entry(step.N, d, results)
	if err != nil {
		return Result{}, NewInvalidDecisionError(step.Loop.ID, step.N, err)
	}

	// WRITE
	rec := store.IterationRecord{
		LoopID:                step.Loop.ID,
		IncrementID:           step.IncrementID,
		N:                     step.N,
		Converged:             entry.Converged,
		Reasoning:             entry.Reasoning,
		Observations:          observed,
		ObservationsRequested: entry.ObservationsRequested,
		Actions:               entry.Actions,
		Results:               entry.Results,
		RuleResults:           d.RuleResults,
		StartedAt:             started,
	}
	if kind == model.DecisionAsk {
		rec.Prompt = d.Ask
	}
	cp, err := r.recorder.RecordIteration(ctx, rec)
	if err != nil {
		return Result{}, NewStorageError(step.Loop.ID, step.N, err)
	}

	res := Result{Kind: kind, Entry: entry, Checkpoint: cp}
	switch kind {
	case model.DecisionConverged:
		res.Outcome = OutcomeConverged
		log.Info("iteration converged")
	case model.DecisionAsk:
		res.Outcome = OutcomeSuspended
		log.Info("iteration raised prompt", "prompt_id", cp.PromptID, "question", d.Ask.Question)
	case model.DecisionNoop:
		res.Outcome = OutcomeContinue
		res.Probes = d.Observe
		log.Info("iteration decided no actions", "observations_requested", entry.ObservationsRequested)
	case model.DecisionExecute:
		res.Outcome = OutcomeContinue
		res.Probes = d.Observe
		failed := 0
		for _, a := range entry.Results {
			if a.Failed {
				failed++
			}
		}
		log.Info("iteration executed actions", "actions", len(entry.Actions), "failed", failed, "dry_run", r.dryRun)
		if !r.dryRun && state != nil {
			applyStateOps(ctx, log, state, d.StateOps)
		}
	}
	return res, nil
}

// call runs an idempotent external call with the configured timeout and
// retry policy.
func (r *Runner) call(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts, err := r.retry.do(ctx, func() error {
		return r.bounded(ctx, fn)
	})
	if err != nil && attempts > 1 {
		return fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return err
}

func (r *Runner) execute(ctx context.Context, ec model.ExecContext, actions []model.ActionSpec) ([]model.ActionResult, error) {
	var results []model.ActionResult
	err := r.bounded(ctx, func(ctx context.Context) error {
		var err error
		results, err = r.executor.Execute(ctx, ec, actions, r.dryRun)
		return err
	})
	return results, err
}

func (r *Runner) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.callTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return fn(ctx)
}

// execContext describes loop to the observer and executor. A failure to
// list state hosts is logged and leaves Hosts empty.
func execContext(ctx context.Context, log *slog.Logger, loop model.Loop, state StateManager) model.ExecContext {
	ec := model.ExecContext{
		LoopID:    loop.ID,
		Inventory: loop.Inventory,
		Groups:    loop.Groups,
	}
	if state == nil {
		return ec
	}
	hosts, err := state.Hosts(ctx)
	if err != nil {
		log.Warn("read state hosts failed", "error", err)
		return ec
	}
	ec.Hosts = hosts
	return ec
}

// snapshotState renders the declarative state merged into observations.
// Returns nil when there is nothing to report. Read failures are logged and
// the snapshot is skipped.
func snapshotState(ctx context.Context, log *slog.Logger, state StateManager) doc.Object {
	out := doc.Object{}

	resources, err := state.Resources(ctx)
	if err != nil {
		log.Warn("read state resources failed", "error", err)
		return nil
	}
	if len(resources) > 0 {
		m := make(doc.Object, len(resources))
		for name, data := range resources {
			m[name] = data
		}
		out["resources"] = m
	}

	names, err := state.Hosts(ctx)
	if err != nil {
		log.Warn("read state hosts failed", "error", err)
		return nil
	}
	if len(names) > 0 {
		hosts := make(doc.Object, len(names))
		for _, name := range names {
			h, err := state.GetHost(ctx, name)
			if err != nil {
				log.Warn("read state host failed", "host", name, "error", err)
				continue
			}
			hosts[name] = hostDocument(h)
		}
		out["hosts"] = hosts
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func hostDocument(h model.Host) doc.Object {
	out := doc.Object{"status": h.Status}
	if h.Address != "" {
		out["address"] = h.Address
	}
	if h.User != "" {
		out["user"] = h.User
	}
	if h.Port != 0 {
		out["port"] = h.Port
	}
	if len(h.Groups) > 0 {
		groups := make([]any, len(h.Groups))
		for i, g := range h.Groups {
			groups[i] = g
		}
		out["groups"] = groups
	}
	if len(h.Facts) > 0 {
		out["facts"] = h.Facts
	}
	return out
}

// applyStateOps applies declarative mutations in order. A failing op is
// logged and skipped; it never aborts the iteration.
func applyStateOps(ctx context.Context, log *slog.Logger, state StateManager, ops []model.StateOp) {
	for i, op := range ops {
		var err error
		switch op.Op {
		case model.StateOpAddResource:
			data := op.Data
			if data == nil {
				data = doc.Object{}
			}
			err = state.AddResource(ctx, op.Name, data)
		case model.StateOpAddHost:
			err = state.AddHost(ctx, op.Name, op.Host)
		case model.StateOpRemove:
			err = state.Remove(ctx, op.Name)
		default:
			err = fmt.Errorf("unknown state op %q", op.Op)
		}
		if err != nil {
			log.Warn("state op failed", "index", i, "op", string(op.Op), "name", op.Name, "error", err)
			continue
		}
		log.Info("state op applied", "op", string(op.Op), "name", op.Name)
	}
}
