package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/loopd/internal/engine"
	"github.com/roach88/loopd/internal/history"
	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/store"
	"github.com/roach88/loopd/internal/testutil"
)

// WorkerID is the lease owner used by every harness scheduler.
const WorkerID = "harness-worker"

// Harness is the scenario execution engine.
// It drives the production scheduler with scripted collaborators, a fake
// clock and a fixed worker identity.
type Harness struct {
	path     string
	scenario *Scenario
	store    *store.Store
	clock    *testutil.FakeClock
	engine   *testutil.ScriptedEngine
	observer *testutil.StaticObserver
	executor *testutil.RecordingExecutor
	sched    *engine.Scheduler
	logger   *slog.Logger
	reclaim  bool // Next tick reclaims orphans first
}

// Run executes a scenario against a fresh database at dbPath and returns
// the result. The file must not exist yet; the caller owns its directory.
//
// Execution flow:
//  1. Open the database and submit the scenario's loops
//  2. Execute the steps, recording a trace event per loop after each
//  3. Load every loop's history
//  4. Evaluate the assertions
func Run(ctx context.Context, scenario *Scenario, dbPath string) (*Result, error) {
	script, err := scenario.script()
	if err != nil {
		return nil, err
	}

	h := &Harness{
		path:     dbPath,
		scenario: scenario,
		clock:    testutil.NewFakeClock(),
		engine:   &testutil.ScriptedEngine{},
		observer: testutil.NewStaticObserver(scenario.observed()),
		executor: testutil.NewRecordingExecutor(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in scenarios
	}
	for _, step := range script {
		if step.Err != nil {
			h.engine.ThenFail(step.Err)
		} else {
			h.engine.Then(step.Decision)
		}
	}
	for module, r := range scenario.Executor {
		h.executor.ResultFor(module, r)
	}

	if err := h.open(); err != nil {
		return nil, err
	}
	defer func() { h.store.Close() }()

	ids, err := h.submit(ctx)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.op(), err)
		}
		for _, id := range ids {
			ev, err := h.snapshot(ctx, id)
			if err != nil {
				return nil, err
			}
			ev.Step, ev.Op = i+1, step.op()
			result.AddTrace(ev)
		}
	}

	for _, id := range ids {
		entries, err := history.Load(ctx, h.store, id, nil)
		if err != nil {
			return nil, err
		}
		result.History[id] = entries
	}
	result.EngineCalls = h.engine.Calls()

	actx := &AssertionContext{Store: h.store, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// open opens the database and builds a scheduler over it.
func (h *Harness) open() error {
	st, err := store.Open(h.path, store.WithClock(h.clock))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	runner := engine.NewRunner(st, h.engine, h.observer, h.executor,
		engine.WithClock(h.clock),
		engine.WithLogger(h.logger),
		engine.WithDryRun(h.scenario.DryRun),
		engine.WithStateManager(func(loopID int64) engine.StateManager { return st.LoopState(loopID) }),
	)
	h.store = st
	h.sched = engine.NewScheduler(st, runner, WorkerID, engine.SchedulerConfig{
		LeaseTTL: time.Minute,
		Rules:    h.scenario.Rules,
		Logger:   h.logger,
		Clock:    h.clock,
	})
	return nil
}

func (h *Harness) submit(ctx context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(h.scenario.Loops))
	for i, l := range h.scenario.Loops {
		nl := store.NewLoop{
			Name:          l.Name,
			Mode:          model.LoopMode(l.Mode),
			DesiredState:  l.DesiredState,
			Interval:      l.Interval.Std(),
			MaxIterations: l.MaxIterations,
			Increments:    l.Increments,
		}
		if nl.MaxIterations == 0 {
			nl.MaxIterations = 10
		}
		id, err := h.store.CreateLoop(ctx, nl)
		if err != nil {
			return nil, fmt.Errorf("submit loop %d: %w", i+1, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.op() {
	case "tick":
		for range step.Tick {
			tick := h.sched.Tick
			if h.reclaim {
				tick, h.reclaim = h.sched.RunOnce, false
			}
			if err := tick(ctx); err != nil {
				return err
			}
		}
	case "respond":
		prompts, err := h.store.PendingPrompts(ctx, step.Respond.Loop)
		if err != nil {
			return err
		}
		if len(prompts) == 0 {
			return fmt.Errorf("loop %d has no pending prompt", step.Respond.Loop)
		}
		return h.store.RespondPrompt(ctx, prompts[0].ID, step.Respond.Response)
	case "restart":
		if err := h.store.Close(); err != nil {
			return err
		}
		h.reclaim = true
		return h.open()
	case "advance":
		h.clock.Advance(step.Advance.Std())
	}
	return nil
}

func (h *Harness) snapshot(ctx context.Context, id int64) (TraceEvent, error) {
	l, err := h.store.GetLoop(ctx, id)
	if err != nil {
		return TraceEvent{}, err
	}
	n, err := h.store.LastIterationNumber(ctx, id)
	if err != nil {
		return TraceEvent{}, err
	}
	return TraceEvent{LoopID: id, Status: l.Status, Iterations: n + 1}, nil
}
