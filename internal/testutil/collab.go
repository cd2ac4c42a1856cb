package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
)

// ErrScriptExhausted is returned by ScriptedEngine when it runs out of steps.
var ErrScriptExhausted = errors.New("scripted engine: no more decisions")

// ScriptStep is one scripted response: a decision, or an error.
type ScriptStep struct {
	Decision model.Decision
	Err      error
}

// ScriptedEngine is a decision engine that replays a fixed script and
// records every request it receives.
//
// Thread-safety: safe for concurrent use via internal mutex.
type ScriptedEngine struct {
	mu       sync.Mutex
	steps    []ScriptStep
	requests []model.DecideRequest

	// OnDecide, when set, runs before each decision is returned.
	OnDecide func(call int, req model.DecideRequest)
}

// NewScriptedEngine creates an engine returning decisions in order.
func NewScriptedEngine(decisions ...model.Decision) *ScriptedEngine {
	e := &ScriptedEngine{}
	for _, d := range decisions {
		e.steps = append(e.steps, ScriptStep{Decision: d})
	}
	return e
}

// Then appends a decision to the script.
func (e *ScriptedEngine) Then(d model.Decision) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, ScriptStep{Decision: d})
	return e
}

// ThenFail appends a failing call to the script.
func (e *ScriptedEngine) ThenFail(err error) *ScriptedEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps = append(e.steps, ScriptStep{Err: err})
	return e
}

// Decide returns the next scripted step.
func (e *ScriptedEngine) Decide(ctx context.Context, req model.DecideRequest) (model.Decision, error) {
	e.mu.Lock()
	call := len(e.requests)
	req.History = slices.Clone(req.History)
	e.requests = append(e.requests, req)
	var step *ScriptStep
	if call < len(e.steps) {
		step = &e.steps[call]
	}
	hook := e.OnDecide
	e.mu.Unlock()

	if hook != nil {
		hook(call, req)
	}
	if step == nil {
		return model.Decision{}, ErrScriptExhausted
	}
	return step.Decision, step.Err
}

// Requests returns every request received so far.
func (e *ScriptedEngine) Requests() []model.DecideRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.requests)
}

// Calls returns the number of Decide calls made.
func (e *ScriptedEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

// StaticObserver returns the same observed state on every call and records
// the extra probes it was asked for.
type StaticObserver struct {
	mu     sync.Mutex
	state  doc.Object
	err    error
	probes [][]any
	ecs    []model.ExecContext
}

// NewStaticObserver creates an observer reporting state.
func NewStaticObserver(state doc.Object) *StaticObserver {
	return &StaticObserver{state: state}
}

// FailWith makes every following call return err.
func (o *StaticObserver) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// Observe returns a copy of the configured state.
func (o *StaticObserver) Observe(ctx context.Context, ec model.ExecContext, probes []any) (doc.Object, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.probes = append(o.probes, probes)
	o.ecs = append(o.ecs, ec)
	if o.err != nil {
		return nil, o.err
	}
	out := make(doc.Object, len(o.state))
	for k, v := range o.state {
		out[k] = v
	}
	return out, nil
}

// Probes returns the extra probes passed to each call.
func (o *StaticObserver) Probes() [][]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.probes)
}

// Contexts returns the execution context passed to each call.
func (o *StaticObserver) Contexts() []model.ExecContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.ecs)
}

// RecordingExecutor records every dispatched action and returns results
// from a per-module table. Modules without an entry succeed with rc 0.
type RecordingExecutor struct {
	mu       sync.Mutex
	results  map[string]model.ActionResult
	err      error
	executed []model.ActionSpec
	dryRuns  []bool
	ecs      []model.ExecContext
}

// NewRecordingExecutor creates an executor where every action succeeds.
func NewRecordingExecutor() *RecordingExecutor {
	return &RecordingExecutor{results: map[string]model.ActionResult{}}
}

// ResultFor sets the result returned for actions of a module.
func (x *RecordingExecutor) ResultFor(module string, r model.ActionResult) *RecordingExecutor {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.results[module] = r
	return x
}

// FailWith makes every following call return err.
func (x *RecordingExecutor) FailWith(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.err = err
}

// Execute records the actions and returns one result per action.
func (x *RecordingExecutor) Execute(ctx context.Context, ec model.ExecContext, actions []model.ActionSpec, dryRun bool) ([]model.ActionResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return nil, x.err
	}
	x.dryRuns = append(x.dryRuns, dryRun)
	x.ecs = append(x.ecs, ec)
	out := make([]model.ActionResult, len(actions))
	for i, a := range actions {
		x.executed = append(x.executed, a)
		r, ok := x.results[a.Module]
		if !ok {
			r = model.ActionResult{RC: IntPtr(0), Stdout: fmt.Sprintf("ran %s", a.Module), Changed: true}
		}
		out[i] = r
	}
	return out, nil
}

// Executed returns every action dispatched so far in order.
func (x *RecordingExecutor) Executed() []model.ActionSpec {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.executed)
}

// DryRuns returns the dry-run flag of each Execute call.
func (x *RecordingExecutor) DryRuns() []bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.dryRuns)
}

// Contexts returns the execution context passed to each Execute call.
func (x *RecordingExecutor) Contexts() []model.ExecContext {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.ecs)
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }
