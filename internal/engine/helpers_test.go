package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/store"
	"github.com/roach88/loopd/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testWorker = "test-worker"

var errCollaborator = errors.New("collaborator unavailable")

// harness wires a store in a temp dir to scripted collaborators.
type harness struct {
	path     string
	store    *store.Store
	clock    *testutil.FakeClock
	engine   *testutil.ScriptedEngine
	observer *testutil.StaticObserver
	executor *testutil.RecordingExecutor
}

func newHarness(t *testing.T, decisions ...model.Decision) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loops.db")
	clock := testutil.NewFakeClock()
	s, err := store.Open(path, store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &harness{
		path:     path,
		store:    s,
		clock:    clock,
		engine:   testutil.NewScriptedEngine(decisions...),
		observer: testutil.NewStaticObserver(doc.Object{"nginx": "absent"}),
		executor: testutil.NewRecordingExecutor(),
	}
}

// reopen simulates a fresh process: new store handle over the same file and
// fresh collaborators.
func (h *harness) reopen(t *testing.T, decisions ...model.Decision) *harness {
	t.Helper()
	require.NoError(t, h.store.Close())
	s, err := store.Open(h.path, store.WithClock(h.clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &harness{
		path:     h.path,
		store:    s,
		clock:    h.clock,
		engine:   testutil.NewScriptedEngine(decisions...),
		observer: testutil.NewStaticObserver(doc.Object{"nginx": "absent"}),
		executor: testutil.NewRecordingExecutor(),
	}
}

func (h *harness) runnerWith(rec Recorder, opts ...RunnerOption) *Runner {
	base := []RunnerOption{
		WithClock(h.clock),
		WithStateManager(func(loopID int64) StateManager { return h.store.LoopState(loopID) }),
	}
	return NewRunner(rec, h.engine, h.observer, h.executor, append(base, opts...)...)
}

func (h *harness) runner(opts ...RunnerOption) *Runner {
	return h.runnerWith(h.store, opts...)
}

func (h *harness) schedulerFor(r *Runner) *Scheduler {
	return NewScheduler(h.store, r, testWorker, SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		LeaseTTL:     time.Minute,
		Rules:        []model.Rule{{Name: "no-reboot", Condition: `module == "reboot"`}},
		Clock:        h.clock,
	})
}

func (h *harness) scheduler(opts ...RunnerOption) *Scheduler {
	return h.schedulerFor(h.runner(opts...))
}

func (h *harness) submit(t *testing.T, nl store.NewLoop) int64 {
	t.Helper()
	if nl.Mode == "" {
		nl.Mode = model.ModeSingle
	}
	if nl.DesiredState == "" {
		nl.DesiredState = "install nginx"
	}
	if nl.MaxIterations == 0 {
		nl.MaxIterations = 10
	}
	id, err := h.store.CreateLoop(context.Background(), nl)
	require.NoError(t, err)
	return id
}

// startRunning submits a loop and starts it as owner, as a previous worker
// process would have.
func (h *harness) startRunning(t *testing.T, owner string, ttl time.Duration) int64 {
	t.Helper()
	id := h.submit(t, store.NewLoop{MaxIterations: 5})
	require.NoError(t, h.store.StartLoop(context.Background(), id, owner, ttl))
	return id
}

func (h *harness) loop(t *testing.T, id int64) model.Loop {
	t.Helper()
	l, err := h.store.GetLoop(context.Background(), id)
	require.NoError(t, err)
	return l
}

func (h *harness) iterations(t *testing.T, id int64) []model.Iteration {
	t.Helper()
	its, err := h.store.ListIterations(context.Background(), id)
	require.NoError(t, err)
	return its
}

func (h *harness) tick(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Tick(context.Background()))
}

// flakyRecorder fails commits while failing is set.
type flakyRecorder struct {
	inner   Recorder
	failing atomic.Bool
}

func (f *flakyRecorder) RecordIteration(ctx context.Context, rec store.IterationRecord) (store.Checkpoint, error) {
	if f.failing.Load() {
		return store.Checkpoint{}, errors.New("disk I/O error")
	}
	return f.inner.RecordIteration(ctx, rec)
}

// blockingEngine waits for its context to end.
type blockingEngine struct{}

func (blockingEngine) Decide(ctx context.Context, req model.DecideRequest) (model.Decision, error) {
	<-ctx.Done()
	return model.Decision{}, ctx.Err()
}

func act(reasoning string, modules ...string) model.Decision {
	d := model.Decision{Reasoning: reasoning}
	for i, m := range modules {
		d.Actions = append(d.Actions, model.ActionSpec{
			Module: m,
			Host:   "web1",
			Params: doc.Object{"name": "nginx", "attempt": i + 1},
		})
	}
	return d
}

func converged(reasoning string) model.Decision {
	return model.Decision{Converged: true, Reasoning: reasoning}
}

func ask(question string, options ...string) model.Decision {
	return model.Decision{Reasoning: "need approval", Ask: &model.Ask{Question: question, Options: options}}
}

func noop(reasoning string, probes ...any) model.Decision {
	return model.Decision{Reasoning: reasoning, Observe: probes}
}
