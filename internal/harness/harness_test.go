package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/loopd/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runScenario(t *testing.T, s *Scenario) *Result {
	t.Helper()
	result, err := Run(t.Context(), s, filepath.Join(t.TempDir(), "harness.db"))
	require.NoError(t, err)
	return result
}

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenarioFiles(t *testing.T) {
	files, err := FindScenarios(filepath.Join("testdata", "scenarios"), "")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			s, err := LoadScenario(file)
			require.NoError(t, err)

			result := runScenario(t, s)
			assert.True(t, result.Pass, "assertion failures:\n%v", result.Errors)
		})
	}
}

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"converge_in_three", "ask_then_resume"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertion failures:\n%v", result.Errors)
		})
	}
}

func TestRun_MinimalScenario(t *testing.T) {
	scenario := &Scenario{
		Name:      "minimal",
		Loops:     []LoopSpec{{DesiredState: "nothing to do"}},
		Decisions: []ScriptedDecision{{Decision: map[string]any{"converged": true, "reasoning": "done"}}},
		Steps:     []Step{{Tick: 1}},
		Assertions: []Assertion{
			{Type: AssertFinalStatus, Loop: 1, Status: "completed"},
		},
	}

	result := runScenario(t, scenario)
	assert.True(t, result.Pass, "%v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.EngineCalls)

	require.Len(t, result.Trace, 1)
	assert.Equal(t, TraceEvent{Step: 1, Op: "tick", LoopID: 1, Status: model.LoopCompleted, Iterations: 1}, result.Trace[0])

	require.Len(t, result.History[1], 1)
	assert.True(t, result.History[1][0].Converged)
}

func TestRun_TracePerLoopPerStep(t *testing.T) {
	result := runScenario(t, loadTestScenario(t, "engine_failure"))
	require.True(t, result.Pass, "%v", result.Errors)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, int64(1), result.Trace[0].LoopID)
	assert.Equal(t, model.LoopFailed, result.Trace[0].Status)
	assert.Equal(t, int64(2), result.Trace[1].LoopID)
	assert.Equal(t, model.LoopCompleted, result.Trace[1].Status)
	assert.Empty(t, result.History[1])
}

func TestRun_RestartReclaimsBeforeTicking(t *testing.T) {
	result := runScenario(t, loadTestScenario(t, "resume_after_restart"))
	require.True(t, result.Pass, "%v", result.Errors)

	ops := make([]string, 0, len(result.Trace))
	for _, ev := range result.Trace {
		ops = append(ops, ev.Op)
	}
	assert.Equal(t, []string{"tick", "restart", "respond", "tick"}, ops)
	assert.Equal(t, model.LoopPaused, result.Trace[1].Status)
	assert.Equal(t, 2, result.EngineCalls)
}

func TestRun_ContinuousLoopWaitsForInterval(t *testing.T) {
	result := runScenario(t, loadTestScenario(t, "continuous_interval"))
	require.True(t, result.Pass, "%v", result.Errors)

	require.Len(t, result.Trace, 4)
	assert.Equal(t, 1, result.Trace[1].Iterations, "second tick runs before the interval elapsed")
	assert.Equal(t, 2, result.Trace[3].Iterations)
}

func TestRun_DryRunStillRecordsIterations(t *testing.T) {
	scenario := &Scenario{
		Name:   "dry_run",
		Loops:  []LoopSpec{{DesiredState: "install nginx", MaxIterations: 2}},
		DryRun: true,
		Decisions: []ScriptedDecision{
			{Decision: map[string]any{"reasoning": "install", "actions": []any{map[string]any{"module": "apt"}}}},
			{Decision: map[string]any{"reasoning": "install again", "actions": []any{map[string]any{"module": "apt"}}}},
		},
		Steps: []Step{{Tick: 1}},
		Assertions: []Assertion{
			{Type: AssertFinalStatus, Loop: 1, Status: "failed"},
			{Type: AssertIterationCount, Loop: 1, Count: 2},
			{Type: AssertActionCount, Loop: 1, Count: 2},
		},
	}

	result := runScenario(t, scenario)
	assert.True(t, result.Pass, "%v", result.Errors)
}

func TestRun_FailingAssertionsAreReported(t *testing.T) {
	scenario := &Scenario{
		Name:      "wrong_expectations",
		Loops:     []LoopSpec{{DesiredState: "x"}},
		Decisions: []ScriptedDecision{{Decision: map[string]any{"converged": true}}},
		Steps:     []Step{{Tick: 1}},
		Assertions: []Assertion{
			{Type: AssertFinalStatus, Loop: 1, Status: "failed"},
			{Type: AssertEngineCalls, Loop: 1, Count: 1},
			{Type: AssertIterationCount, Loop: 1, Count: 4},
		},
	}

	result := runScenario(t, scenario)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "assertion 1:")
	assert.Contains(t, result.Errors[0], "Expected: status failed")
	assert.Contains(t, result.Errors[1], "assertion 3:")
	assert.Contains(t, result.Errors[1], "Actual: 1 iterations")
}

func TestRun_RespondWithoutPendingPrompt(t *testing.T) {
	scenario := &Scenario{
		Name:       "respond_too_early",
		Loops:      []LoopSpec{{DesiredState: "x"}},
		Decisions:  []ScriptedDecision{{Decision: map[string]any{"converged": true}}},
		Steps:      []Step{{Respond: &Response{Loop: 1, Response: "yes"}}},
		Assertions: []Assertion{{Type: AssertFinalStatus, Loop: 1, Status: "pending"}},
	}

	_, err := Run(t.Context(), scenario, filepath.Join(t.TempDir(), "harness.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1 (respond)")
	assert.Contains(t, err.Error(), "no pending prompt")
}

func TestRun_InvalidScriptedDecision(t *testing.T) {
	scenario := &Scenario{
		Name:       "bad_decision",
		Loops:      []LoopSpec{{DesiredState: "x"}},
		Decisions:  []ScriptedDecision{{Decision: map[string]any{"actions": []any{map[string]any{"module": ""}}}}},
		Steps:      []Step{{Tick: 1}},
		Assertions: []Assertion{{Type: AssertFinalStatus, Loop: 1, Status: "failed"}},
	}

	_, err := Run(t.Context(), scenario, filepath.Join(t.TempDir(), "harness.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decisions[0]")
}
