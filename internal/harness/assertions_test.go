package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loopd/internal/model"
)

func TestMatchSubset(t *testing.T) {
	actual := map[string]any{
		"converged": false,
		"reasoning": "install",
		"actions": []any{
			map[string]any{"module": "apt", "params": map[string]any{"name": "nginx"}},
		},
		"meta": map[string]any{"host": "web1", "port": "22"},
	}

	tests := []struct {
		name     string
		expected map[string]any
		want     bool
	}{
		{"empty expectation", map[string]any{}, true},
		{"scalar match", map[string]any{"reasoning": "install"}, true},
		{"bool match", map[string]any{"converged": false}, true},
		{"scalar mismatch", map[string]any{"reasoning": "remove"}, false},
		{"missing key", map[string]any{"asked": "ok?"}, false},
		{"nested subset", map[string]any{"meta": map[string]any{"host": "web1"}}, true},
		{"nested mismatch", map[string]any{"meta": map[string]any{"host": "web2"}}, false},
		{"nested against scalar", map[string]any{"reasoning": map[string]any{"x": "y"}}, false},
		{
			"arrays compare whole",
			map[string]any{"actions": []any{map[string]any{"module": "apt", "params": map[string]any{"name": "nginx"}}}},
			true,
		},
		{"partial array", map[string]any{"actions": []any{map[string]any{"module": "apt"}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchSubset(actual, tt.expected))
		})
	}

	assert.False(t, matchSubset("not an object", map[string]any{"a": "b"}))
}

func TestAssertStatusOrder(t *testing.T) {
	trace := []TraceEvent{
		{Step: 1, Op: "tick", LoopID: 1, Status: model.LoopPaused, Iterations: 1},
		{Step: 2, Op: "tick", LoopID: 1, Status: model.LoopPaused, Iterations: 1},
		{Step: 3, Op: "respond", LoopID: 1, Status: model.LoopPaused, Iterations: 1},
		{Step: 4, Op: "tick", LoopID: 1, Status: model.LoopRunning, Iterations: 1},
		{Step: 5, Op: "tick", LoopID: 1, Status: model.LoopCompleted, Iterations: 2},
	}
	fail := func(expected, actual string) error {
		return errors.New(expected + " / " + actual)
	}

	tests := []struct {
		name     string
		statuses []string
		wantErr  bool
	}{
		{"full order", []string{"paused", "running", "completed"}, false},
		{"gaps allowed", []string{"paused", "completed"}, false},
		{"repeats collapse", []string{"paused", "paused"}, true},
		{"wrong order", []string{"completed", "paused"}, true},
		{"never reached", []string{"failed"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertStatusOrder(trace, Assertion{Type: AssertStatusOrder, Loop: 1, Statuses: tt.statuses}, fail)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "statuses seen: [paused running completed]")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAssertHistoryContains(t *testing.T) {
	entries := []model.HistoryEntry{
		{Iteration: 0, Reasoning: "install", Actions: []model.ActionSpec{{Module: "apt"}}, Results: []model.ActionResult{{Changed: true}}},
		{Iteration: 1, Reasoning: "ask", Asked: "Reboot?", Actions: []model.ActionSpec{}, Results: []model.ActionResult{}},
	}
	var failure *AssertionError
	fail := func(expected, actual string) error {
		failure = &AssertionError{Type: AssertHistoryContains, LoopID: 1, Expected: expected, Actual: actual}
		return failure
	}

	err := assertHistoryContains(entries, Assertion{Iteration: 1, Expect: map[string]any{"asked": "Reboot?"}}, fail)
	assert.NoError(t, err)

	err = assertHistoryContains(entries, Assertion{Iteration: 0, Expect: map[string]any{"converged": true}}, fail)
	require.Error(t, err)
	assert.Equal(t, `entry 0 containing {"converged":true}`, failure.Expected)
	assert.Contains(t, failure.Actual, `"reasoning":"install"`)

	err = assertHistoryContains(entries, Assertion{Iteration: 5, Expect: map[string]any{"converged": true}}, fail)
	require.Error(t, err)
	assert.Equal(t, "2 entries", failure.Actual)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertFinalStatus,
		LoopID:   2,
		Expected: "status completed",
		Actual:   "status paused",
		Trace: []TraceEvent{
			{Step: 1, Op: "tick", LoopID: 2, Status: model.LoopPaused, Iterations: 1},
			{Step: 2, Op: "respond", LoopID: 2, Status: model.LoopPaused, Iterations: 1},
		},
	}

	want := "Assertion failed: final_status (loop 2)\n" +
		"  Expected: status completed\n" +
		"  Actual: status paused\n" +
		"\nTrace:\n" +
		"  [1] tick     paused    iterations=1\n" +
		"  [2] respond  paused    iterations=1\n"
	assert.Equal(t, want, err.Error())
}

func TestAssertionError_NoTrace(t *testing.T) {
	err := &AssertionError{Type: AssertEngineCalls, LoopID: 1, Expected: "3 engine calls", Actual: "2 engine calls"}
	assert.NotContains(t, err.Error(), "Trace:")
}
