package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/loopd/internal/doc"
)

// TraceSnapshot captures the observable outcome of a scenario execution.
// It is serialized as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string         `json:"scenario_name"`
	Trace        []TraceEvent   `json:"trace"`
	History      map[string]any `json:"history"`
	EngineCalls  int            `json:"engine_calls"`
}

// toCanonicalMap converts the snapshot to a plain document. History is keyed
// by the decimal loop ID.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		traceList[i] = map[string]any{
			"step":       ev.Step,
			"op":         ev.Op,
			"loop_id":    ev.LoopID,
			"status":     string(ev.Status),
			"iterations": ev.Iterations,
		}
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"history":       s.History,
		"engine_calls":  s.EngineCalls,
	}
}

// Snapshot renders the canonical golden document of a result.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	history := make(map[string]any, len(result.History))
	for id, entries := range result.History {
		history[strconv.FormatInt(id, 10)] = entries
	}
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		History:      history,
		EngineCalls:  result.EngineCalls,
	}
	data, err := doc.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", scenarioName, err)
	}
	return data, nil
}

// CompareGolden compares snapshot against the golden file at path. With
// update set, the file is (re)written instead.
func CompareGolden(path string, snapshot []byte, update bool) error {
	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, snapshot, 0o644)
	}
	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read golden file: %w", err)
	}
	if !bytes.Equal(want, snapshot) {
		return fmt.Errorf("snapshot differs from golden file %s", path)
	}
	return nil
}

// RunWithGolden executes a scenario in a temp database and compares its
// snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check assertions too.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), scenario, filepath.Join(t.TempDir(), "harness.db"))
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
