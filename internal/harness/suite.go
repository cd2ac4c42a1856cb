package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// SuiteOptions configures RunDir.
type SuiteOptions struct {
	// Filter is a glob matched against scenario file names without
	// extension. Empty runs everything.
	Filter string

	// GoldenDir holds {scenario name}.golden files. Scenarios without a
	// golden file are checked by their assertions only. Empty disables
	// golden comparison.
	GoldenDir string

	// Update rewrites golden files instead of comparing them.
	Update bool
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "updated" or "mismatch"
	Errors []string `json:"errors,omitempty"`
}

// SuiteResult summarizes a scenario directory run.
type SuiteResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// RunDir runs every scenario file under dir. Each scenario gets its own
// database in a temporary directory that is removed afterwards.
//
// A scenario that fails to load or execute is reported as failed; only
// problems with dir itself are returned as errors.
func RunDir(ctx context.Context, dir string, opts SuiteOptions) (*SuiteResult, error) {
	files, err := FindScenarios(dir, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find scenarios: %w", err)
	}

	result := &SuiteResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sr := runFile(ctx, file, opts)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}
	return result, nil
}

func runFile(ctx context.Context, file string, opts SuiteOptions) ScenarioResult {
	sr := ScenarioResult{Name: filepath.Base(file), File: file}
	failed := func(format string, args ...any) ScenarioResult {
		sr.Errors = append(sr.Errors, fmt.Sprintf(format, args...))
		return sr
	}

	scenario, err := LoadScenario(file)
	if err != nil {
		return failed("failed to load scenario: %v", err)
	}
	sr.Name = scenario.Name

	tmp, err := os.MkdirTemp("", "loopd-scenario-*")
	if err != nil {
		return failed("failed to create scenario directory: %v", err)
	}
	defer os.RemoveAll(tmp)

	result, err := Run(ctx, scenario, filepath.Join(tmp, "harness.db"))
	if err != nil {
		return failed("execution failed: %v", err)
	}
	sr.Errors = append(sr.Errors, result.Errors...)

	if opts.GoldenDir != "" {
		path := filepath.Join(opts.GoldenDir, scenario.Name+".golden")
		switch _, err := os.Stat(path); {
		case opts.Update:
			sr.Golden = "updated"
		case os.IsNotExist(err):
			path = ""
		default:
			sr.Golden = "match"
		}
		if path != "" {
			snapshot, err := Snapshot(scenario.Name, result)
			if err != nil {
				return failed("%v", err)
			}
			if err := CompareGolden(path, snapshot, opts.Update); err != nil {
				sr.Golden = "mismatch"
				return failed("%v (run with --update to regenerate)", err)
			}
		}
	}

	sr.Pass = len(sr.Errors) == 0
	return sr
}
