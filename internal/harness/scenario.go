package harness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/loopd/internal/config"
	"github.com/roach88/loopd/internal/decision"
	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/testutil"
)

// Scenario defines a conformance scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. Also the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Loops are submitted in order before the first step; the first loop
	// gets ID 1.
	Loops []LoopSpec `yaml:"loops"`

	// Rules are handed to the decision engine on every call.
	Rules []model.Rule `yaml:"rules,omitempty"`

	// Observed is the state every observation reports.
	Observed map[string]any `yaml:"observed,omitempty"`

	// Executor maps a module to the result its actions report.
	// Modules without an entry succeed with rc 0.
	Executor map[string]model.ActionResult `yaml:"executor,omitempty"`

	// Decisions is the decision engine script, consumed in call order
	// across all loops and restarts.
	Decisions []ScriptedDecision `yaml:"decisions"`

	// DryRun runs the executor in dry-run mode.
	DryRun bool `yaml:"dry_run,omitempty"`

	// Steps drive the scheduler.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state and trace.
	Assertions []Assertion `yaml:"assertions"`
}

// LoopSpec describes a loop to submit.
type LoopSpec struct {
	Name          string          `yaml:"name,omitempty"`
	Mode          string          `yaml:"mode,omitempty"` // Default "single"
	DesiredState  string          `yaml:"desired_state,omitempty"`
	MaxIterations int             `yaml:"max_iterations,omitempty"` // Default 10
	Interval      config.Duration `yaml:"interval,omitempty"`
	Increments    []string        `yaml:"increments,omitempty"`
}

// ScriptedDecision is one decision engine response: a wire decision
// document, or a failed call.
type ScriptedDecision struct {
	Decision map[string]any `yaml:"decision,omitempty"`
	Fail     string         `yaml:"fail,omitempty"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Tick    int             `yaml:"tick,omitempty"`
	Respond *Response       `yaml:"respond,omitempty"`
	Restart bool            `yaml:"restart,omitempty"`
	Advance config.Duration `yaml:"advance,omitempty"`
}

// Response answers the pending prompt of a loop.
type Response struct {
	Loop     int64  `yaml:"loop"`
	Response string `yaml:"response"`
}

// Assertion validates the outcome of a scenario.
type Assertion struct {
	// Type specifies the assertion type (see the Assert* constants).
	Type string `yaml:"type"`

	// Loop is the loop ID the assertion is about. Defaults to 1.
	Loop int64 `yaml:"loop,omitempty"`

	// Status is the expected loop status (final_status) or the prompt
	// status to count (prompt_count, optional).
	Status string `yaml:"status,omitempty"`

	// Count is the expected number (iteration_count, action_count,
	// failed_actions, prompt_count, engine_calls).
	Count int `yaml:"count,omitempty"`

	// Iteration selects the history entry (history_contains).
	Iteration int `yaml:"iteration,omitempty"`

	// Expect is a subset of the history entry document (history_contains).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Statuses is the expected status order (status_order).
	Statuses []string `yaml:"statuses,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalStatus     = "final_status"
	AssertIterationCount  = "iteration_count"
	AssertActionCount     = "action_count"
	AssertFailedActions   = "failed_actions"
	AssertPromptCount     = "prompt_count"
	AssertHistoryContains = "history_contains"
	AssertStatusOrder     = "status_order"
	AssertEngineCalls     = "engine_calls"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the *.yaml and *.yml files under dir, walking
// subdirectories. A non-empty filter is a glob matched against the file
// name without extension.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// script converts the scripted decisions into engine steps.
func (s *Scenario) script() ([]testutil.ScriptStep, error) {
	steps := make([]testutil.ScriptStep, 0, len(s.Decisions))
	for i, sd := range s.Decisions {
		switch {
		case sd.Fail != "" && sd.Decision != nil:
			return nil, fmt.Errorf("decisions[%d]: decision and fail are mutually exclusive", i)
		case sd.Fail != "":
			steps = append(steps, testutil.ScriptStep{Err: errors.New(sd.Fail)})
		case sd.Decision != nil:
			raw, err := json.Marshal(sd.Decision)
			if err != nil {
				return nil, fmt.Errorf("decisions[%d]: %w", i, err)
			}
			d, err := decision.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("decisions[%d]: %w", i, err)
			}
			steps = append(steps, testutil.ScriptStep{Decision: d})
		default:
			return nil, fmt.Errorf("decisions[%d]: decision or fail is required", i)
		}
	}
	return steps, nil
}

// observed returns the configured observation as a document.
func (s *Scenario) observed() doc.Object {
	out := doc.Object{}
	for k, v := range s.Observed {
		out[k] = v
	}
	return out
}

// op names the operation of a step.
func (st Step) op() string {
	switch {
	case st.Tick > 0:
		return "tick"
	case st.Respond != nil:
		return "respond"
	case st.Restart:
		return "restart"
	case st.Advance > 0:
		return "advance"
	default:
		return ""
	}
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Loops) == 0 {
		return fmt.Errorf("at least one loop is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, l := range s.Loops {
		if l.Mode != "" && !model.LoopMode(l.Mode).Valid() {
			return fmt.Errorf("loops[%d]: unknown mode %q", i, l.Mode)
		}
		if l.MaxIterations < 0 {
			return fmt.Errorf("loops[%d]: max_iterations must not be negative", i)
		}
	}
	if _, err := s.script(); err != nil {
		return err
	}

	nLoops := int64(len(s.Loops))
	for i, st := range s.Steps {
		set := 0
		for _, on := range []bool{st.Tick != 0, st.Respond != nil, st.Restart, st.Advance != 0} {
			if on {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("steps[%d]: exactly one of tick, respond, restart, advance is required", i)
		}
		if st.Tick < 0 || st.Advance < 0 {
			return fmt.Errorf("steps[%d]: tick and advance must be positive", i)
		}
		if st.Respond != nil {
			if st.Respond.Loop == 0 {
				st.Respond.Loop = 1
			}
			if st.Respond.Loop < 1 || st.Respond.Loop > nLoops {
				return fmt.Errorf("steps[%d]: respond references unknown loop %d", i, st.Respond.Loop)
			}
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("at least one assertion is required")
	}
	for i := range s.Assertions {
		if err := validateAssertion(&s.Assertions[i], i, nLoops); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion checks required fields and fills in the default loop.
func validateAssertion(a *Assertion, index int, nLoops int64) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Loop == 0 {
		a.Loop = 1
	}
	if a.Loop < 1 || a.Loop > nLoops {
		return fmt.Errorf("assertions[%d]: unknown loop %d", index, a.Loop)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}

	switch a.Type {
	case AssertFinalStatus:
		if !model.LoopStatus(a.Status).Valid() {
			return fmt.Errorf("assertions[%d]: final_status requires a loop status, got %q", index, a.Status)
		}
	case AssertPromptCount:
		if a.Status != "" && a.Status != string(model.PromptPending) && a.Status != string(model.PromptAnswered) {
			return fmt.Errorf("assertions[%d]: unknown prompt status %q", index, a.Status)
		}
	case AssertHistoryContains:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for history_contains", index)
		}
	case AssertStatusOrder:
		if len(a.Statuses) == 0 {
			return fmt.Errorf("assertions[%d]: statuses list is required for status_order", index)
		}
		for _, s := range a.Statuses {
			if !model.LoopStatus(s).Valid() {
				return fmt.Errorf("assertions[%d]: unknown loop status %q", index, s)
			}
		}
	case AssertIterationCount, AssertActionCount, AssertFailedActions, AssertEngineCalls:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
