package harness

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes the loop's trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	LoopID   int64        // Loop the assertion was about
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // The loop's trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s (loop %d)\n", e.Type, e.LoopID)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTrace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %-8s %-9s iterations=%d\n", ev.Step, ev.Op, ev.Status, ev.Iterations)
		}
	}
	return buf.String()
}

// AssertionContext provides the store for assertions that read it.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions runs every assertion and returns the failure messages.
// All assertions are evaluated even after one fails.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i+1, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	fail := func(expected, actual string) error {
		return &AssertionError{
			Type:     a.Type,
			LoopID:   a.Loop,
			Expected: expected,
			Actual:   actual,
			Trace:    result.traceFor(a.Loop),
		}
	}
	count := func(what string, got int) error {
		if got != a.Count {
			return fail(fmt.Sprintf("%d %s", a.Count, what), fmt.Sprintf("%d %s", got, what))
		}
		return nil
	}

	switch a.Type {
	case AssertFinalStatus:
		l, err := actx.Store.GetLoop(actx.Ctx, a.Loop)
		if err != nil {
			return err
		}
		if string(l.Status) != a.Status {
			return fail("status "+a.Status, "status "+string(l.Status))
		}
		return nil

	case AssertIterationCount:
		return count("iterations", len(result.History[a.Loop]))

	case AssertActionCount:
		n, err := actx.Store.CountActions(actx.Ctx, a.Loop)
		if err != nil {
			return err
		}
		return count("actions", n)

	case AssertFailedActions:
		actions, err := actx.Store.ActionsForLoop(actx.Ctx, a.Loop)
		if err != nil {
			return err
		}
		failed := 0
		for _, act := range actions {
			if act.Status == model.ActionFailed {
				failed++
			}
		}
		return count("failed actions", failed)

	case AssertPromptCount:
		prompts, err := actx.Store.PromptsForLoop(actx.Ctx, a.Loop)
		if err != nil {
			return err
		}
		n := 0
		for _, p := range prompts {
			if a.Status == "" || string(p.Status) == a.Status {
				n++
			}
		}
		what := "prompts"
		if a.Status != "" {
			what = a.Status + " prompts"
		}
		return count(what, n)

	case AssertHistoryContains:
		return assertHistoryContains(result.History[a.Loop], a, fail)

	case AssertStatusOrder:
		return assertStatusOrder(result.traceFor(a.Loop), a, fail)

	case AssertEngineCalls:
		return count("engine calls", result.EngineCalls)

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertHistoryContains checks that history entry a.Iteration contains
// every field of a.Expect (subset match on the canonical document).
func assertHistoryContains(entries []model.HistoryEntry, a Assertion, fail func(expected, actual string) error) error {
	if a.Iteration < 0 || a.Iteration >= len(entries) {
		return fail(fmt.Sprintf("history entry %d", a.Iteration), fmt.Sprintf("%d entries", len(entries)))
	}
	actual, err := doc.Normalize(entries[a.Iteration])
	if err != nil {
		return err
	}
	expected, err := doc.NormalizeObject(a.Expect)
	if err != nil {
		return err
	}
	if !matchSubset(actual, expected) {
		return fail(fmt.Sprintf("entry %d containing %s", a.Iteration, render(expected)), render(actual))
	}
	return nil
}

// assertStatusOrder checks that the loop passes through a.Statuses in
// order. Consecutive repeats in the trace collapse into one.
func assertStatusOrder(trace []TraceEvent, a Assertion, fail func(expected, actual string) error) error {
	var seen []string
	for _, ev := range trace {
		if len(seen) == 0 || seen[len(seen)-1] != string(ev.Status) {
			seen = append(seen, string(ev.Status))
		}
	}
	next := 0
	for _, s := range seen {
		if next < len(a.Statuses) && s == a.Statuses[next] {
			next++
		}
	}
	if next < len(a.Statuses) {
		return fail(fmt.Sprintf("statuses in order: %v", a.Statuses), fmt.Sprintf("statuses seen: %v", seen))
	}
	return nil
}

// matchSubset checks if actual contains all expected fields (subset match).
// Nested objects match recursively; other values must be deeply equal.
func matchSubset(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	actualMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for key, expectedVal := range expected {
		actualVal, exists := actualMap[key]
		if !exists {
			return false
		}
		if nested, ok := expectedVal.(map[string]any); ok {
			if !matchSubset(actualVal, nested) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(actualVal, expectedVal) {
			return false
		}
	}
	// Extra keys in actual are OK (subset match)
	return true
}

// render encodes v as canonical JSON for failure messages.
func render(v any) string {
	s, err := doc.Encode(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}
