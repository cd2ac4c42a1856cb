// Package history rebuilds the iteration history handed to the decision
// engine.
//
// The runner appends Entry values while a loop executes; Load rebuilds the
// same values from stored rows after a restart. Both paths normalize through
// the doc package, so a decision engine cannot tell a resumed loop from one
// that ran without interruption.
package history

import (
	"context"
	"fmt"

	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
)

// Reader is the subset of the store Load needs.
type Reader interface {
	ListIterations(ctx context.Context, loopID int64) ([]model.Iteration, error)
	ActionsForLoop(ctx context.Context, loopID int64) ([]model.Action, error)
	PromptsForLoop(ctx context.Context, loopID int64) ([]model.Prompt, error)
}

// Load returns the committed history of a loop ordered by iteration number.
// When incrementID is set, only iterations of that increment are returned.
// A loop with no iterations yields an empty, non-nil slice.
func Load(ctx context.Context, r Reader, loopID int64, incrementID *int64) ([]model.HistoryEntry, error) {
	iterations, err := r.ListIterations(ctx, loopID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	actions, err := r.ActionsForLoop(ctx, loopID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	prompts, err := r.PromptsForLoop(ctx, loopID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	byIteration := make(map[int64][]model.Action)
	for _, a := range actions {
		byIteration[a.IterationID] = append(byIteration[a.IterationID], a)
	}
	asked := make(map[int64]string)
	for _, p := range prompts {
		if p.IterationID != nil {
			asked[*p.IterationID] = p.Question
		}
	}

	entries := []model.HistoryEntry{}
	for _, it := range iterations {
		if incrementID != nil && (it.IncrementID == nil || *it.IncrementID != *incrementID) {
			continue
		}
		entry := model.HistoryEntry{
			Iteration:             it.N,
			Reasoning:             it.Reasoning,
			Converged:             it.Converged != nil && *it.Converged,
			Asked:                 asked[it.ID],
			Actions:               []model.ActionSpec{},
			Results:               []model.ActionResult{},
			ObservationsRequested: it.ObservationsRequested,
		}
		for _, a := range byIteration[it.ID] {
			entry.Actions = append(entry.Actions, model.ActionSpec{
				Module: a.Module,
				Host:   a.Host,
				Params: a.Params,
			})
			entry.Results = append(entry.Results, storedResult(a))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func storedResult(a model.Action) model.ActionResult {
	return model.ActionResult{
		RC:      a.RC,
		Stdout:  a.Stdout,
		Stderr:  a.Stderr,
		Changed: a.Changed != nil && *a.Changed,
		Failed:  a.Status == model.ActionFailed,
		Error:   a.Error,
	}
}

// Entry builds the history entry for a decision about to be committed as
// iteration n. Results must hold one result per action for an execute
// decision and be empty otherwise.
//
// The entry is also the source of what gets stored: the runner commits the
// entry's actions and results, never the raw decision.
func Entry(n int, d model.Decision, results []model.ActionResult) (model.HistoryEntry, error) {
	entry := model.HistoryEntry{
		Iteration: n,
		Reasoning: d.Reasoning,
		Actions:   []model.ActionSpec{},
		Results:   []model.ActionResult{},
	}

	switch d.Kind() {
	case model.DecisionConverged:
		entry.Converged = true
	case model.DecisionAsk:
		entry.Asked = d.Ask.Question
	case model.DecisionNoop:
		entry.ObservationsRequested = len(d.Observe)
	case model.DecisionExecute:
		entry.ObservationsRequested = len(d.Observe)
		if len(results) != len(d.Actions) {
			return model.HistoryEntry{}, fmt.Errorf("history entry %d: %d actions but %d results", n, len(d.Actions), len(results))
		}
		for i, a := range d.Actions {
			params, err := doc.NormalizeObject(a.Params)
			if err != nil {
				return model.HistoryEntry{}, fmt.Errorf("history entry %d: action %d params: %w", n, i, err)
			}
			entry.Actions = append(entry.Actions, model.ActionSpec{Module: a.Module, Host: a.Host, Params: params})
			entry.Results = append(entry.Results, normalizeResult(results[i]))
		}
	}
	return entry, nil
}

// normalizeResult folds every failure signal into Failed, which is what the
// stored action status preserves.
func normalizeResult(r model.ActionResult) model.ActionResult {
	out := model.ActionResult{
		Stdout:  r.Stdout,
		Stderr:  r.Stderr,
		Changed: r.Changed,
		Failed:  r.IsFailure(),
		Error:   r.Error,
	}
	if r.RC != nil {
		rc := *r.RC
		out.RC = &rc
	}
	return out
}

// Marshal renders history as the canonical JSON document handed to
// decision engines.
func Marshal(entries []model.HistoryEntry) ([]byte, error) {
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	data, err := doc.MarshalCanonical(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	return data, nil
}
