package harness

import "github.com/roach88/loopd/internal/model"

// TraceEvent records the state of one loop after a scenario step.
type TraceEvent struct {
	Step       int              `json:"step"` // 1-based step index
	Op         string           `json:"op"`   // "tick", "respond", "restart" or "advance"
	LoopID     int64            `json:"loop_id"`
	Status     model.LoopStatus `json:"status"`
	Iterations int              `json:"iterations"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall scenario success.
	// True if every assertion holds.
	Pass bool `json:"pass"`

	// Trace contains one event per loop per step, in step order.
	// Used by status_order assertions and golden comparison.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// History holds the committed history of each loop, keyed by loop ID.
	History map[int64][]model.HistoryEntry `json:"history"`

	// EngineCalls is the number of Decide calls made.
	EngineCalls int `json:"engine_calls"`
}

// NewResult creates a new passing result.
// Used as the starting point for scenario execution.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		History: make(map[int64][]model.HistoryEntry),
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a trace event.
func (r *Result) AddTrace(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}

// traceFor returns the events of one loop.
func (r *Result) traceFor(loopID int64) []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.LoopID == loopID {
			out = append(out, e)
		}
	}
	return out
}
