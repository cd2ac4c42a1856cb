package model

import "github.com/roach88/loopd/internal/doc"

// Decision is the document returned by the decision engine for one iteration.
//
// Several members are optional and may co-occur on the wire. Kind resolves
// them into exactly one branch with a fixed precedence:
// converged > ask > execute > noop.
type Decision struct {
	Converged   bool             `json:"converged"`
	Reasoning   string           `json:"reasoning"`
	Ask         *Ask             `json:"ask,omitempty"`
	Actions     []ActionSpec     `json:"actions,omitempty"`
	Observe     []any            `json:"observe,omitempty"` // Extra probes for the next observation
	StateOps    []StateOp        `json:"state_ops,omitempty"`
	RuleResults []RuleEvaluation `json:"rule_results,omitempty"`
}

// DecisionKind is the branch a decision selects.
type DecisionKind int

const (
	DecisionConverged DecisionKind = iota + 1
	DecisionAsk
	DecisionExecute
	DecisionNoop
)

// String implements fmt.Stringer.
func (k DecisionKind) String() string {
	switch k {
	case DecisionConverged:
		return "converged"
	case DecisionAsk:
		return "ask"
	case DecisionExecute:
		return "execute"
	case DecisionNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Kind returns the branch this decision selects.
func (d Decision) Kind() DecisionKind {
	switch {
	case d.Converged:
		return DecisionConverged
	case d.Ask != nil && d.Ask.Question != "":
		return DecisionAsk
	case len(d.Actions) > 0:
		return DecisionExecute
	default:
		return DecisionNoop
	}
}

// Ask is a question the decision engine wants a human to answer.
type Ask struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// ActionSpec is one operation requested by the decision engine.
type ActionSpec struct {
	Module string     `json:"module"`
	Host   string     `json:"host,omitempty"`
	Params doc.Object `json:"params,omitempty"`
}

// ActionResult is what the executor reports for one action.
type ActionResult struct {
	RC      *int   `json:"rc"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Changed bool   `json:"changed"`
	Failed  bool   `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// IsFailure reports whether the result counts as a failed action:
// an explicit failure flag, an error message, or a non-zero return code.
func (r ActionResult) IsFailure() bool {
	return r.Failed || r.Error != "" || (r.RC != nil && *r.RC != 0)
}

// Status maps the result onto the stored action status.
func (r ActionResult) Status() ActionStatus {
	if r.IsFailure() {
		return ActionFailed
	}
	return ActionCompleted
}

// StateOpKind names a declarative-state mutation.
type StateOpKind string

const (
	StateOpAddResource StateOpKind = "add_resource"
	StateOpAddHost     StateOpKind = "add_host"
	StateOpRemove      StateOpKind = "remove"
)

// StateOp is one declarative-state mutation requested by a decision.
type StateOp struct {
	Op   StateOpKind `json:"op"`
	Name string      `json:"name"`
	Data doc.Object  `json:"data,omitempty"` // add_resource payload
	Host HostAttrs   `json:"host"`           // add_host attributes
}

// HostAttrs are the connection attributes of an added host.
type HostAttrs struct {
	Address string   `json:"address,omitempty"`
	User    string   `json:"user,omitempty"`
	Port    int      `json:"port,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// RuleEvaluation is a rule outcome reported alongside a decision.
type RuleEvaluation struct {
	Rule      string `json:"rule"`
	Condition string `json:"condition,omitempty"`
	Matched   bool   `json:"matched"`
	Approved  *bool  `json:"approved,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// DecideRequest is the input handed to the decision engine for one iteration.
type DecideRequest struct {
	LoopID        int64          `json:"loop_id"`
	Observed      doc.Object     `json:"observed"`
	DesiredState  string         `json:"desired_state"`
	Rules         []Rule         `json:"rules"`
	History       []HistoryEntry `json:"history"`
	Iteration     int            `json:"iteration"`      // Index within the current pass
	MaxIterations int            `json:"max_iterations"` // Budget for the current pass
	Inventory     string         `json:"inventory,omitempty"`
	Groups        []string       `json:"groups,omitempty"`
}

// ExecContext scopes the observer and executor to one loop: the inventory
// and host groups it was submitted with, plus the hostnames recorded in its
// declarative state.
type ExecContext struct {
	LoopID    int64    `json:"loop_id"`
	Inventory string   `json:"inventory,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	Hosts     []string `json:"hosts,omitempty"`
}
