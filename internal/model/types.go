package model

import (
	"time"

	"github.com/roach88/loopd/internal/doc"
)

// Loop represents a reconciliation job.
type Loop struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Status        LoopStatus    `json:"status"`
	Mode          LoopMode      `json:"mode"`
	DesiredState  string        `json:"desired_state"`
	Inventory     string        `json:"inventory,omitempty"`
	Groups        []string      `json:"groups,omitempty"`
	Interval      time.Duration `json:"interval,omitempty"` // Delay between continuous passes
	MaxIterations int           `json:"max_iterations"`     // Iteration budget per pass

	// Lease marks the worker actively driving a running loop.
	// A running loop with no live lease is orphaned or parked.
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Increment represents one staged slice of a loop's desired state.
type Increment struct {
	ID           int64           `json:"id"`
	LoopID       int64           `json:"loop_id"`
	N            int             `json:"n"`
	DesiredState string          `json:"desired_state"`
	Status       IncrementStatus `json:"status"`
	IsFix        bool            `json:"is_fix"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Iteration represents one committed observe-decide-execute cycle.
type Iteration struct {
	ID                    int64      `json:"id"`
	LoopID                int64      `json:"loop_id"`
	IncrementID           *int64     `json:"increment_id,omitempty"`
	N                     int        `json:"n"`
	Converged             *bool      `json:"converged"` // NULL when unknown
	Reasoning             string     `json:"reasoning"`
	Observations          doc.Object `json:"observations,omitempty"`
	ObservationsRequested int        `json:"observations_requested"`
	CreatedAt             time.Time  `json:"created_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

// Action represents one executed operation within an iteration.
type Action struct {
	ID          int64        `json:"id"`
	IterationID int64        `json:"iteration_id"`
	Host        string       `json:"host,omitempty"`
	Module      string       `json:"module"`
	Params      doc.Object   `json:"params,omitempty"`
	Status      ActionStatus `json:"status"`
	RC          *int         `json:"rc,omitempty"`
	Stdout      string       `json:"stdout,omitempty"`
	Stderr      string       `json:"stderr,omitempty"`
	Changed     *bool        `json:"changed,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Prompt represents a human-input request.
type Prompt struct {
	ID          int64        `json:"id"`
	LoopID      int64        `json:"loop_id"`
	IterationID *int64       `json:"iteration_id,omitempty"`
	Question    string       `json:"question"`
	Options     []string     `json:"options,omitempty"`
	Response    *string      `json:"response,omitempty"`
	Status      PromptStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	AnsweredAt  *time.Time   `json:"answered_at,omitempty"`
}

// Host represents an inventory entry owned by a loop.
type Host struct {
	ID        int64      `json:"id"`
	LoopID    int64      `json:"loop_id"`
	Hostname  string     `json:"hostname"`
	Address   string     `json:"address,omitempty"`
	User      string     `json:"user,omitempty"`
	Port      int        `json:"port,omitempty"`
	Groups    []string   `json:"groups,omitempty"`
	Facts     doc.Object `json:"facts,omitempty"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Resource represents named structured state attached to a loop.
type Resource struct {
	ID        int64      `json:"id"`
	LoopID    int64      `json:"loop_id"`
	Name      string     `json:"name"`
	Data      doc.Object `json:"data,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// RuleResult is the stored audit record of one rule evaluation.
type RuleResult struct {
	ID          int64     `json:"id"`
	IterationID int64     `json:"iteration_id"`
	RuleName    string    `json:"rule_name"`
	Condition   string    `json:"condition,omitempty"`
	Matched     bool      `json:"matched"`
	Approved    *bool     `json:"approved,omitempty"`
	Reasoning   string    `json:"reasoning,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Rule is a policy rule handed to the decision engine.
type Rule struct {
	Name        string `json:"name" yaml:"name"`
	Condition   string `json:"condition,omitempty" yaml:"condition"`
	Action      string `json:"action,omitempty" yaml:"action"`
	Description string `json:"description,omitempty" yaml:"description"`
}
