package model

// LoopStatus is the lifecycle state of a loop.
type LoopStatus string

const (
	LoopPending   LoopStatus = "pending"
	LoopRunning   LoopStatus = "running"
	LoopPaused    LoopStatus = "paused"
	LoopCompleted LoopStatus = "completed"
	LoopFailed    LoopStatus = "failed"
)

// loopTransitions lists every legal status change.
// Terminal states have no outgoing edges.
var loopTransitions = map[LoopStatus][]LoopStatus{
	LoopPending: {LoopRunning},
	LoopRunning: {LoopCompleted, LoopFailed, LoopPaused},
	LoopPaused:  {LoopRunning},
}

// Valid reports whether s is a known loop status.
func (s LoopStatus) Valid() bool {
	switch s {
	case LoopPending, LoopRunning, LoopPaused, LoopCompleted, LoopFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s LoopStatus) Terminal() bool {
	return s == LoopCompleted || s == LoopFailed
}

// CanTransition reports whether a loop may move from one status to another.
func CanTransition(from, to LoopStatus) bool {
	for _, next := range loopTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LoopMode selects how a loop walks toward its desired state.
type LoopMode string

const (
	// ModeSingle runs one reconciliation pass against the full desired state.
	ModeSingle LoopMode = "single"
	// ModeIncremental drives the loop's increments in order.
	ModeIncremental LoopMode = "incremental"
	// ModeContinuous repeats the pass every Interval after each convergence.
	ModeContinuous LoopMode = "continuous"
)

// ValidModes lists the accepted modes in display order.
var ValidModes = []LoopMode{ModeSingle, ModeIncremental, ModeContinuous}

// ModeNames returns ValidModes as strings.
func ModeNames() []string {
	names := make([]string, len(ValidModes))
	for i, m := range ValidModes {
		names[i] = string(m)
	}
	return names
}

// Valid reports whether m is a known mode.
func (m LoopMode) Valid() bool {
	switch m {
	case ModeSingle, ModeIncremental, ModeContinuous:
		return true
	}
	return false
}

// IncrementStatus is the state of one increment.
type IncrementStatus string

const (
	IncrementPending   IncrementStatus = "pending"
	IncrementConverged IncrementStatus = "converged"
	IncrementFailed    IncrementStatus = "failed"
)

// ActionStatus is the outcome of one action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// PromptStatus is the state of a human-input request.
type PromptStatus string

const (
	PromptPending  PromptStatus = "pending"
	PromptAnswered PromptStatus = "answered"
)
