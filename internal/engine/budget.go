package engine

import "fmt"

// Budget tracks the iterations a pass has used against its limit.
//
// A pass is the whole loop in single mode and one increment otherwise.
// Iterations committed before a restart count: a resumed pass starts from
// the length of its reconstructed history, so a restart never grants extra
// iterations.
//
// The budget guarantees termination even when the decision engine keeps
// returning no-op decisions.
type Budget struct {
	limit int
	used  int
}

// NewBudget creates a budget with limit iterations, used of which are
// already committed.
func NewBudget(limit, used int) *Budget {
	return &Budget{limit: limit, used: used}
}

// Check reports whether another iteration may start.
//
// Returns BudgetExhaustedError when the limit is reached.
func (b *Budget) Check(loopID int64) error {
	if b.used >= b.limit {
		return &BudgetExhaustedError{LoopID: loopID, Used: b.used, Limit: b.limit}
	}
	return nil
}

// Spend records one committed iteration.
func (b *Budget) Spend() {
	b.used++
}

// Used returns the number of iterations counted so far.
func (b *Budget) Used() int {
	return b.used
}

// Limit returns the iteration limit.
func (b *Budget) Limit() int {
	return b.limit
}

// BudgetExhaustedError is returned when a pass used its whole iteration
// budget without converging. The pass, and with it the loop, fails.
type BudgetExhaustedError struct {
	LoopID int64
	Used   int
	Limit  int
}

// Error implements the error interface.
func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("loop %d did not converge within %d iterations (used %d)", e.LoopID, e.Limit, e.Used)
}
