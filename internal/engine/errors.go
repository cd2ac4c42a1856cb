package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error that stopped an iteration before or
// during its commit.
//
// Runtime errors include:
//   - External call failed: observe, decide or execute returned an error
//   - Invalid decision: the decision engine returned an unusable document
//   - Storage failed: the iteration could not be committed
//
// RuntimeError includes structured fields for diagnostics and recovery.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// LoopID identifies the affected loop.
	LoopID int64

	// Iteration is the iteration number that was being run.
	Iteration int

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeExternal indicates a collaborator call failed. The iteration is
	// aborted without a commit and the loop is failed.
	ErrCodeExternal RuntimeErrorCode = "EXTERNAL_CALL_FAILED"

	// ErrCodeInvalidDecision indicates the decision document failed
	// validation. Handled like an external failure.
	ErrCodeInvalidDecision RuntimeErrorCode = "INVALID_DECISION"

	// ErrCodeStorage indicates the commit failed. The loop stays running
	// and resumes from its last checkpoint.
	ErrCodeStorage RuntimeErrorCode = "STORAGE_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s (loop=%d, iteration=%d)", e.Code, e.Message, e.LoopID, e.Iteration)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsExternalError returns true if a collaborator call failed.
// Uses errors.As to handle wrapped errors.
func IsExternalError(err error) bool {
	return hasCode(err, ErrCodeExternal)
}

// IsInvalidDecision returns true if the decision document was rejected.
func IsInvalidDecision(err error) bool {
	return hasCode(err, ErrCodeInvalidDecision)
}

// IsStorageError returns true if the iteration commit failed.
func IsStorageError(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

// NewExternalError creates a RuntimeError for a failed collaborator call.
func NewExternalError(loopID int64, n int, call string, err error) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeExternal,
		Message:   call + " failed",
		LoopID:    loopID,
		Iteration: n,
		Err:       err,
	}
}

// NewInvalidDecisionError creates a RuntimeError for a rejected decision.
func NewInvalidDecisionError(loopID int64, n int, err error) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeInvalidDecision,
		Message:   "decision rejected",
		LoopID:    loopID,
		Iteration: n,
		Err:       err,
	}
}

// NewStorageError creates a RuntimeError for a failed commit.
func NewStorageError(loopID int64, n int, err error) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeStorage,
		Message:   "commit failed",
		LoopID:    loopID,
		Iteration: n,
		Err:       err,
	}
}
