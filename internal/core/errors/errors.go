package errors

import (
	"errors"
	"fmt"
)

const (
	HttpInternalError       = "internal_error"
	HttpInvalidJsonError    = "invalid_json"
	HttpValidationError     = "validation_failed"
	HttpDuplicateEventError = "duplicate_event"
	HttpRunNotFoundError    = "run_not_found"
	HttpVerdictPendingError = "verdict_pending"
	HttpUnknownWorkerError  = "unknown_worker"
)

// ErrorResponse is the error response body for API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// ValidationError reports a malformed bead field. It is raised before any
// durable write; the offending field is always named.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a field-named validation error.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrDuplicateKey is the idempotency outcome: a bead with the same
// idempotency_key already exists. Not a failure; the caller uses it to
// distinguish "already done" from "failed".
var ErrDuplicateKey = errors.New("bead with this idempotency_key already exists")

// ErrDuplicateID is returned when a bead id was already appended. Unlike
// ErrDuplicateKey this is always a caller bug.
var ErrDuplicateID = errors.New("bead with this id already exists")

// ErrNotFound is returned when a bead id does not exist in the store.
var ErrNotFound = errors.New("bead not found")

// ErrBudgetExceeded signals that the pipeline's wall-clock budget elapsed.
// It is a pipeline-level outcome, not a failure of any individual task.
var ErrBudgetExceeded = errors.New("time budget exceeded")

// TaskFailure wraps one task's error. It is captured per task and never
// aborts sibling tasks.
type TaskFailure struct {
	TaskID string
	Err    error
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskFailure) Unwrap() error { return e.Err }

// Integrity problem codes reported by VerifyIntegrity. Integrity violations
// are detected only by a full scan, never by Append.
const (
	IntegrityDuplicateID   = "duplicate_id"
	IntegrityMissingParent = "missing_parent"
	IntegrityBadRecord     = "bad_record"
)

// IntegrityProblem describes one defect found by a full ledger scan.
type IntegrityProblem struct {
	Code   string `json:"code"`
	BeadID string `json:"bead_id,omitempty"`
	Line   int    `json:"line,omitempty"`
	Detail string `json:"detail"`
}

func (p IntegrityProblem) String() string {
	if p.BeadID != "" {
		return fmt.Sprintf("%s: bead %s: %s", p.Code, p.BeadID, p.Detail)
	}
	return fmt.Sprintf("%s: %s", p.Code, p.Detail)
}
