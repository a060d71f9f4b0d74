// Package taskerrors defines the orchestrator error taxonomy and its mapping
// onto Temporal retry semantics. ValidationError, PermissionError and
// IntegrityError never retry; DependencyError, TimeoutError and
// ResourceExhausted retry under the activity retry policy.
package taskerrors

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
)

// Error type strings used for Temporal application-error classification.
const (
	TypeValidation        = "ValidationError"
	TypePermission        = "PermissionError"
	TypeDependency        = "DependencyError"
	TypeTimeout           = "TimeoutError"
	TypeResourceExhausted = "ResourceExhausted"
	TypeIntegrity         = "IntegrityError"
	TypeCancelled         = "Cancelled"
)

// TaskError carries structured context for a failed activity or task.
type TaskError struct {
	Type    string
	TaskID  int
	Attempt int
	Msg     string
	Cause   error
}

func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (task=%d attempt=%d): %v", e.Type, e.Msg, e.TaskID, e.Attempt, e.Cause)
	}
	return fmt.Sprintf("%s: %s (task=%d attempt=%d)", e.Type, e.Msg, e.TaskID, e.Attempt)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// Validation builds a non-retryable bad-input error.
func Validation(msg string, args ...interface{}) error {
	return temporal.NewNonRetryableApplicationError(fmt.Sprintf(msg, args...), TypeValidation, nil)
}

// Permission builds a non-retryable authorization error.
func Permission(msg string, args ...interface{}) error {
	return temporal.NewNonRetryableApplicationError(fmt.Sprintf(msg, args...), TypePermission, nil)
}

// Integrity builds a non-retryable invariant-violation error. The workflow
// treats this class as fatal.
func Integrity(msg string, args ...interface{}) error {
	return temporal.NewNonRetryableApplicationError(fmt.Sprintf(msg, args...), TypeIntegrity, nil)
}

// Dependency wraps an external-service failure; retried with backoff.
func Dependency(cause error, msg string, args ...interface{}) error {
	return temporal.NewApplicationErrorWithCause(fmt.Sprintf(msg, args...), TypeDependency, cause)
}

// Timeout wraps a budget overrun; retried until max attempts.
func Timeout(cause error, msg string, args ...interface{}) error {
	return temporal.NewApplicationErrorWithCause(fmt.Sprintf(msg, args...), TypeTimeout, cause)
}

// Exhausted signals admission-control pressure (full sandbox queue, etc.).
func Exhausted(msg string, args ...interface{}) error {
	return temporal.NewApplicationError(fmt.Sprintf(msg, args...), TypeResourceExhausted)
}

// Annotate wraps an execution error with task identity so workflow histories
// and logs show which task and attempt failed. The taxonomy type and
// retryability of the underlying application error are preserved; errors
// outside the taxonomy are classified as dependency failures.
func Annotate(err error, taskID, attempt int) error {
	if err == nil {
		return nil
	}
	errType := TypeDependency
	nonRetryable := false
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		errType = appErr.Type()
		nonRetryable = appErr.NonRetryable()
	}
	te := &TaskError{
		Type:    errType,
		TaskID:  taskID,
		Attempt: attempt,
		Msg:     "task execution failed",
		Cause:   err,
	}
	if nonRetryable {
		return temporal.NewNonRetryableApplicationError(te.Error(), errType, err)
	}
	return temporal.NewApplicationErrorWithCause(te.Error(), errType, err)
}

// IsType reports whether err is an application error of the given taxonomy
// type, unwrapping as needed.
func IsType(err error, errType string) bool {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type() == errType
	}
	return false
}

// Fatal reports whether err must abort the workflow rather than yield a
// failed task result.
func Fatal(err error) bool {
	return IsType(err, TypeIntegrity)
}

// NonRetryableTypes lists the taxonomy types excluded from activity retries.
func NonRetryableTypes() []string {
	return []string{TypeValidation, TypePermission, TypeIntegrity, TypeCancelled}
}
