// Package errors provides standardized error handling for the application workflow engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents a stable, machine-readable error kind.
type ErrorCode string

// Workflow errors
const (
	ErrCodeApplicationNotFound  ErrorCode = "APPLICATION_NOT_FOUND"
	ErrCodeAuthorizationDenied  ErrorCode = "AUTHORIZATION_DENIED"
	ErrCodePreconditionFailed   ErrorCode = "PRECONDITION_FAILED"
	ErrCodeIllegalTransition    ErrorCode = "ILLEGAL_TRANSITION"
	ErrCodeConcurrencyConflict  ErrorCode = "CONCURRENCY_CONFLICT"
	ErrCodeTransitionTimeout    ErrorCode = "TRANSITION_TIMEOUT"
	ErrCodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrCodeDuplicateApplication ErrorCode = "DUPLICATE_APPLICATION"

	ErrCodePersistenceFailed          ErrorCode = "PERSISTENCE_FAILED"
	ErrCodeNotificationDispatchFailed ErrorCode = "NOTIFICATION_DISPATCH_FAILED"
	ErrCodeRoleLookupFailed           ErrorCode = "ROLE_LOOKUP_FAILED"
	ErrCodeInvalidPolicy              ErrorCode = "INVALID_POLICY"
)

// StandardError represents a structured workflow error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// Is matches any *StandardError with the same code, so callers can write
// errors.Is(err, &StandardError{Code: ErrCodeConcurrencyConflict}).
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotFoundError reports a missing application.
func NewNotFoundError(applicationID string) *StandardError {
	e := newError(ErrCodeApplicationNotFound, "Application not found", fmt.Sprintf("applicationId: %s", applicationID), false)
	e.Metadata = map[string]interface{}{"applicationId": applicationID}
	return e
}

// NewAuthorizationError reports that none of the actor's roles may perform the transition.
func NewAuthorizationError(actorID string, allowed []string, details string) *StandardError {
	e := newError(ErrCodeAuthorizationDenied, "Actor is not allowed to perform this transition", details, false)
	e.Metadata = map[string]interface{}{
		"actorId":      actorID,
		"allowedRoles": allowed,
	}
	return e
}

// NewPreconditionError lists every unmet completeness requirement of the target state.
func NewPreconditionError(target string, missing []string) *StandardError {
	e := newError(ErrCodePreconditionFailed, "Transition preconditions not met", strings.Join(missing, "; "), false)
	e.Metadata = map[string]interface{}{
		"targetState": target,
		"missing":     missing,
	}
	return e
}

// NewIllegalTransitionError reports an edge that is absent from the transition graph.
func NewIllegalTransitionError(from, to string) *StandardError {
	e := newError(ErrCodeIllegalTransition, "Transition is not allowed by the workflow graph", fmt.Sprintf("%s -> %s", from, to), false)
	e.Metadata = map[string]interface{}{"fromState": from, "toState": to}
	return e
}

// NewConcurrencyConflictError reports an optimistic lock mismatch.
func NewConcurrencyConflictError(applicationID string, expectedVersion int64) *StandardError {
	e := newError(ErrCodeConcurrencyConflict, "Application was modified concurrently",
		fmt.Sprintf("applicationId: %s, expectedVersion: %d", applicationID, expectedVersion), true)
	e.Metadata = map[string]interface{}{"applicationId": applicationID, "expectedVersion": expectedVersion}
	return e
}

// NewPersistenceError wraps a failed commit. Nothing from the transition was written.
func NewPersistenceError(op string, err error) *StandardError {
	e := newError(ErrCodePersistenceFailed, "Persistence commit failed", fmt.Sprintf("op: %s, error: %v", op, err), true)
	e.cause = err
	return e
}

// NewNotificationDispatchError is logged by the dispatcher and never returned to callers of a transition.
func NewNotificationDispatchError(recipient string, err error) *StandardError {
	e := newError(ErrCodeNotificationDispatchFailed, "Notification delivery failed", fmt.Sprintf("recipient: %s, error: %v", recipient, err), true)
	e.cause = err
	return e
}

// NewTimeoutError reports that validation and persistence did not finish within the bound.
func NewTimeoutError(applicationID string, timeout time.Duration) *StandardError {
	return newError(ErrCodeTransitionTimeout, "Transition timed out",
		fmt.Sprintf("applicationId: %s, timeout: %s", applicationID, timeout), false)
}

// NewInvalidRequestError reports malformed input.
func NewInvalidRequestError(details string) *StandardError {
	return newError(ErrCodeInvalidRequest, "Invalid transition request", details, false)
}

// NewDuplicateApplicationError reports an application number that is already taken.
func NewDuplicateApplicationError(applicationNumber string) *StandardError {
	e := newError(ErrCodeDuplicateApplication, "Application number already exists", fmt.Sprintf("applicationNumber: %s", applicationNumber), false)
	e.Metadata = map[string]interface{}{"applicationNumber": applicationNumber}
	return e
}

// NewRoleLookupError wraps a failed RoleProvider call.
func NewRoleLookupError(actorID string, err error) *StandardError {
	e := newError(ErrCodeRoleLookupFailed, "Could not resolve actor roles", fmt.Sprintf("actorId: %s, error: %v", actorID, err), true)
	e.cause = err
	return e
}

// NewInvalidPolicyError reports a policy table that does not cover every state.
func NewInvalidPolicyError(problems []string) *StandardError {
	sorted := append([]string(nil), problems...)
	sort.Strings(sorted)
	e := newError(ErrCodeInvalidPolicy, "Workflow policy is incomplete", strings.Join(sorted, "; "), false)
	e.Metadata = map[string]interface{}{"problems": sorted}
	return e
}

// ==========================
// 4. Error Conversion to BPMN
// ==========================

// GetRetryCount returns the recommended retry count for an error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodePersistenceFailed,
		ErrCodeNotificationDispatchFailed,
		ErrCodeRoleLookupFailed:
		return 3

	case ErrCodeConcurrencyConflict:
		return 1 // refetch and retry once

	default:
		return 0 // business errors and timeouts are surfaced, not retried
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	vars := map[string]interface{}{
		"originalErrorCode": string(stdErr.Code),
		"errorCategory":     GetErrorCategory(stdErr.Code),
		"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
	}
	if missing, ok := stdErr.Metadata["missing"]; ok {
		vars["missing"] = missing
	}

	return &BPMNError{
		Code:           string(stdErr.Code),
		Message:        stdErr.Message,
		Details:        stdErr.Details,
		Retryable:      stdErr.Retryable,
		Retries:        retries,
		ErrorVariables: vars,
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// AsStandardError unwraps err into a *StandardError. Unknown errors become INTERNAL_ERROR.
func AsStandardError(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	e := newError("INTERNAL_ERROR", "Unexpected error", err.Error(), false)
	e.cause = err
	return e
}

// IsCode reports whether err (or anything it wraps) is a StandardError with code.
func IsCode(err error, code ErrorCode) bool {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Code == code
	}
	return false
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeAuthorizationDenied, ErrCodeRoleLookupFailed:
		return "AUTHORIZATION"
	case ErrCodePreconditionFailed, ErrCodeIllegalTransition, ErrCodeInvalidRequest, ErrCodeDuplicateApplication:
		return "VALIDATION"
	case ErrCodeConcurrencyConflict, ErrCodePersistenceFailed, ErrCodeTransitionTimeout:
		return "PERSISTENCE"
	case ErrCodeNotificationDispatchFailed:
		return "NOTIFICATION"
	case ErrCodeApplicationNotFound:
		return "NOT_FOUND"
	default:
		return "OTHER"
	}
}
