package models

import (
	"fmt"
	"strings"
)

// Error is a definitive outcome of a single attempted operation. The core
// never retries these; they propagate to the caller unmodified and are
// matched with errors.Is against the sentinels below.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrWorkflowNotFound       = &Error{Code: "WORKFLOW_NOT_FOUND", Message: "workflow definition not found"}
	ErrNoStepsConfigured      = &Error{Code: "NO_STEPS_CONFIGURED", Message: "workflow definition has no steps"}
	ErrRequestNotFound        = &Error{Code: "REQUEST_NOT_FOUND", Message: "request not found"}
	ErrRequestNotPending      = &Error{Code: "REQUEST_NOT_PENDING", Message: "request is no longer pending"}
	ErrNoActiveStep           = &Error{Code: "NO_ACTIVE_STEP", Message: "request has no active step"}
	ErrInvalidAction          = &Error{Code: "INVALID_ACTION", Message: "action is not allowed on the current step"}
	ErrInsufficientRole       = &Error{Code: "INSUFFICIENT_ROLE", Message: "actor role does not match the expected approver"}
	ErrMissingComment         = &Error{Code: "MISSING_COMMENT", Message: "a comment is required for this action"}
	ErrConcurrentModification = &Error{Code: "CONCURRENT_MODIFICATION", Message: "request was modified by a concurrent transition"}
	ErrCancelNotAllowed       = &Error{Code: "CANCEL_NOT_ALLOWED", Message: "request cannot be cancelled"}
	ErrUserNotFound           = &Error{Code: "USER_NOT_FOUND", Message: "user not found"}
)

// ValidationError aggregates every structural violation found in a workflow
// definition, not just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow definition: %s", strings.Join(e.Violations, "; "))
}
