package models

import (
	"fmt"
	"time"
)

// InsufficientDataError is returned when a snapshot or prediction is missing
// a field the recommendation engine needs. The evaluation for that cycle is
// aborted; no decision is created.
type InsufficientDataError struct {
	Fields []string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: missing fields %v", e.Fields)
}

// ActuationError is returned when the external control interface is
// unreachable or rejects a write. The decision transitions to
// EXECUTION_FAILED and is never retried automatically.
type ActuationError struct {
	ControlPoint string
	Err          error
}

func (e *ActuationError) Error() string {
	return fmt.Sprintf("actuation failed for %s: %v", e.ControlPoint, e.Err)
}

func (e *ActuationError) Unwrap() error { return e.Err }

// ApprovalTimeoutError marks a semi-autonomous decision that received no
// operator verdict within the configured timeout.
type ApprovalTimeoutError struct {
	DecisionID string
	Timeout    time.Duration
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("decision %s: no approval verdict within %s", e.DecisionID, e.Timeout)
}

// ConcurrentControlPointError marks an attempt to propose a second active
// decision on a control point. The new recommendation is discarded, not
// surfaced as a hard failure.
type ConcurrentControlPointError struct {
	ControlPoint     string
	ActiveDecisionID string
}

func (e *ConcurrentControlPointError) Error() string {
	return fmt.Sprintf("control point %s already owned by active decision %s",
		e.ControlPoint, e.ActiveDecisionID)
}
