package domain

import "fmt"

// GateDeniedError is returned when a caller turns a block decision into an error.
type GateDeniedError struct {
	Gate   string
	Reason string
}

func (e *GateDeniedError) Error() string {
	return fmt.Sprintf("blocked by %s gate: %s", e.Gate, e.Reason)
}

// MalformedOutputError reports an agent document that could not be accepted.
type MalformedOutputError struct {
	Attempt int
	Detail  string
}

func (e *MalformedOutputError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("malformed agent output (attempt %d): %s", e.Attempt, e.Detail)
	}
	return "malformed agent output: " + e.Detail
}

// InvalidGraphError rejects a task graph at construction time.
type InvalidGraphError struct {
	TaskID string
	Reason string
}

func (e *InvalidGraphError) Error() string {
	if e.TaskID == "" {
		return "invalid task graph: " + e.Reason
	}
	return fmt.Sprintf("invalid task graph: task %s: %s", e.TaskID, e.Reason)
}

// TransientStoreError means the store stayed busy past the retry bound.
type TransientStoreError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store unavailable during %s after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// InvariantError is a request that would break a workflow invariant.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string { return "invariant violation: " + e.Reason }

// HITLRequiredError is returned while an escalation waits for a human.
type HITLRequiredError struct {
	Reason string
}

func (e *HITLRequiredError) Error() string {
	return "human intervention required: " + e.Reason
}
