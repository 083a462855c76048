package model

import (
	"time"
)

// Outcome classifies how an execution ended. Crashed means the platform
// lost the worker process mid-flight; Failed means the workflow code
// itself returned or raised an error.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCrashed   Outcome = "crashed"
	OutcomeCanceled  Outcome = "canceled"
)

// Terminal reports whether the outcome represents a finished execution.
// All outcomes are terminal today; the method exists so callers don't
// hard-code the set.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeCrashed, OutcomeCanceled:
		return true
	}
	return false
}

// Execution is a single workflow invocation request.
type Execution struct {
	ID          string    `json:"id"`
	PoolID      string    `json:"pool_id"`
	EntryModule string    `json:"entry_module"`
	EntryFunc   string    `json:"entry_func"`
	Payload     []byte    `json:"payload,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ExecutionResult is reported by a worker (or synthesized by the pool on a
// crash) when an execution reaches a terminal state.
type ExecutionResult struct {
	ExecutionID string     `json:"execution_id"`
	ProcessID   string     `json:"process_id"`
	Outcome     Outcome    `json:"outcome"`
	Result      []byte     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
