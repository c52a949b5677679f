package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// LogOutcome classifies an execution log entry.
type LogOutcome string

// Possible outcomes.
const (
	LogOutcomeSuccess LogOutcome = "success"
	LogOutcomeError   LogOutcome = "error"
	LogOutcomeWarning LogOutcome = "warning"
)

// Well-known step names. Steps are free-form; these are the ones the
// executor and housekeeping handlers write.
const (
	StepStart      = "start"
	StepAccount    = "account"
	StepNavigation = "navigation"
	StepBlockCheck = "block_check"
	StepComment    = "comment"
	StepCompletion = "completion"
	StepError      = "error"
	StepReconcile  = "reconcile"
)

// ErrEmptyLogStep is returned for an entry without a step name.
var ErrEmptyLogStep = errors.New("log step cannot be empty")

// ExecutionLogEntry is an immutable audit record of one execution step.
type ExecutionLogEntry struct {
	ID        int64          `json:"id"`
	TaskID    uuid.UUID      `json:"task_id"`
	Step      string         `json:"step"`
	Outcome   LogOutcome     `json:"outcome"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Validate checks the entry before it is appended.
func (e *ExecutionLogEntry) Validate() error {
	if e.TaskID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if e.Step == "" {
		return ErrEmptyLogStep
	}
	switch e.Outcome {
	case LogOutcomeSuccess, LogOutcomeError, LogOutcomeWarning:
		return nil
	default:
		return ErrValidation
	}
}
