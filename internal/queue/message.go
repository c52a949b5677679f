// Package queue is the distributed dispatch layer: an at-least-once message
// queue with named lanes, priorities and per-message retry policies, plus
// the dispatcher that runs lane handlers under per-attempt time limits.
package queue

import (
	"errors"
	"fmt"
	"time"
)

// Lane names.
const (
	LaneAutomation = "automation"
	LaneSetup      = "setup"
	LaneCleanup    = "cleanup"
)

// Priority bounds. Higher values are reserved first.
const (
	MinPriority     = 0
	MaxPriority     = 9
	DefaultPriority = 5
)

var (
	ErrEmptySubject   = errors.New("message task_id cannot be empty")
	ErrEmptyLane      = errors.New("message lane cannot be empty")
	ErrInvalidPolicy  = errors.New("invalid retry policy")
	ErrUnknownHandle  = errors.New("unknown dispatch handle")
	ErrHardTimeLimit  = errors.New("hard time limit exceeded")
	ErrHandlerPanic   = errors.New("handler panicked")
	ErrNoHandler      = errors.New("no handler registered for lane")
	ErrDispatcherBusy = errors.New("dispatcher already started")
)

// RetryPolicy controls re-dispatch of a failed attempt. Backoff values are
// in backoff units (seconds in production). The delay before retry n
// (1-based) is min(BackoffInitial + BackoffStep*n, BackoffCap).
type RetryPolicy struct {
	MaxRetries     int `json:"max_retries"`
	BackoffInitial int `json:"backoff_initial"`
	BackoffStep    int `json:"backoff_step"`
	BackoffCap     int `json:"backoff_cap"`
}

// DefaultRetryPolicy is three retries, 60 units apart, capped at 600.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffInitial: 0, BackoffStep: 60, BackoffCap: 600}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 || p.BackoffInitial < 0 || p.BackoffStep < 0 || p.BackoffCap < 0 {
		return fmt.Errorf("%w: values must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// Delay returns the wait before retry n (n >= 1), scaled by unit.
// A zero cap means uncapped.
func (p RetryPolicy) Delay(n int, unit time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	units := p.BackoffInitial + p.BackoffStep*n
	if p.BackoffCap > 0 && units > p.BackoffCap {
		units = p.BackoffCap
	}
	return time.Duration(units) * unit
}

// Message is the queue envelope. TaskID names the subject of the work: a
// task on the automation lane, an account on the setup lane, a sweep id on
// the cleanup lane.
type Message struct {
	TaskID      string      `json:"task_id"`
	Lane        string      `json:"lane"`
	Priority    int         `json:"priority"`
	RetryPolicy RetryPolicy `json:"retry_policy"`
}

// Validate checks the envelope.
func (m Message) Validate() error {
	if m.TaskID == "" {
		return ErrEmptySubject
	}
	if m.Lane == "" {
		return ErrEmptyLane
	}
	return m.RetryPolicy.Validate()
}

// ClampedPriority returns the priority bounded to [MinPriority, MaxPriority].
func (m Message) ClampedPriority() int {
	switch {
	case m.Priority < MinPriority:
		return MinPriority
	case m.Priority > MaxPriority:
		return MaxPriority
	default:
		return m.Priority
	}
}

// rank orders ready messages: lower ranks are reserved first. Priority
// dominates; within a priority, earlier messages go first.
func rank(priority int, at time.Time) float64 {
	return float64(MaxPriority-priority)*1e13 + float64(at.UnixMilli())
}

// Handle identifies one dispatch.
type Handle string

// Status is the lifecycle state of a dispatch.
type Status string

// Dispatch states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

// IsFinal reports whether the dispatch will not run again.
func (s Status) IsFinal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Progress is the last progress reported by the running handler.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Percent int `json:"percent"`
}

// NewProgress computes the percentage of current out of total.
func NewProgress(current, total int) Progress {
	p := Progress{Current: current, Total: total}
	if total > 0 {
		p.Percent = current * 100 / total
	}
	return p
}

// Record is the broker's view of one dispatch.
type Record struct {
	Handle     Handle    `json:"handle"`
	Message    Message   `json:"message"`
	State      Status    `json:"state"`
	Attempt    int       `json:"attempt"`
	LastError  string    `json:"last_error,omitempty"`
	Progress   *Progress `json:"progress,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
