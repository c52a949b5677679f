package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of an automation task.
type TaskStatus string

// Possible task status values. These strings are persisted and read by
// the admin workflow and the operator-facing API.
const (
	TaskStatusPendingApproval TaskStatus = "pending_approval"
	TaskStatusApproved        TaskStatus = "approved"
	TaskStatusRejected        TaskStatus = "rejected"
	TaskStatusProcessing      TaskStatus = "processing"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
)

const (
	// CommentsPerTask is the exact number of comments every task carries.
	CommentsPerTask = 8

	// MaxPostTargets is the upper bound on post references per task.
	MaxPostTargets = 10
)

// Validation errors for AutomationTask.
var (
	ErrEmptyTaskID          = errors.New("task ID cannot be empty")
	ErrEmptyTaskOwner       = errors.New("task owner cannot be empty")
	ErrEmptyRegion          = errors.New("region code cannot be empty")
	ErrInvalidCommentCount  = fmt.Errorf("task must carry exactly %d comments", CommentsPerTask)
	ErrEmptyComment         = errors.New("comment text cannot be empty")
	ErrInvalidPostCount     = fmt.Errorf("task must target between 1 and %d posts", MaxPostTargets)
	ErrEmptyPostTarget      = errors.New("post reference cannot be empty")
	ErrInvalidTaskStatus    = errors.New("invalid task status")
	ErrInvalidTransition    = errors.New("invalid task status transition")
	ErrCommentsPostedBounds = errors.New("comments posted out of bounds")
)

// transitions is the complete status graph. Anything not listed is illegal,
// in particular nothing may re-enter pending_approval.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPendingApproval: {TaskStatusApproved, TaskStatusRejected},
	TaskStatusApproved:        {TaskStatusProcessing},
	TaskStatusProcessing:      {TaskStatusCompleted, TaskStatusFailed},
}

// IsValid reports whether s is one of the known statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPendingApproval, TaskStatusApproved, TaskStatusRejected,
		TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next follows the status graph.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Withdrawable reports whether an owner may still delete a task in status s.
func (s TaskStatus) Withdrawable() bool {
	return s == TaskStatusPendingApproval || s == TaskStatusApproved
}

// Task is one unit of automation work: a fixed batch of comments to be
// posted, in order, onto each of a list of posts.
type Task struct {
	ID             uuid.UUID  `json:"id"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	Region         string     `json:"region"`
	Comments       []string   `json:"comments"`
	PostTargets    []string   `json:"post_targets"`
	Status         TaskStatus `json:"status"`
	AdminNotes     string     `json:"admin_notes,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CommentsPosted int        `json:"comments_posted"`
	AccountID      *uuid.UUID `json:"account_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a task in pending_approval with a fresh identifier.
// The region code is normalized to upper case.
func NewTask(ownerID uuid.UUID, region string, comments, postTargets []string) (*Task, error) {
	t := &Task{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Region:      NormalizeRegion(region),
		Comments:    append([]string(nil), comments...),
		PostTargets: append([]string(nil), postTargets...),
		Status:      TaskStatusPendingApproval,
		CreatedAt:   time.Now().UTC(),
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return t, nil
}

// Validate checks the task's static invariants.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.OwnerID == uuid.Nil {
		return ErrEmptyTaskOwner
	}
	if t.Region == "" {
		return ErrEmptyRegion
	}
	if len(t.Comments) != CommentsPerTask {
		return ErrInvalidCommentCount
	}
	for _, c := range t.Comments {
		if strings.TrimSpace(c) == "" {
			return ErrEmptyComment
		}
	}
	if len(t.PostTargets) < 1 || len(t.PostTargets) > MaxPostTargets {
		return ErrInvalidPostCount
	}
	for _, p := range t.PostTargets {
		if strings.TrimSpace(p) == "" {
			return ErrEmptyPostTarget
		}
	}
	if !t.Status.IsValid() {
		return ErrInvalidTaskStatus
	}
	if t.CommentsPosted < 0 || t.CommentsPosted > t.TotalComments() {
		return ErrCommentsPostedBounds
	}
	return nil
}

// TotalComments is the number of comment postings a full run performs.
func (t *Task) TotalComments() int {
	return len(t.Comments) * len(t.PostTargets)
}

// TransitionTo moves the task to next and stamps the matching timestamp.
// It returns ErrInvalidTransition when the move is not in the status graph.
func (t *Task) TransitionTo(next TaskStatus, now time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}

	switch next {
	case TaskStatusApproved:
		t.ApprovedAt = &now
	case TaskStatusProcessing:
		t.StartedAt = &now
	case TaskStatusCompleted, TaskStatusFailed:
		t.CompletedAt = &now
	}
	t.Status = next
	return nil
}

// NormalizeRegion trims and upper-cases a region code.
func NormalizeRegion(region string) string {
	return strings.ToUpper(strings.TrimSpace(region))
}
