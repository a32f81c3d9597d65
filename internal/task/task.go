package task

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending            Status = "PENDING"
	StatusRunning            Status = "RUNNING"
	StatusPaused             Status = "PAUSED"
	StatusInterventionNeeded Status = "INTERVENTION_NEEDED"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
	StatusCancelled          Status = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a task in status s is owned by a live execution.
func (s Status) Active() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusInterventionNeeded:
		return true
	}
	return false
}

func ParseStatus(v string) (Status, bool) {
	s := Status(v)
	_, ok := transitions[s]
	return s, ok
}

func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusRunning, StatusPaused, StatusInterventionNeeded,
		StatusCompleted, StatusFailed, StatusCancelled,
	}
}

type Task struct {
	ID            string          `json:"id"`
	Status        Status          `json:"status"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	Owner         string          `json:"owner,omitempty"`
	RetryCount    int             `json:"retry_count"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Update describes one status change guarded by the expected prior status.
type Update struct {
	From          Status
	To            Status
	RetryCount    *int
	FailureReason string
	Result        json.RawMessage
}

// Apply mutates t according to u. Callers must have validated the transition.
func (u Update) Apply(t *Task, now time.Time) {
	t.Status = u.To
	t.UpdatedAt = now
	if u.RetryCount != nil {
		t.RetryCount = *u.RetryCount
	}
	if u.To == StatusFailed {
		t.FailureReason = u.FailureReason
	}
	if u.To == StatusCompleted && len(u.Result) > 0 {
		t.Result = u.Result
	}
	if u.To.Terminal() && t.CompletedAt == nil {
		completed := now
		t.CompletedAt = &completed
	}
}

type ListFilter struct {
	Owner    string
	Statuses []Status
	Offset   int
	Limit    int
}
