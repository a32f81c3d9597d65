// Package worker is the boundary with the automation process that drives
// the browser. Adapters translate whatever the process speaks into Events.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/podushkina/taskorchestrator/internal/task"
)

var (
	ErrHandleClosed       = errors.New("worker handle is closed")
	ErrCancelled          = errors.New("worker run cancelled")
	ErrInterventionNeeded = errors.New("worker needs user intervention")
)

type EventType string

const (
	EventStep           EventType = "step"
	EventStatusChanged  EventType = "status_changed"
	EventSessionCreated EventType = "session_created"
	EventTerminated     EventType = "terminated"
)

type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeFailure            Outcome = "failure"
	OutcomeInterventionNeeded Outcome = "intervention_needed"
)

// StatusInterventionNeeded is the status_changed value a worker reports
// when it hits a blocking condition (captcha, login wall) but keeps running.
const StatusInterventionNeeded = "intervention_needed"

type Event struct {
	Type EventType

	// step
	StepType   task.StepType
	Content    json.RawMessage
	DurationMS *int64

	// status_changed
	Status string
	Reason string

	// session_created
	ExternalSessionID string
	LiveViewURL       string

	// terminated
	Outcome     Outcome
	FailureKind task.FailureKind
	Error       string
	Result      json.RawMessage

	At time.Time
}

func Terminated(outcome Outcome) Event {
	return Event{Type: EventTerminated, Outcome: outcome, At: time.Now()}
}

func Failed(kind task.FailureKind, err error) Event {
	ev := Terminated(OutcomeFailure)
	ev.FailureKind = kind
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Handoff lets a human take over the live browser session.
type Handoff struct {
	TaskID      string    `json:"task_id"`
	SessionID   string    `json:"session_id,omitempty"`
	LiveViewURL string    `json:"live_view_url,omitempty"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Handle controls one execution attempt. Events yields exactly one
// EventTerminated and is then closed. Pause, Resume and Cancel are
// idempotent.
type Handle interface {
	Events() <-chan Event
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context) error
	Takeover(ctx context.Context) (Handoff, error)
	// Kill tears the attempt down without waiting for the worker.
	Kill()
}

type Adapter interface {
	Start(ctx context.Context, t *task.Task) (Handle, error)
}

// HandoffTTL bounds how long a takeover token is valid.
const HandoffTTL = 15 * time.Minute
