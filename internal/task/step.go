package task

import (
	"encoding/json"
	"time"
)

type StepType string

const (
	StepNavigate         StepType = "navigate"
	StepInput            StepType = "input"
	StepClick            StepType = "click"
	StepThinking         StepType = "thinking"
	StepObservation      StepType = "observation"
	StepError            StepType = "error"
	StepUserIntervention StepType = "user_intervention"
	StepCompleted        StepType = "completed"
)

func (t StepType) Valid() bool {
	switch t {
	case StepNavigate, StepInput, StepClick, StepThinking, StepObservation,
		StepError, StepUserIntervention, StepCompleted:
		return true
	}
	return false
}

type Step struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Type       StepType        `json:"step_type"`
	Content    json.RawMessage `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	DurationMS *int64          `json:"duration_ms,omitempty"`
}

type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionPaused         SessionStatus = "paused"
	SessionUserControlled SessionStatus = "user_controlled"
	SessionTerminated     SessionStatus = "terminated"
)

// Session is the browser session owned by one execution attempt.
type Session struct {
	ID                string        `json:"session_id"`
	TaskID            string        `json:"task_id"`
	ExternalSessionID string        `json:"external_session_id"`
	Status            SessionStatus `json:"status"`
	LiveViewURL       string        `json:"live_view_url,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	TerminatedAt      *time.Time    `json:"terminated_at,omitempty"`
}
