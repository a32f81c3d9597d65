package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/podushkina/taskorchestrator/internal/task"
)

const (
	RunnerSimulated = "simulated"
	RunnerSlow      = "slow"
	RunnerFlaky     = "flaky"
	RunnerBlocked   = "blocked"
)

// RegisterBuiltins installs the in-process runners used for local
// development and tests.
func RegisterBuiltins(a *LocalAdapter) {
	a.Register(RunnerSimulated, Simulated)
	a.Register(RunnerSlow, Slow)
	a.Register(RunnerFlaky, Flaky)
	a.Register(RunnerBlocked, Blocked)
}

// simulatedPayload holds the knobs the built-in runners understand. Unknown
// payload fields are ignored.
type simulatedPayload struct {
	URL          string  `json:"url"`
	Steps        int     `json:"steps"`
	StepDelayMS  int     `json:"step_delay_ms"`
	Fail         string  `json:"fail"`
	Intervention string  `json:"intervention"`
	FailureRate  float64 `json:"failure_rate"`
}

func parsePayload(t *task.Task) (simulatedPayload, error) {
	p := simulatedPayload{Steps: 3, StepDelayMS: 50, URL: "https://example.com", FailureRate: 0.5}
	if len(t.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return p, task.Permanent(fmt.Errorf("invalid payload: %w", err))
	}
	return p, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Simulated walks through a fake browsing session: it opens a session,
// navigates, produces a few thinking/click steps and completes.
func Simulated(ctx context.Context, r *Run) error {
	p, err := parsePayload(r.Task)
	if err != nil {
		return err
	}
	delay := time.Duration(p.StepDelayMS) * time.Millisecond

	sessionID := "sim-" + ksuid.New().String()
	if err := r.Session(ctx, sessionID, "https://live.local/"+sessionID); err != nil {
		return err
	}
	if err := r.Step(ctx, task.StepNavigate, map[string]string{"url": p.URL}); err != nil {
		return err
	}

	for i := 0; i < p.Steps; i++ {
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		stepType := task.StepThinking
		if i%2 == 1 {
			stepType = task.StepClick
		}
		if err := r.Step(ctx, stepType, map[string]any{"index": i}); err != nil {
			return err
		}
	}

	if p.Intervention != "" {
		if err := r.BlockedOn(ctx, p.Intervention); err != nil {
			return err
		}
		if err := r.Step(ctx, task.StepUserIntervention, map[string]string{"reason": p.Intervention}); err != nil {
			return err
		}
	}

	switch p.Fail {
	case "transient":
		return errors.New("simulated transient failure")
	case "permanent":
		return task.Permanent(errors.New("simulated permanent failure"))
	case "intervention":
		return ErrInterventionNeeded
	}

	if err := r.Step(ctx, task.StepCompleted, map[string]string{"url": p.URL}); err != nil {
		return err
	}
	return r.SetResult(map[string]any{"url": p.URL, "steps": p.Steps + 2})
}

// Slow reports progress every step delay until it is cancelled. It never
// completes on its own.
func Slow(ctx context.Context, r *Run) error {
	p, err := parsePayload(r.Task)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(time.Duration(max(p.StepDelayMS, 1)) * time.Millisecond)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := r.Step(ctx, task.StepObservation, map[string]int{"tick": i}); err != nil {
			return err
		}
	}
}

// Flaky fails with a transient error at the payload's failure_rate.
func Flaky(ctx context.Context, r *Run) error {
	p, err := parsePayload(r.Task)
	if err != nil {
		return err
	}
	if err := r.Step(ctx, task.StepNavigate, map[string]string{"url": p.URL}); err != nil {
		return err
	}
	if err := sleep(ctx, time.Duration(p.StepDelayMS)*time.Millisecond); err != nil {
		return err
	}
	if rand.Float64() < p.FailureRate {
		return errors.New("random failure")
	}
	return r.Step(ctx, task.StepCompleted, map[string]string{"url": p.URL})
}

// Blocked opens a session and then hands control to a human.
func Blocked(ctx context.Context, r *Run) error {
	p, err := parsePayload(r.Task)
	if err != nil {
		return err
	}
	sessionID := "sim-" + ksuid.New().String()
	if err := r.Session(ctx, sessionID, "https://live.local/"+sessionID); err != nil {
		return err
	}
	if err := r.Step(ctx, task.StepNavigate, map[string]string{"url": p.URL}); err != nil {
		return err
	}
	reason := p.Intervention
	if reason == "" {
		reason = "captcha"
	}
	if err := r.Step(ctx, task.StepUserIntervention, map[string]string{"reason": reason}); err != nil {
		return err
	}
	return ErrInterventionNeeded
}
