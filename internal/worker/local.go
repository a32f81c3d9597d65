package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/podushkina/taskorchestrator/internal/task"
)

var errWorkerExited = errors.New("worker exited without a terminated event")

// RunFunc performs one attempt in-process. Returning nil means success,
// ErrInterventionNeeded parks the task, task.Permanent errors are not
// retried and any other error is a transient failure.
type RunFunc func(ctx context.Context, r *Run) error

// LocalAdapter runs registered RunFuncs inside the orchestrator process. The
// runner is picked by the payload's "runner" field.
type LocalAdapter struct {
	mu       sync.RWMutex
	runners  map[string]RunFunc
	fallback string
	logger   *slog.Logger
}

func NewLocalAdapter(logger *slog.Logger) *LocalAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalAdapter{
		runners:  make(map[string]RunFunc),
		fallback: RunnerSimulated,
		logger:   logger.With("component", "local_worker"),
	}
}

func (a *LocalAdapter) Register(name string, fn RunFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runners[name] = fn
}

// SetDefault selects the runner used when the payload names none.
func (a *LocalAdapter) SetDefault(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = name
}

func (a *LocalAdapter) Start(ctx context.Context, t *task.Task) (Handle, error) {
	name := runnerName(t.Payload)

	a.mu.RLock()
	if name == "" {
		name = a.fallback
	}
	fn, ok := a.runners[name]
	a.mu.RUnlock()

	if !ok {
		return nil, task.Permanent(fmt.Errorf("unknown runner: %s", name))
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &localHandle{
		taskID: t.ID,
		ctl:    newControl(),
		cancel: cancel,
		done:   make(chan struct{}),
		events: make(chan Event, 16),
	}
	raw := make(chan Event)
	r := &Run{Task: t, ctl: h.ctl, out: raw, handle: h}

	go guard(raw, h.events, h.done)
	go func() {
		defer close(raw)
		err := fn(runCtx, r)
		a.logger.Debug("runner finished", "task_id", t.ID, "runner", name, "error", err)
		r.emit(runCtx, h.outcome(err))
	}()

	return h, nil
}

func runnerName(payload json.RawMessage) string {
	var p struct {
		Runner string `json:"runner"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &p) != nil {
		return ""
	}
	return p.Runner
}

type localHandle struct {
	taskID string
	ctl    *control
	cancel context.CancelFunc
	events chan Event

	mu          sync.Mutex
	session     string
	liveViewURL string

	killOnce sync.Once
	done     chan struct{}
}

func (h *localHandle) Events() <-chan Event { return h.events }

func (h *localHandle) Pause(ctx context.Context) error {
	_, err := h.ctl.pause()
	return err
}

func (h *localHandle) Resume(ctx context.Context) error {
	_, err := h.ctl.resume()
	return err
}

func (h *localHandle) Cancel(ctx context.Context) error {
	h.ctl.cancel()
	return nil
}

func (h *localHandle) Takeover(ctx context.Context) (Handoff, error) {
	if h.ctl.cancelled() {
		return Handoff{}, ErrHandleClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return Handoff{
		TaskID:      h.taskID,
		SessionID:   h.session,
		LiveViewURL: h.liveViewURL,
		Token:       ksuid.New().String(),
		ExpiresAt:   time.Now().Add(HandoffTTL).UTC(),
	}, nil
}

func (h *localHandle) Kill() {
	h.killOnce.Do(func() {
		h.ctl.cancel()
		h.cancel()
		close(h.done)
	})
}

func (h *localHandle) outcome(err error) Event {
	switch {
	case err == nil:
		return Terminated(OutcomeSuccess)
	case errors.Is(err, ErrInterventionNeeded):
		ev := Terminated(OutcomeInterventionNeeded)
		ev.Error = err.Error()
		return ev
	case errors.Is(err, ErrCancelled), h.ctl.cancelled():
		return Failed(task.FailureCancelled, err)
	case task.IsPermanent(err):
		return Failed(task.FailurePermanent, err)
	default:
		return Failed(task.FailureTransient, err)
	}
}

// Run is what a RunFunc uses to report progress.
type Run struct {
	Task *task.Task

	ctl    *control
	out    chan<- Event
	handle *localHandle
	result json.RawMessage
}

// Checkpoint blocks while the run is paused and fails once it is cancelled.
func (r *Run) Checkpoint(ctx context.Context) error {
	if err := r.ctl.wait(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Run) Step(ctx context.Context, stepType task.StepType, content any) error {
	if err := r.Checkpoint(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal step content: %w", err)
	}
	return r.emit(ctx, Event{Type: EventStep, StepType: stepType, Content: data, At: time.Now()})
}

func (r *Run) Session(ctx context.Context, externalID, liveViewURL string) error {
	r.handle.mu.Lock()
	r.handle.session = externalID
	r.handle.liveViewURL = liveViewURL
	r.handle.mu.Unlock()
	return r.emit(ctx, Event{
		Type:              EventSessionCreated,
		ExternalSessionID: externalID,
		LiveViewURL:       liveViewURL,
		At:                time.Now(),
	})
}

// BlockedOn reports a blocking condition and waits until the run is resumed.
func (r *Run) BlockedOn(ctx context.Context, reason string) error {
	if _, err := r.ctl.pause(); err != nil {
		return ErrCancelled
	}
	if err := r.emit(ctx, Event{Type: EventStatusChanged, Status: StatusInterventionNeeded, Reason: reason, At: time.Now()}); err != nil {
		return err
	}
	return r.Checkpoint(ctx)
}

// SetResult attaches data to the success outcome.
func (r *Run) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	r.result = data
	return nil
}

func (r *Run) emit(ctx context.Context, ev Event) error {
	if ev.Type == EventTerminated {
		if ev.Outcome == OutcomeSuccess {
			ev.Result = r.result
		}
		// the guard keeps reading raw until it is closed
		r.out <- ev
		return nil
	}
	select {
	case r.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
