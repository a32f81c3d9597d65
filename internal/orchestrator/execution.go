package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/podushkina/taskorchestrator/internal/broadcast"
	"github.com/podushkina/taskorchestrator/internal/task"
	"github.com/podushkina/taskorchestrator/internal/worker"
)

var errExecutionGone = errors.New("execution is finishing")

type nextStep int

const (
	stepDone nextStep = iota
	// stepParked means the worker ended with intervention_needed; the
	// execution gives its slot back until resumed or cancelled.
	stepParked
)

// execution is the live state of one dispatched task. mu serializes every
// transition of the task, so events and commands never interleave.
type execution struct {
	taskID string

	mu        sync.Mutex
	task      *task.Task
	handle    worker.Handle
	session   *task.Session
	cancelled bool
	finished  bool

	stop    chan struct{}
	resumed chan struct{}
	// done is closed once the execution leaves the registry.
	done chan struct{}
}

func newExecution(t *task.Task) *execution {
	return &execution{
		taskID:  t.ID,
		task:    t,
		stop:    make(chan struct{}),
		resumed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// execute runs a dispatched task on the caller's slot. It returns when the
// execution ends or parks; a parked execution continues in park.
func (o *Orchestrator) execute(ctx context.Context, id string) {
	logger := o.logger.With("task_id", id)
	sctx := context.WithoutCancel(ctx)

	t, err := o.store.Get(sctx, id)
	if err != nil {
		logger.Error("failed to load dispatched task", "error", err)
		return
	}
	if t.Status != task.StatusPending {
		logger.Debug("skipping dispatch", "status", t.Status)
		return
	}

	exec := newExecution(t)
	if !o.register(exec) {
		logger.Warn("task already has an execution")
		return
	}

	exec.mu.Lock()
	if exec.cancelled {
		exec.mu.Unlock()
		o.finish(sctx, exec, nil)
		return
	}
	if _, err := o.transition(sctx, exec, task.StatusRunning, nil); err != nil {
		exec.finished = true
		exec.mu.Unlock()
		logger.Warn("could not start task", "error", err)
		o.finish(sctx, exec, nil)
		return
	}
	exec.mu.Unlock()

	timer := time.AfterFunc(o.cfg.TaskTimeout, func() { o.expire(sctx, exec) })

	if o.attempt(ctx, exec) != stepParked {
		o.finish(sctx, exec, timer)
		return
	}
	o.wg.Add(1)
	go o.park(ctx, exec, timer)
}

// park waits for a parked execution to be resumed and runs its next attempt
// on a newly acquired slot. It holds no slot while waiting.
func (o *Orchestrator) park(ctx context.Context, exec *execution, timer *time.Timer) {
	defer o.wg.Done()
	sctx := context.WithoutCancel(ctx)

	for {
		if !o.awaitResume(ctx, exec) {
			break
		}
		if err := o.reacquire(ctx, exec); err != nil {
			break
		}
		next := o.attempt(ctx, exec)
		o.queue.Release()
		if next != stepParked {
			break
		}
	}
	o.finish(sctx, exec, timer)
}

// reacquire takes a dispatch slot for exec, giving up when exec is cancelled.
func (o *Orchestrator) reacquire(ctx context.Context, exec *execution) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-exec.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return o.queue.Acquire(ctx)
}

// finish releases everything the execution still holds and removes it from
// the registry.
func (o *Orchestrator) finish(ctx context.Context, exec *execution, timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
	exec.mu.Lock()
	exec.finished = true
	o.closeSession(ctx, exec)
	exec.mu.Unlock()
	o.unregister(exec)
}

func (o *Orchestrator) attempt(ctx context.Context, exec *execution) nextStep {
	sctx := context.WithoutCancel(ctx)

	exec.mu.Lock()
	if exec.cancelled || exec.finished {
		exec.mu.Unlock()
		return stepDone
	}
	o.closeSession(sctx, exec)
	t := exec.task

	ctx, span := o.tracer.Start(ctx, "orchestrator.attempt", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.Int("task.retry_count", t.RetryCount),
	))
	defer span.End()

	started := time.Now()
	h, err := o.adapter.Start(ctx, t)
	if err != nil {
		exec.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "worker start failed")

		kind := task.FailureTransient
		if task.IsPermanent(err) {
			kind = task.FailurePermanent
		}
		o.logger.Warn("worker failed to start", "task_id", t.ID, "error", err)
		o.metrics.observeAttempt("start_failed", time.Since(started))
		return o.onTerminated(sctx, exec, worker.Failed(kind, err))
	}
	exec.handle = h
	exec.mu.Unlock()

	for {
		select {
		case ev, ok := <-h.Events():
			if !ok || ctx.Err() != nil {
				h.Kill()
				return stepDone
			}
			if ev.Type != worker.EventTerminated {
				o.onEvent(sctx, exec, ev)
				continue
			}
			span.SetAttributes(attribute.String("attempt.outcome", string(ev.Outcome)))
			if ev.Outcome == worker.OutcomeFailure {
				span.SetStatus(codes.Error, ev.Error)
			}
			o.metrics.observeAttempt(string(ev.Outcome), time.Since(started))
			return o.onTerminated(sctx, exec, ev)

		case <-exec.stop:
			o.teardown(h)
			o.endAttempt(sctx, exec)
			o.metrics.observeAttempt("cancelled", time.Since(started))
			return stepDone

		case <-ctx.Done():
			// the stored status is left for Recover on the next start
			h.Kill()
			return stepDone
		}
	}
}

// teardown waits for a cancelled worker to report terminated, then kills it.
func (o *Orchestrator) teardown(h worker.Handle) {
	defer h.Kill()

	timer := time.NewTimer(o.cfg.CancelGrace)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok || ev.Type == worker.EventTerminated {
				return
			}
		case <-timer.C:
			o.logger.Warn("worker did not stop within grace period", "grace", o.cfg.CancelGrace)
			return
		}
	}
}

func (o *Orchestrator) endAttempt(ctx context.Context, exec *execution) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	exec.handle = nil
	o.closeSession(ctx, exec)
}

func (o *Orchestrator) awaitResume(ctx context.Context, exec *execution) bool {
	select {
	case <-exec.resumed:
		return true
	case <-exec.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) onEvent(ctx context.Context, exec *execution, ev worker.Event) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.cancelled || exec.finished {
		return
	}

	switch ev.Type {
	case worker.EventStep:
		o.recordStep(ctx, exec, task.Step{
			Type:       ev.StepType,
			Content:    ev.Content,
			Timestamp:  ev.At,
			DurationMS: ev.DurationMS,
		})

	case worker.EventStatusChanged:
		if ev.Status != worker.StatusInterventionNeeded {
			o.logger.Debug("ignoring worker status", "task_id", exec.taskID, "status", ev.Status)
			return
		}
		if exec.task.Status != task.StatusRunning {
			o.logger.Debug("ignoring intervention request", "task_id", exec.taskID, "status", exec.task.Status)
			return
		}
		if _, err := o.transition(ctx, exec, task.StatusInterventionNeeded, nil); err != nil {
			o.logger.Error("failed to record intervention", "task_id", exec.taskID, "error", err)
			return
		}
		o.logger.Info("task needs intervention", "task_id", exec.taskID, "reason", ev.Reason)

	case worker.EventSessionCreated:
		o.openSession(ctx, exec, ev)
	}
}

func (o *Orchestrator) recordStep(ctx context.Context, exec *execution, step task.Step) {
	stored, err := o.store.AppendStep(ctx, exec.taskID, step)
	if err != nil {
		o.logger.Error("failed to append step", "task_id", exec.taskID, "step_type", step.Type, "error", err)
		return
	}
	o.bcast.Publish(exec.taskID, broadcast.Event{Type: broadcast.EventStep, Data: stored})
}

func (o *Orchestrator) openSession(ctx context.Context, exec *execution, ev worker.Event) {
	status := task.SessionActive
	if exec.task.Status == task.StatusPaused {
		status = task.SessionPaused
	}
	sess := &task.Session{
		ID:                ksuid.New().String(),
		TaskID:            exec.taskID,
		ExternalSessionID: ev.ExternalSessionID,
		Status:            status,
		LiveViewURL:       ev.LiveViewURL,
		CreatedAt:         time.Now().UTC(),
	}
	if err := o.store.SaveSession(ctx, sess); err != nil {
		o.logger.Error("failed to save session", "task_id", exec.taskID, "error", err)
		return
	}
	exec.session = sess
	o.bcast.Publish(exec.taskID, broadcast.Event{Type: broadcast.EventSessionCreated, Data: sess})
}

func (o *Orchestrator) setSessionStatus(ctx context.Context, exec *execution, status task.SessionStatus) {
	if exec.session == nil || exec.session.Status == status {
		return
	}
	sess := *exec.session
	sess.Status = status
	if status == task.SessionTerminated {
		now := time.Now().UTC()
		sess.TerminatedAt = &now
	}
	if err := o.store.SaveSession(ctx, &sess); err != nil {
		o.logger.Warn("failed to update session", "task_id", exec.taskID, "status", status, "error", err)
		return
	}
	exec.session = &sess
}

func (o *Orchestrator) closeSession(ctx context.Context, exec *execution) {
	if exec.session == nil {
		return
	}
	if err := o.store.ClearSession(ctx, exec.taskID); err != nil {
		o.logger.Warn("failed to clear session", "task_id", exec.taskID, "error", err)
	}
	exec.session = nil
}

func (o *Orchestrator) onTerminated(ctx context.Context, exec *execution, ev worker.Event) nextStep {
	exec.mu.Lock()
	defer exec.mu.Unlock()

	if exec.handle != nil {
		exec.handle.Kill()
		exec.handle = nil
	}
	if exec.cancelled || exec.finished {
		o.closeSession(ctx, exec)
		return stepDone
	}
	logger := o.logger.With("task_id", exec.taskID)

	// a worker may finish while paused or blocked; pass through RUNNING first
	status := exec.task.Status
	if status == task.StatusPaused ||
		(status == task.StatusInterventionNeeded && ev.Outcome != worker.OutcomeInterventionNeeded) {
		if _, err := o.transition(ctx, exec, task.StatusRunning, nil); err != nil {
			logger.Error("failed to resume before outcome", "error", err)
			exec.finished = true
			return stepDone
		}
	}

	switch ev.Outcome {
	case worker.OutcomeSuccess:
		o.closeSession(ctx, exec)
		exec.finished = true
		if _, err := o.transition(ctx, exec, task.StatusCompleted, func(u *task.Update) {
			u.Result = ev.Result
		}); err != nil {
			logger.Error("failed to complete task", "error", err)
		}
		return stepDone

	case worker.OutcomeInterventionNeeded:
		if exec.task.Status != task.StatusInterventionNeeded {
			if _, err := o.transition(ctx, exec, task.StatusInterventionNeeded, nil); err != nil {
				logger.Error("failed to park task", "error", err)
				o.closeSession(ctx, exec)
				exec.finished = true
				return stepDone
			}
		}
		o.setSessionStatus(ctx, exec, task.SessionPaused)
		logger.Info("task parked for intervention", "reason", ev.Error)
		return stepParked
	}

	o.closeSession(ctx, exec)
	return o.onFailure(ctx, exec, ev)
}

// onFailure applies the retry policy to a failed attempt. exec.mu is held.
func (o *Orchestrator) onFailure(ctx context.Context, exec *execution, ev worker.Event) nextStep {
	logger := o.logger.With("task_id", exec.taskID)
	exec.finished = true

	kind := ev.FailureKind
	if kind == "" {
		kind = task.FailureTransient
	}

	decision := o.cfg.Retry.ShouldRetry(exec.task, kind)
	if decision.Retry {
		next := exec.task.RetryCount + 1
		t, err := o.transition(ctx, exec, task.StatusPending, func(u *task.Update) {
			u.RetryCount = &next
		})
		if err != nil {
			logger.Error("failed to schedule retry", "error", err)
			return stepDone
		}
		o.metrics.incRetry()

		// a retry gets a fresh execution once it is dispatched again
		o.unregister(exec)
		if err := o.queue.Enqueue(t.ID, t.Priority, decision.Delay); err != nil {
			logger.Error("failed to re-enqueue task", "error", err)
			return stepDone
		}
		logger.Info("retry scheduled",
			"failure_kind", kind,
			"retry_count", t.RetryCount,
			"delay", decision.Delay,
			"error", ev.Error,
		)
		return stepDone
	}

	reason := failureReason(kind, ev.Error)
	if _, err := o.transition(ctx, exec, task.StatusFailed, func(u *task.Update) {
		u.FailureReason = reason
	}); err != nil {
		logger.Error("failed to record failure", "error", err)
		return stepDone
	}
	logger.Warn("task failed", "failure_kind", kind, "reason", reason)
	return stepDone
}

func failureReason(kind task.FailureKind, msg string) string {
	if msg == "" {
		return string(kind)
	}
	return fmt.Sprintf("%s: %s", kind, msg)
}

// expire fires when an execution outlives the task timeout. It behaves like
// a user cancel, with an error step recording why.
func (o *Orchestrator) expire(ctx context.Context, exec *execution) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.cancelled || exec.finished {
		return
	}

	o.logger.Warn("task timed out", "task_id", exec.taskID, "timeout", o.cfg.TaskTimeout)
	content, _ := json.Marshal(map[string]string{
		"message": "execution timed out",
		"timeout": o.cfg.TaskTimeout.String(),
	})
	o.recordStep(ctx, exec, task.Step{Type: task.StepError, Content: content})

	if err := o.cancelLocked(ctx, exec); err != nil {
		o.logger.Error("failed to cancel timed out task", "task_id", exec.taskID, "error", err)
	}
}

// cancelLocked records CANCELLED and signals the worker. exec.mu is held.
func (o *Orchestrator) cancelLocked(ctx context.Context, exec *execution) error {
	if exec.cancelled {
		return fmt.Errorf("%w: task %s is already cancelled", task.ErrNoActiveExecution, exec.taskID)
	}
	if exec.finished {
		return errExecutionGone
	}

	if _, err := o.transition(ctx, exec, task.StatusCancelled, nil); err != nil {
		return err
	}
	exec.cancelled = true
	close(exec.stop)

	if exec.handle != nil {
		if err := exec.handle.Cancel(ctx); err != nil {
			o.logger.Warn("worker rejected cancel", "task_id", exec.taskID, "error", err)
		}
	}
	o.setSessionStatus(ctx, exec, task.SessionTerminated)
	return nil
}

// transition records from -> to in the store and then publishes it.
// exec.mu is held.
func (o *Orchestrator) transition(ctx context.Context, exec *execution, to task.Status, mod func(*task.Update)) (*task.Task, error) {
	from := exec.task.Status
	u := task.Update{From: from, To: to}
	if mod != nil {
		mod(&u)
	}

	t, err := o.store.UpdateStatus(ctx, exec.taskID, u)
	if err != nil {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, err)
	}
	exec.task = t

	o.metrics.incTransition(string(from), string(to))
	o.publishStatus(t, from)
	o.logger.Info("task status changed", "task_id", t.ID, "from", from, "to", to, "retry_count", t.RetryCount)
	return t, nil
}
