package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/podushkina/taskorchestrator/internal/task"
	"github.com/podushkina/taskorchestrator/internal/worker"
)

// noExecution explains why a command found no live execution for id.
func (o *Orchestrator) noExecution(ctx context.Context, id string) error {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s is %s", task.ErrNoActiveExecution, id, t.Status)
}

func closedExecution(exec *execution) error {
	return fmt.Errorf("%w: task %s is %s", task.ErrNoActiveExecution, exec.taskID, exec.task.Status)
}

// Pause suspends a running task. Pausing a paused task is a no-op.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	exec := o.lookup(id)
	if exec == nil {
		return o.noExecution(ctx, id)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.cancelled || exec.finished {
		return closedExecution(exec)
	}

	switch exec.task.Status {
	case task.StatusPaused:
		return nil
	case task.StatusRunning:
		if exec.handle == nil {
			return closedExecution(exec)
		}
		if err := exec.handle.Pause(ctx); err != nil {
			return fmt.Errorf("pause worker: %w", err)
		}
		if _, err := o.transition(context.WithoutCancel(ctx), exec, task.StatusPaused, nil); err != nil {
			return err
		}
		o.setSessionStatus(ctx, exec, task.SessionPaused)
		return nil
	}
	return fmt.Errorf("%w: cannot pause a task in %s", task.ErrInvalidTransition, exec.task.Status)
}

// Resume continues a paused task, or one waiting for intervention. Resuming
// a running task is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	exec := o.lookup(id)
	if exec == nil {
		return o.noExecution(ctx, id)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.cancelled || exec.finished {
		return closedExecution(exec)
	}
	sctx := context.WithoutCancel(ctx)

	switch exec.task.Status {
	case task.StatusRunning:
		return nil
	case task.StatusPaused, task.StatusInterventionNeeded:
	default:
		return fmt.Errorf("%w: cannot resume a task in %s", task.ErrInvalidTransition, exec.task.Status)
	}

	if exec.handle == nil {
		if exec.task.Status != task.StatusInterventionNeeded {
			return closedExecution(exec)
		}
		// parked: the next attempt starts once the task is RUNNING again
		if _, err := o.transition(sctx, exec, task.StatusRunning, nil); err != nil {
			return err
		}
		select {
		case exec.resumed <- struct{}{}:
		default:
		}
		return nil
	}

	if err := exec.handle.Resume(ctx); err != nil {
		return fmt.Errorf("resume worker: %w", err)
	}
	if _, err := o.transition(sctx, exec, task.StatusRunning, nil); err != nil {
		return err
	}
	o.setSessionStatus(ctx, exec, task.SessionActive)
	return nil
}

// Cancel stops a task that is queued or executing. The task is CANCELLED as
// soon as Cancel returns; the worker is given the cancel grace period to
// stop before it is killed.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	sctx := context.WithoutCancel(ctx)
	for i := 0; i < 3; i++ {
		if exec := o.lookup(id); exec != nil {
			exec.mu.Lock()
			err := o.cancelLocked(sctx, exec)
			exec.mu.Unlock()
			if errors.Is(err, errExecutionGone) {
				// the outcome is already stored; wait for the registry to let go
				select {
				case <-exec.done:
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			return err
		}

		err := o.cancelQueued(sctx, id)
		if isConflict(err) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: task %s kept changing during cancel", task.ErrConflict, id)
}

func (o *Orchestrator) cancelQueued(ctx context.Context, id string) error {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPending {
		return fmt.Errorf("%w: task %s is %s", task.ErrNoActiveExecution, id, t.Status)
	}

	o.queue.Cancel(id)
	updated, err := o.store.UpdateStatus(ctx, id, task.Update{From: task.StatusPending, To: task.StatusCancelled})
	if err != nil {
		return err
	}
	o.metrics.incTransition(string(task.StatusPending), string(task.StatusCancelled))
	o.publishStatus(updated, task.StatusPending)
	o.logger.Info("queued task cancelled", "task_id", id)
	return nil
}

// Takeover hands the live browser session to a human. The task status is
// unchanged; control returns through Resume.
func (o *Orchestrator) Takeover(ctx context.Context, id string) (worker.Handoff, error) {
	exec := o.lookup(id)
	if exec == nil {
		return worker.Handoff{}, o.noExecution(ctx, id)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.cancelled || exec.finished {
		return worker.Handoff{}, closedExecution(exec)
	}

	var handoff worker.Handoff
	switch {
	case exec.handle != nil:
		h, err := exec.handle.Takeover(ctx)
		if errors.Is(err, worker.ErrHandleClosed) {
			return worker.Handoff{}, closedExecution(exec)
		}
		if err != nil {
			return worker.Handoff{}, fmt.Errorf("takeover: %w", err)
		}
		handoff = h
	case exec.session != nil:
		// parked for intervention: the browser session outlived the attempt
		handoff = worker.Handoff{
			TaskID:      id,
			SessionID:   exec.session.ExternalSessionID,
			LiveViewURL: exec.session.LiveViewURL,
			Token:       ksuid.New().String(),
			ExpiresAt:   time.Now().Add(worker.HandoffTTL).UTC(),
		}
	default:
		return worker.Handoff{}, closedExecution(exec)
	}

	o.setSessionStatus(context.WithoutCancel(ctx), exec, task.SessionUserControlled)
	o.logger.Info("session handed over", "task_id", id, "session_id", handoff.SessionID)
	return handoff, nil
}
