package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/podushkina/taskorchestrator/internal/task"
	"github.com/podushkina/taskorchestrator/internal/worker"
)

var errInterrupted = errors.New("orchestrator restarted during execution")

// Recover rebuilds the queue from the store after a restart. Queued tasks are
// enqueued again; tasks that were executing lost their worker and go through
// the retry policy as a worker crash. Call it before Run.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	tasks, err := o.store.ListByStatus(ctx,
		task.StatusPending,
		task.StatusRunning,
		task.StatusPaused,
		task.StatusInterventionNeeded,
	)
	if err != nil {
		return 0, fmt.Errorf("list unfinished tasks: %w", err)
	}

	recovered := 0
	for _, t := range tasks {
		if err := o.recoverTask(ctx, t); err != nil {
			o.logger.Warn("failed to recover task", "task_id", t.ID, "status", t.Status, "error", err)
			continue
		}
		recovered++
	}
	o.logger.Info("recovery finished", "found", len(tasks), "recovered", recovered)
	return recovered, nil
}

func (o *Orchestrator) recoverTask(ctx context.Context, t *task.Task) error {
	if t.Status == task.StatusPending {
		err := o.queue.Enqueue(t.ID, t.Priority, 0)
		if errors.Is(err, task.ErrAlreadyQueued) {
			return nil
		}
		return err
	}

	if err := o.store.ClearSession(ctx, t.ID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	exec := newExecution(t)
	exec.mu.Lock()
	defer exec.mu.Unlock()

	if t.Status != task.StatusRunning {
		if _, err := o.transition(ctx, exec, task.StatusRunning, nil); err != nil {
			return err
		}
	}
	o.onFailure(ctx, exec, worker.Failed(task.FailureWorkerCrashed, errInterrupted))
	if exec.task.Status == task.StatusRunning {
		return fmt.Errorf("task %s left RUNNING", t.ID)
	}
	return nil
}
