// Package session routes user commands for a running task to the
// orchestrator that owns its execution.
package session

import (
	"context"
	"log/slog"

	"github.com/podushkina/taskorchestrator/internal/worker"
)

// Executor is implemented by *orchestrator.Orchestrator. It looks up the
// live execution itself; Controller never touches the registry.
type Executor interface {
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	Takeover(ctx context.Context, taskID string) (worker.Handoff, error)
}

type Command string

const (
	CommandPause    Command = "pause"
	CommandResume   Command = "resume"
	CommandCancel   Command = "cancel"
	CommandTakeover Command = "takeover"
)

type Controller struct {
	exec   Executor
	logger *slog.Logger
}

func NewController(exec Executor, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{exec: exec, logger: logger.With("component", "session_controller")}
}

func (c *Controller) Pause(ctx context.Context, taskID string) error {
	return c.run(ctx, CommandPause, taskID, c.exec.Pause)
}

func (c *Controller) Resume(ctx context.Context, taskID string) error {
	return c.run(ctx, CommandResume, taskID, c.exec.Resume)
}

func (c *Controller) Cancel(ctx context.Context, taskID string) error {
	return c.run(ctx, CommandCancel, taskID, c.exec.Cancel)
}

// RequestTakeover returns the descriptor a human needs to drive the live
// browser session. It does not change the task status.
func (c *Controller) RequestTakeover(ctx context.Context, taskID string) (worker.Handoff, error) {
	handoff, err := c.exec.Takeover(ctx, taskID)
	if err != nil {
		c.logger.Info("command rejected", "command", CommandTakeover, "task_id", taskID, "error", err)
		return worker.Handoff{}, err
	}
	c.logger.Info("command applied", "command", CommandTakeover, "task_id", taskID, "expires_at", handoff.ExpiresAt)
	return handoff, nil
}

// Do dispatches a command by name. Takeover is not accepted here because it
// returns data; use RequestTakeover.
func (c *Controller) Do(ctx context.Context, cmd Command, taskID string) error {
	switch cmd {
	case CommandPause:
		return c.Pause(ctx, taskID)
	case CommandResume:
		return c.Resume(ctx, taskID)
	case CommandCancel:
		return c.Cancel(ctx, taskID)
	}
	return ErrUnknownCommand
}

func (c *Controller) run(ctx context.Context, cmd Command, taskID string, fn func(context.Context, string) error) error {
	if err := fn(ctx, taskID); err != nil {
		c.logger.Info("command rejected", "command", cmd, "task_id", taskID, "error", err)
		return err
	}
	c.logger.Info("command applied", "command", cmd, "task_id", taskID)
	return nil
}
