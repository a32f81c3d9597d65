package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/podushkina/taskorchestrator/internal/task"
)

// Tasks is the task surface the sweeper needs.
type Tasks interface {
	List(ctx context.Context, f task.ListFilter) ([]*task.Task, error)
	Delete(ctx context.Context, id string) error
}

type Config struct {
	// MaxAge is how long a finished task is kept. Zero disables sweeping.
	MaxAge time.Duration
	// Schedule is a cron spec; descriptors like "@hourly" are accepted.
	Schedule string
}

// Sweeper periodically deletes terminal tasks older than MaxAge together
// with their steps and sessions.
type Sweeper struct {
	tasks  Tasks
	cfg    Config
	logger *slog.Logger
	cron   *cron.Cron
	now    func() time.Time

	stopOnce sync.Once
}

func New(tasks Tasks, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Sweeper{
		tasks:  tasks,
		cfg:    cfg,
		logger: logger.With("component", "retention"),
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		now: time.Now,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.MaxAge <= 0 {
		s.logger.Info("retention disabled")
		<-ctx.Done()
		return nil
	}

	s.cron.Start()
	s.logger.Info("retention started", "max_age", s.cfg.MaxAge, "schedule", s.cfg.Schedule)
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
	})
}

func (s *Sweeper) run() {
	if _, err := s.Sweep(context.Background()); err != nil {
		s.logger.Error("retention sweep failed", "error", err)
	}
}

// Sweep deletes every terminal task that finished before now minus MaxAge
// and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.cfg.MaxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.MaxAge)

	tasks, err := s.tasks.List(ctx, task.ListFilter{
		Statuses: []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCancelled},
	})
	if err != nil {
		return 0, fmt.Errorf("list finished tasks: %w", err)
	}

	deleted := 0
	var errs []error
	for _, t := range tasks {
		finished := t.UpdatedAt
		if t.CompletedAt != nil {
			finished = *t.CompletedAt
		}
		if !finished.Before(cutoff) {
			continue
		}
		if err := s.tasks.Delete(ctx, t.ID); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("delete %s: %w", t.ID, err))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("old tasks removed", "count", deleted, "cutoff", cutoff)
	}
	return deleted, errors.Join(errs...)
}
