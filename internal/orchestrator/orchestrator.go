// Package orchestrator owns the task state machine. It dispatches queued
// tasks to worker attempts, records every transition in the store before
// publishing it, and routes session commands to the live execution.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/podushkina/taskorchestrator/internal/broadcast"
	"github.com/podushkina/taskorchestrator/internal/queue"
	"github.com/podushkina/taskorchestrator/internal/retry"
	"github.com/podushkina/taskorchestrator/internal/store"
	"github.com/podushkina/taskorchestrator/internal/task"
	"github.com/podushkina/taskorchestrator/internal/worker"
)

const tracerName = "github.com/podushkina/taskorchestrator/internal/orchestrator"

// Store is the durable state the orchestrator needs. *store.Store satisfies it.
type Store interface {
	Create(ctx context.Context, payload json.RawMessage, opts store.CreateOptions) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	UpdateStatus(ctx context.Context, id string, u task.Update) (*task.Task, error)
	List(ctx context.Context, f task.ListFilter) ([]*task.Task, error)
	ListByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)
	Delete(ctx context.Context, id string) error

	AppendStep(ctx context.Context, taskID string, step task.Step) (*task.Step, error)
	Steps(ctx context.Context, taskID string) ([]task.Step, error)

	SaveSession(ctx context.Context, sess *task.Session) error
	GetSession(ctx context.Context, taskID string) (*task.Session, error)
	ClearSession(ctx context.Context, taskID string) error
}

type Config struct {
	MaxConcurrent int
	TaskTimeout   time.Duration
	CancelGrace   time.Duration
	Retry         retry.Policy
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		TaskTimeout:   5 * time.Minute,
		CancelGrace:   10 * time.Second,
		Retry:         retry.Default(),
	}
}

type Deps struct {
	Store       Store
	Adapter     worker.Adapter
	Broadcaster *broadcast.Broadcaster
	Queue       *queue.Queue
	Logger      *slog.Logger
	Metrics     *Metrics
}

type Orchestrator struct {
	store   Store
	adapter worker.Adapter
	bcast   *broadcast.Broadcaster
	queue   *queue.Queue
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu         sync.Mutex
	executions map[string]*execution

	wg sync.WaitGroup
}

func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if deps.Queue == nil {
		deps.Queue = queue.New(cfg.MaxConcurrent)
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = broadcast.New(broadcast.Options{Logger: deps.Logger})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = defaultMetrics()
	}

	return &Orchestrator{
		store:      deps.Store,
		adapter:    deps.Adapter,
		bcast:      deps.Broadcaster,
		queue:      deps.Queue,
		cfg:        cfg,
		logger:     deps.Logger.With("component", "orchestrator"),
		metrics:    deps.Metrics,
		tracer:     otel.Tracer(tracerName),
		executions: make(map[string]*execution),
	}
}

type SubmitOptions struct {
	Priority int
	Owner    string
}

// Submit validates and persists a new task and queues it for dispatch.
func (o *Orchestrator) Submit(ctx context.Context, payload json.RawMessage, opts SubmitOptions) (*task.Task, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	t, err := o.store.Create(ctx, payload, store.CreateOptions{Priority: opts.Priority, Owner: opts.Owner})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := o.queue.Enqueue(t.ID, t.Priority, 0); err != nil {
		return nil, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}

	o.metrics.incSubmitted()
	o.publishStatus(t, "")
	o.logger.Info("task submitted", "task_id", t.ID, "priority", t.Priority, "owner", t.Owner)
	return t, nil
}

func validatePayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload is required", task.ErrValidation)
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: payload must be a JSON object", task.ErrValidation)
	}
	if len(doc) == 0 {
		return fmt.Errorf("%w: payload is empty", task.ErrValidation)
	}
	return nil
}

// Run starts one dispatcher per execution slot and blocks until ctx is
// cancelled and every dispatcher has returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	for i := 0; i < o.cfg.MaxConcurrent; i++ {
		o.wg.Add(1)
		go o.dispatch(ctx, i)
	}
	o.logger.Info("dispatchers started", "count", o.cfg.MaxConcurrent)

	<-ctx.Done()
	o.wg.Wait()
	o.logger.Info("dispatchers stopped")
	return nil
}

// Wait blocks until the dispatchers started by Run have exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) dispatch(ctx context.Context, id int) {
	defer o.wg.Done()
	logger := o.logger.With("dispatcher", id)

	for {
		taskID, err := o.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "error", err)
			continue
		}

		o.execute(ctx, taskID)
		o.queue.Release()
	}
}

func (o *Orchestrator) Task(ctx context.Context, id string) (*task.Task, error) {
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) Steps(ctx context.Context, id string) ([]task.Step, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.store.Steps(ctx, id)
}

func (o *Orchestrator) Session(ctx context.Context, id string) (*task.Session, error) {
	return o.store.GetSession(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context, f task.ListFilter) ([]*task.Task, error) {
	return o.store.List(ctx, f)
}

// Delete removes a finished task with its steps. Active tasks are refused.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", task.ErrInvalidTransition, id, t.Status)
	}
	return o.store.Delete(ctx, id)
}

func (o *Orchestrator) Subscribe(taskID string) *broadcast.Subscription {
	return o.bcast.Subscribe(taskID)
}

func (o *Orchestrator) Unsubscribe(sub *broadcast.Subscription) {
	o.bcast.Unsubscribe(sub)
}

type Stats struct {
	Tasks      map[task.Status]int `json:"tasks"`
	Total      int                 `json:"total"`
	Queued     int                 `json:"queued"`
	Executions int                 `json:"executions"`
	Broadcast  broadcast.Stats     `json:"broadcast"`
}

func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	tasks, err := o.store.ListByStatus(ctx, task.AllStatuses()...)
	if err != nil {
		return Stats{}, fmt.Errorf("list tasks: %w", err)
	}

	s := Stats{
		Tasks:     make(map[task.Status]int),
		Total:     len(tasks),
		Queued:    o.queue.Len(),
		Broadcast: o.bcast.Stats(),
	}
	for _, t := range tasks {
		s.Tasks[t.Status]++
	}

	o.mu.Lock()
	s.Executions = len(o.executions)
	o.mu.Unlock()
	return s, nil
}

func (o *Orchestrator) lookup(id string) *execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executions[id]
}

// register fails when the task already has an execution.
func (o *Orchestrator) register(e *execution) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.executions[e.taskID]; ok {
		return false
	}
	o.executions[e.taskID] = e
	o.metrics.executionStarted()
	return true
}

func (o *Orchestrator) unregister(e *execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.executions[e.taskID] == e {
		delete(o.executions, e.taskID)
		o.metrics.executionFinished()
		close(e.done)
	}
}

// publishStatus emits status_change and, for terminal states, terminated.
// Callers publish only after the store accepted the transition.
func (o *Orchestrator) publishStatus(t *task.Task, from task.Status) {
	o.bcast.Publish(t.ID, broadcast.Event{
		Type: broadcast.EventStatusChange,
		Data: StatusChange{
			Status:        t.Status,
			Previous:      from,
			RetryCount:    t.RetryCount,
			FailureReason: t.FailureReason,
		},
	})
	if t.Status.Terminal() {
		o.bcast.Publish(t.ID, broadcast.Event{
			Type: broadcast.EventTerminated,
			Data: Terminated{
				Status:        t.Status,
				FailureReason: t.FailureReason,
				Result:        t.Result,
			},
		})
	}
}

// StatusChange is the data of a status_change event.
type StatusChange struct {
	Status        task.Status `json:"status"`
	Previous      task.Status `json:"previous,omitempty"`
	RetryCount    int         `json:"retry_count"`
	FailureReason string      `json:"failure_reason,omitempty"`
}

// Terminated is the data of a terminated event.
type Terminated struct {
	Status        task.Status     `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

func isConflict(err error) bool {
	return errors.Is(err, task.ErrConflict)
}
