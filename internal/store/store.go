package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/podushkina/taskorchestrator/internal/task"
)

const (
	taskPrefix    = "taskorch:task:"
	stepsPrefix   = "taskorch:steps:"
	sessionPrefix = "taskorch:session:"
	ownerPrefix   = "taskorch:owner:"
	indexKey      = "taskorch:tasks"

	defaultCacheSize = 1024
)

type Options struct {
	// CacheSize bounds the number of terminal tasks kept in memory.
	CacheSize int
	// ConnectTimeout bounds the retried initial ping.
	ConnectTimeout time.Duration
}

type Store struct {
	client *redis.Client
	cache  *lru.Cache[string, task.Task]
	now    func() time.Time
}

func New(addr, password string, db int, opts ...Options) (*Store, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.CacheSize <= 0 {
		o.CacheSize = defaultCacheSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), o.ConnectTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = o.ConnectTimeout
	ping := func() error { return client.Ping(ctx).Err() }
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	cache, err := lru.New[string, task.Task](o.CacheSize)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create task cache: %w", err)
	}

	return &Store{client: client, cache: cache, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

type CreateOptions struct {
	Priority int
	Owner    string
}

func (s *Store) Create(ctx context.Context, payload json.RawMessage, opts CreateOptions) (*task.Task, error) {
	now := s.now().UTC()
	t := &task.Task{
		ID:        uuid.New().String(),
		Status:    task.StatusPending,
		Payload:   payload,
		Priority:  opts.Priority,
		Owner:     opts.Owner,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	score := float64(now.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskPrefix+t.ID, data, 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: score, Member: t.ID})
	if t.Owner != "" {
		pipe.ZAdd(ctx, ownerPrefix+t.Owner, redis.Z{Score: score, Member: t.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	if cached, ok := s.cache.Get(id); ok {
		return &cached, nil
	}

	t, err := getTask(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		s.cache.Add(id, *t)
	}
	return t, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getTask(ctx context.Context, c getter, id string) (*task.Task, error) {
	data, err := c.Get(ctx, taskPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	return &t, nil
}

// UpdateStatus applies u atomically. It fails with task.ErrConflict when the
// stored status is not u.From or the task changed while the update was
// prepared, and with task.ErrInvalidTransition when u is not a legal edge.
func (s *Store) UpdateStatus(ctx context.Context, id string, u task.Update) (*task.Task, error) {
	key := taskPrefix + id
	var updated *task.Task

	txf := func(tx *redis.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != u.From {
			return fmt.Errorf("%w: task %s is %s, expected %s", task.ErrConflict, id, t.Status, u.From)
		}
		if err := task.ValidateTransition(t.Status, u.To); err != nil {
			return err
		}

		u.Apply(t, s.now().UTC())
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = t
		return nil
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("%w: task %s", task.ErrConflict, id)
		}
		if errors.Is(err, task.ErrConflict) || errors.Is(err, task.ErrInvalidTransition) || errors.Is(err, task.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update task: %w", err)
	}

	if updated.Status.Terminal() {
		s.cache.Add(id, *updated)
	}
	return updated, nil
}

func (s *Store) List(ctx context.Context, f task.ListFilter) ([]*task.Task, error) {
	key := indexKey
	if f.Owner != "" {
		key = ownerPrefix + f.Owner
	}

	ids, err := s.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	if len(f.Statuses) > 0 {
		tasks = filterStatus(tasks, f.Statuses)
	}

	if f.Offset > 0 {
		if f.Offset >= len(tasks) {
			return []*task.Task{}, nil
		}
		tasks = tasks[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(tasks) {
		tasks = tasks[:f.Limit]
	}

	return tasks, nil
}

// ListByStatus returns every task in one of statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	return filterStatus(tasks, statuses), nil
}

func (s *Store) fetch(ctx context.Context, ids []string) ([]*task.Task, error) {
	if len(ids) == 0 {
		return []*task.Task{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, taskPrefix+id)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}

		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}

	return tasks, nil
}

func filterStatus(tasks []*task.Task, statuses []task.Status) []*task.Task {
	want := make(map[task.Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := want[t.Status]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Delete removes a task with its steps and session. Callers make sure no
// execution is active.
func (s *Store) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, taskPrefix+id, stepsPrefix+id, sessionPrefix+id)
	pipe.ZRem(ctx, indexKey, id)
	if t.Owner != "" {
		pipe.ZRem(ctx, ownerPrefix+t.Owner, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	s.cache.Remove(id)
	return nil
}
