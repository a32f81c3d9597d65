package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"

	"github.com/podushkina/taskorchestrator/internal/task"
)

// AppendStep appends step to the task's log. The stored timestamp never goes
// below the previous step's, so the log stays ordered by timestamp.
func (s *Store) AppendStep(ctx context.Context, taskID string, step task.Step) (*task.Step, error) {
	key := stepsPrefix + taskID

	step.ID = ksuid.New().String()
	step.TaskID = taskID
	if step.Timestamp.IsZero() {
		step.Timestamp = s.now()
	}
	step.Timestamp = step.Timestamp.UTC()
	if len(step.Content) == 0 {
		step.Content = json.RawMessage("{}")
	}

	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, taskPrefix+taskID).Result()
		if err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
		}

		last, err := tx.LIndex(ctx, key, -1).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read last step: %w", err)
		}
		if len(last) > 0 {
			var prev task.Step
			if err := json.Unmarshal(last, &prev); err == nil && step.Timestamp.Before(prev.Timestamp) {
				step.Timestamp = prev.Timestamp
			}
		}

		data, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("marshal step: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("%w: steps of task %s", task.ErrConflict, taskID)
		}
		if errors.Is(err, task.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("append step: %w", err)
	}

	return &step, nil
}

func (s *Store) Steps(ctx context.Context, taskID string) ([]task.Step, error) {
	raw, err := s.client.LRange(ctx, stepsPrefix+taskID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}

	steps := make([]task.Step, 0, len(raw))
	for _, item := range raw {
		var st task.Step
		if err := json.Unmarshal([]byte(item), &st); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, nil
}

func (s *Store) SaveSession(ctx context.Context, sess *task.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionPrefix+sess.TaskID, data, 0).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, taskID string) (*task.Session, error) {
	data, err := s.client.Get(ctx, sessionPrefix+taskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: task %s", task.ErrSessionNotFound, taskID)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess task.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *Store) ClearSession(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, sessionPrefix+taskID).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
