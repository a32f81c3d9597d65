package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/podushkina/taskorchestrator/internal/task"
)

const DefaultMaxConcurrent = 3

// Queue orders pending task ids and hands them out to at most maxConcurrent
// executions at a time. A slot taken by Dequeue is returned with Release.
type Queue struct {
	mu            sync.Mutex
	ready         readyHeap
	delayed       delayedHeap
	index         map[string]*item
	seq           uint64
	running       int
	maxConcurrent int
	// changed is closed and replaced on every state change, waking all
	// waiters.
	changed chan struct{}
	now     func() time.Time
}

type item struct {
	taskID   string
	priority int
	seq      uint64
	readyAt  time.Time
	index    int
	isReady  bool
}

type Option func(*Queue)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(maxConcurrent int, opts ...Option) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	q := &Queue{
		index:         make(map[string]*item),
		maxConcurrent: maxConcurrent,
		changed:       make(chan struct{}),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(taskID string, priority int, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[taskID]; ok {
		return fmt.Errorf("%w: %s", task.ErrAlreadyQueued, taskID)
	}

	q.seq++
	it := &item{taskID: taskID, priority: priority, seq: q.seq}
	if delay > 0 {
		it.readyAt = q.now().Add(delay)
		heap.Push(&q.delayed, it)
	} else {
		it.isReady = true
		heap.Push(&q.ready, it)
	}
	q.index[taskID] = it
	q.signal()
	return nil
}

// Dequeue blocks until a slot is free and an eligible item exists, then
// takes the slot and returns the item's task id.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		now := q.now()
		q.promote(now)

		if q.running < q.maxConcurrent && q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*item)
			delete(q.index, it.taskID)
			q.running++
			q.mu.Unlock()
			return it.taskID, nil
		}

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if q.running < q.maxConcurrent && q.delayed.Len() > 0 {
			timer = time.NewTimer(q.delayed[0].readyAt.Sub(now))
			timerC = timer.C
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return "", ctx.Err()
		case <-changed:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Acquire takes a slot without dequeuing. It is used by an execution that
// gave its slot back while waiting and is about to run again.
func (q *Queue) Acquire(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.running < q.maxConcurrent {
			q.running++
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Release returns a slot taken by Dequeue or Acquire.
func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running > 0 {
		q.running--
	}
	q.signal()
}

// Cancel removes a task that has not been dispatched yet.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[taskID]
	if !ok {
		return false
	}
	if it.isReady {
		heap.Remove(&q.ready, it.index)
	} else {
		heap.Remove(&q.delayed, it.index)
	}
	delete(q.index, taskID)
	return true
}

func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[taskID]
	return ok
}

// Len is the number of waiting items, delayed ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
		it := heap.Pop(&q.delayed).(*item)
		it.isReady = true
		heap.Push(&q.ready, it)
	}
}

// signal wakes every waiter. q.mu is held.
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}
