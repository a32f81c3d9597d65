package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
)

type EventType string

const (
	EventStep           EventType = "step"
	EventStatusChange   EventType = "status_change"
	EventSessionCreated EventType = "session_created"
	EventTerminated     EventType = "terminated"
)

const DefaultBuffer = 64

type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// critical events evict the oldest buffered event instead of being dropped.
func (e Event) critical() bool {
	return e.Type == EventStatusChange || e.Type == EventTerminated
}

type Subscription struct {
	ID     string
	TaskID string
	C      <-chan Event

	ch chan Event
}

// Broadcaster fans task events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full loses events, the publisher never waits.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*Subscription
	buffer  int
	logger  *slog.Logger
	metrics *Metrics

	sent    atomic.Int64
	dropped atomic.Int64
}

type Options struct {
	Buffer  int
	Logger  *slog.Logger
	Metrics *Metrics
}

func New(opts Options) *Broadcaster {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broadcaster{
		subs:    make(map[string]map[string]*Subscription),
		buffer:  opts.Buffer,
		logger:  opts.Logger.With("component", "broadcaster"),
		metrics: opts.Metrics,
	}
}

func (b *Broadcaster) Subscribe(taskID string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{
		ID:     ksuid.New().String(),
		TaskID: taskID,
		C:      ch,
		ch:     ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[string]*Subscription)
	}
	b.subs[taskID][sub.ID] = sub
	b.metrics.subscribed()
	b.logger.Debug("subscriber registered", "task_id", taskID, "subscription", sub.ID, "total", len(b.subs[taskID]))
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it twice is safe.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.TaskID]
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	close(sub.ch)
	b.metrics.unsubscribed()
	if len(subs) == 0 {
		delete(b.subs, sub.TaskID)
	}
	b.logger.Debug("subscriber removed", "task_id", sub.TaskID, "subscription", sub.ID, "remaining", len(subs))
}

func (b *Broadcaster) Publish(taskID string, ev Event) {
	ev.TaskID = taskID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// The write lock keeps per-task order when publishers race and makes
	// the evict-then-send sequence below atomic per subscriber.
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[taskID] {
		b.deliver(sub, ev)
	}
}

func (b *Broadcaster) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		b.sent.Add(1)
		b.metrics.sent()
		return
	default:
	}

	if ev.critical() {
		select {
		case <-sub.ch:
			b.dropped.Add(1)
			b.metrics.dropped()
		default:
		}
		select {
		case sub.ch <- ev:
			b.sent.Add(1)
			b.metrics.sent()
			return
		default:
		}
	}

	b.dropped.Add(1)
	b.metrics.dropped()
	b.logger.Warn("subscriber buffer full, dropping event", "task_id", sub.TaskID, "subscription", sub.ID, "type", ev.Type)
}

func (b *Broadcaster) SubscriberCount(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[taskID])
}

type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Tasks   int   `json:"tasks"`
}

func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	tasks := len(b.subs)
	b.mu.RUnlock()
	return Stats{Sent: b.sent.Load(), Dropped: b.dropped.Load(), Tasks: tasks}
}
