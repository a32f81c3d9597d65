package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBroadcaster_FanOutToTaskSubscribers(t *testing.T) {
	b := New(Options{})
	s1 := b.Subscribe("t1")
	s2 := b.Subscribe("t1")
	other := b.Subscribe("t2")

	b.Publish("t1", Event{Type: EventStep, Data: "navigate"})

	for _, sub := range []*Subscription{s1, s2} {
		ev := receive(t, sub)
		assert.Equal(t, EventStep, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
		assert.False(t, ev.Timestamp.IsZero())
	}

	select {
	case ev := <-other.C:
		t.Fatalf("unexpected event for other task: %+v", ev)
	default:
	}
}

func TestBroadcaster_PreservesPerTaskOrder(t *testing.T) {
	b := New(Options{Buffer: 100})
	sub := b.Subscribe("t1")

	for i := 0; i < 50; i++ {
		b.Publish("t1", Event{Type: EventStep, Data: i})
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, i, receive(t, sub).Data)
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(Options{Buffer: 2})
	slow := b.Subscribe("t1")
	fast := b.Subscribe("t1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish("t1", Event{Type: EventStep, Data: i})
			<-fast.C
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Len(t, slow.C, 2)
	assert.Equal(t, int64(8), b.Stats().Dropped)
}

func TestBroadcaster_CriticalEventEvictsOldest(t *testing.T) {
	b := New(Options{Buffer: 2})
	sub := b.Subscribe("t1")

	b.Publish("t1", Event{Type: EventStep, Data: 1})
	b.Publish("t1", Event{Type: EventStep, Data: 2})
	b.Publish("t1", Event{Type: EventStep, Data: 3})
	b.Publish("t1", Event{Type: EventStatusChange, Data: "COMPLETED"})

	first := receive(t, sub)
	second := receive(t, sub)
	assert.Equal(t, 2, first.Data)
	assert.Equal(t, EventStatusChange, second.Type)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := New(Options{})
	sub := b.Subscribe("t1")
	assert.Equal(t, 1, b.SubscriberCount("t1"))

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount("t1"))

	b.Publish("t1", Event{Type: EventStep})
}

func TestBroadcaster_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	again := NewMetrics(reg)

	b := New(Options{Buffer: 1, Metrics: m})
	sub := b.Subscribe("t1")
	b.Publish("t1", Event{Type: EventStep})
	b.Publish("t1", Event{Type: EventStep})

	assert.Equal(t, 1.0, testutil.ToFloat64(again.events.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptions))

	b.Unsubscribe(sub)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.subscriptions))
}

func ExampleBroadcaster() {
	b := New(Options{})
	sub := b.Subscribe("task-1")
	defer b.Unsubscribe(sub)

	b.Publish("task-1", Event{Type: EventStatusChange, Data: "RUNNING"})
	ev := <-sub.C
	fmt.Println(ev.Type, ev.Data)
	// Output: status_change RUNNING
}
