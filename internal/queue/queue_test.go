package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/taskorchestrator/internal/task"
)

func dequeue(t *testing.T, q *Queue, timeout time.Duration) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return q.Dequeue(ctx)
}

func TestQueue_EnqueueAndDequeue(t *testing.T) {
	q := New(2)

	require.NoError(t, q.Enqueue("t1", 0, 0))
	assert.Equal(t, 1, q.Len())

	id, err := dequeue(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, q.Running())

	q.Release()
	assert.Equal(t, 0, q.Running())
}

func TestQueue_FIFOWithinPriorityAndHigherPriorityFirst(t *testing.T) {
	q := New(10)

	require.NoError(t, q.Enqueue("low-1", 0, 0))
	require.NoError(t, q.Enqueue("low-2", 0, 0))
	require.NoError(t, q.Enqueue("high-1", 5, 0))
	require.NoError(t, q.Enqueue("low-3", 0, 0))
	require.NoError(t, q.Enqueue("high-2", 5, 0))

	var got []string
	for i := 0; i < 5; i++ {
		id, err := dequeue(t, q, time.Second)
		require.NoError(t, err)
		got = append(got, id)
	}

	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2", "low-3"}, got)
}

func TestQueue_DuplicateEnqueue(t *testing.T) {
	q := New(1)

	require.NoError(t, q.Enqueue("t1", 0, 0))
	err := q.Enqueue("t1", 0, 0)
	assert.ErrorIs(t, err, task.ErrAlreadyQueued)
}

func TestQueue_DequeueEmptyHonoursContext(t *testing.T) {
	q := New(1)

	id, err := dequeue(t, q, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, id)
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	q := New(2)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(id, 0, 0))
	}

	_, err := dequeue(t, q, time.Second)
	require.NoError(t, err)
	_, err = dequeue(t, q, time.Second)
	require.NoError(t, err)

	_, err = dequeue(t, q, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "no slot available")
	assert.Equal(t, 2, q.Running())

	result := make(chan string, 1)
	go func() {
		id, err := dequeue(t, q, 2*time.Second)
		if err == nil {
			result <- id
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Release()

	select {
	case id := <-result:
		assert.Equal(t, "c", id)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not resume after release")
	}
}

func TestQueue_DelayedItemNotEligibleUntilDue(t *testing.T) {
	q := New(1)

	require.NoError(t, q.Enqueue("later", 10, 80*time.Millisecond))
	require.NoError(t, q.Enqueue("now", 0, 0))

	id, err := dequeue(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "now", id, "delayed item must not jump ahead while not due")
	q.Release()

	start := time.Now()
	id, err = dequeue(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "later", id)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueue_FrozenClockKeepsDelayedItemWaiting(t *testing.T) {
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := New(1, WithClock(func() time.Time { return frozen }))

	require.NoError(t, q.Enqueue("t1", 0, time.Hour))

	_, err := dequeue(t, q, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, q.Contains("t1"))
}

func TestQueue_Cancel(t *testing.T) {
	q := New(1)

	require.NoError(t, q.Enqueue("ready", 0, 0))
	require.NoError(t, q.Enqueue("delayed", 0, time.Hour))
	require.NoError(t, q.Enqueue("keep", 0, 0))

	assert.True(t, q.Cancel("ready"))
	assert.True(t, q.Cancel("delayed"))
	assert.False(t, q.Cancel("ready"), "second cancel is a no-op")
	assert.False(t, q.Cancel("unknown"))

	id, err := dequeue(t, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "keep", id)

	assert.False(t, q.Cancel("keep"), "dispatched items cannot be cancelled")
	assert.Equal(t, 0, q.Len())
}

func TestQueue_AcquireWaitsForSlot(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Acquire(context.Background()))
	assert.Equal(t, 1, q.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Acquire(ctx), context.DeadlineExceeded)

	acquired := make(chan error, 1)
	go func() { acquired <- q.Acquire(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	q.Release()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not resume after release")
	}
	assert.Equal(t, 1, q.Running())

	require.NoError(t, q.Enqueue("a", 0, 0))
	_, err := dequeue(t, q, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "acquired slot is not free for dequeue")
}
