package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/taskorchestrator/internal/task"
)

func newTask(payload string) *task.Task {
	return &task.Task{ID: "task-1", Status: task.StatusRunning, Payload: json.RawMessage(payload)}
}

// collect reads events until the channel closes.
func collect(t *testing.T, h Handle) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("event stream did not close, got %d events", len(events))
		}
	}
}

func next(t *testing.T, h Handle) Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker event")
	}
	return Event{}
}

func terminated(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == EventTerminated {
			out = append(out, ev)
		}
	}
	return out
}

func TestGuard_SynthesizesCrashWhenStreamEnds(t *testing.T) {
	raw := make(chan Event)
	out := make(chan Event, 4)
	go guard(raw, out, make(chan struct{}))

	raw <- Event{Type: EventStep, StepType: task.StepNavigate}
	close(raw)

	var got []Event
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, EventTerminated, got[1].Type)
	assert.Equal(t, OutcomeFailure, got[1].Outcome)
	assert.Equal(t, task.FailureWorkerCrashed, got[1].FailureKind)
}

func TestGuard_DropsEventsAfterTerminated(t *testing.T) {
	raw := make(chan Event, 4)
	out := make(chan Event, 4)

	raw <- Terminated(OutcomeSuccess)
	raw <- Event{Type: EventStep}
	raw <- Failed(task.FailureTransient, errors.New("late"))
	close(raw)
	guard(raw, out, make(chan struct{}))

	var got []Event
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, OutcomeSuccess, got[0].Outcome)
}

func TestControl_PauseResumeAreIdempotent(t *testing.T) {
	c := newControl()

	changed, err := c.pause()
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = c.pause()
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = c.resume()
	require.NoError(t, err)
	assert.True(t, changed)

	assert.True(t, c.cancel())
	assert.False(t, c.cancel())

	_, err = c.resume()
	assert.ErrorIs(t, err, ErrHandleClosed)
	assert.ErrorIs(t, c.wait(context.Background()), ErrCancelled)
}

func TestControl_WaitBlocksWhilePaused(t *testing.T) {
	c := newControl()
	_, err := c.pause()
	require.NoError(t, err)

	released := make(chan error, 1)
	go func() { released <- c.wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("wait returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = c.resume()
	require.NoError(t, err)
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after resume")
	}
}

func newLocal() *LocalAdapter {
	a := NewLocalAdapter(nil)
	RegisterBuiltins(a)
	return a
}

func TestLocalAdapter_SimulatedSuccess(t *testing.T) {
	h, err := newLocal().Start(context.Background(), newTask(`{"steps":2,"step_delay_ms":1}`))
	require.NoError(t, err)
	defer h.Kill()

	events := collect(t, h)
	require.NotEmpty(t, events)

	assert.Equal(t, EventSessionCreated, events[0].Type)
	assert.NotEmpty(t, events[0].ExternalSessionID)

	term := terminated(events)
	require.Len(t, term, 1)
	assert.Equal(t, OutcomeSuccess, term[0].Outcome)
	assert.JSONEq(t, `{"url":"https://example.com","steps":4}`, string(term[0].Result))
	assert.Equal(t, term[0], events[len(events)-1])
}

func TestLocalAdapter_OutcomeMapping(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		outcome Outcome
		kind    task.FailureKind
	}{
		{"transient", `{"steps":0,"fail":"transient"}`, OutcomeFailure, task.FailureTransient},
		{"permanent", `{"steps":0,"fail":"permanent"}`, OutcomeFailure, task.FailurePermanent},
		{"intervention", `{"steps":0,"fail":"intervention"}`, OutcomeInterventionNeeded, ""},
		{"bad payload", `{"steps":"many"}`, OutcomeFailure, task.FailurePermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := newLocal().Start(context.Background(), newTask(tt.payload))
			require.NoError(t, err)
			defer h.Kill()

			term := terminated(collect(t, h))
			require.Len(t, term, 1)
			assert.Equal(t, tt.outcome, term[0].Outcome)
			assert.Equal(t, tt.kind, term[0].FailureKind)
		})
	}
}

func TestLocalAdapter_UnknownRunner(t *testing.T) {
	_, err := newLocal().Start(context.Background(), newTask(`{"runner":"nope"}`))
	require.Error(t, err)
	assert.True(t, task.IsPermanent(err))
}

func TestLocalAdapter_CancelYieldsCancelledFailure(t *testing.T) {
	h, err := newLocal().Start(context.Background(), newTask(`{"runner":"slow","step_delay_ms":5}`))
	require.NoError(t, err)
	defer h.Kill()

	assert.Equal(t, EventStep, next(t, h).Type)

	require.NoError(t, h.Cancel(context.Background()))
	require.NoError(t, h.Cancel(context.Background()))

	term := terminated(collect(t, h))
	require.Len(t, term, 1)
	assert.Equal(t, task.FailureCancelled, term[0].FailureKind)

	_, err = h.Takeover(context.Background())
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestLocalAdapter_PauseHoldsSteps(t *testing.T) {
	h, err := newLocal().Start(context.Background(), newTask(`{"runner":"slow","step_delay_ms":5}`))
	require.NoError(t, err)
	defer h.Kill()

	next(t, h)
	require.NoError(t, h.Pause(context.Background()))
	require.NoError(t, h.Pause(context.Background()))

	// at most one step already in flight may still arrive
	drained := 0
	deadline := time.After(100 * time.Millisecond)
loop:
	for {
		select {
		case <-h.Events():
			drained++
		case <-deadline:
			break loop
		}
	}
	assert.LessOrEqual(t, drained, 2)

	require.NoError(t, h.Resume(context.Background()))
	assert.Equal(t, EventStep, next(t, h).Type)
}

func TestLocalAdapter_BlockedOnReportsIntervention(t *testing.T) {
	h, err := newLocal().Start(context.Background(), newTask(`{"steps":0,"intervention":"login wall"}`))
	require.NoError(t, err)
	defer h.Kill()

	var status Event
	for status.Type != EventStatusChanged {
		status = next(t, h)
	}
	assert.Equal(t, StatusInterventionNeeded, status.Status)
	assert.Equal(t, "login wall", status.Reason)

	handoff, err := h.Takeover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "task-1", handoff.TaskID)
	assert.NotEmpty(t, handoff.Token)
	assert.NotEmpty(t, handoff.SessionID)

	require.NoError(t, h.Resume(context.Background()))
	term := terminated(collect(t, h))
	require.Len(t, term, 1)
	assert.Equal(t, OutcomeSuccess, term[0].Outcome)
}

func TestLocalAdapter_KillClosesStream(t *testing.T) {
	h, err := newLocal().Start(context.Background(), newTask(`{"runner":"slow","step_delay_ms":5}`))
	require.NoError(t, err)

	next(t, h)
	h.Kill()
	h.Kill()

	select {
	case <-waitClosed(h):
	case <-time.After(time.Second):
		t.Fatal("event stream not closed after kill")
	}
}

func waitClosed(h Handle) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range h.Events() {
		}
	}()
	return done
}
