package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/taskorchestrator/internal/task"
	"github.com/podushkina/taskorchestrator/internal/worker"
)

type wsEvent struct {
	Type   string          `json:"type"`
	TaskID string          `json:"task_id"`
	Data   json.RawMessage `json:"data"`
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev wsEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestSubscribe_HistoryThenLive(t *testing.T) {
	e := setupTestEnv(t, RateLimitConfig{})
	gate := make(chan struct{})
	e.adapter.Register("gated", func(ctx context.Context, r *worker.Run) error {
		if err := r.Step(ctx, task.StepNavigate, map[string]int{"n": 1}); err != nil {
			return err
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := r.Step(ctx, task.StepClick, map[string]int{"n": 2}); err != nil {
			return err
		}
		return r.Step(ctx, task.StepCompleted, map[string]int{"n": 3})
	})
	e.run(t)

	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	id := e.create(t, `{"runner":"gated"}`, "")
	require.Eventually(t, func() bool {
		steps, err := e.orch.Steps(context.Background(), id)
		return err == nil && len(steps) == 1
	}, 3*time.Second, 5*time.Millisecond)

	conn := dial(t, srv, id)

	snapshot := readEvent(t, conn)
	assert.Equal(t, "status_change", snapshot.Type)
	assert.Equal(t, id, snapshot.TaskID)
	assert.Contains(t, string(snapshot.Data), `"RUNNING"`)

	first := readEvent(t, conn)
	assert.Equal(t, "step", first.Type)
	var step task.Step
	require.NoError(t, json.Unmarshal(first.Data, &step))
	assert.Equal(t, task.StepNavigate, step.Type)

	close(gate)

	var types []string
	var stepIDs []string
	for {
		ev := readEvent(t, conn)
		types = append(types, ev.Type)
		if ev.Type == "step" {
			var s task.Step
			require.NoError(t, json.Unmarshal(ev.Data, &s))
			stepIDs = append(stepIDs, s.ID)
		}
		if ev.Type == "terminated" {
			break
		}
	}
	assert.Equal(t, []string{"step", "step", "status_change", "terminated"}, types)
	assert.NotContains(t, stepIDs, step.ID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestSubscribe_FinishedTaskReplaysAndCloses(t *testing.T) {
	e := setupTestEnv(t, RateLimitConfig{})
	e.run(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	id := e.create(t, `{"runner":"simulated","steps":1,"step_delay_ms":1}`, "")
	e.waitStatus(t, id, task.StatusCompleted)

	conn := dial(t, srv, id)
	snapshot := readEvent(t, conn)
	assert.Contains(t, string(snapshot.Data), `"COMPLETED"`)

	steps := 0
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
			break
		}
		assert.Equal(t, "step", ev.Type)
		steps++
	}
	assert.Equal(t, 3, steps)
}

func TestSubscribe_UnknownTask(t *testing.T) {
	e := setupTestEnv(t, RateLimitConfig{})
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
