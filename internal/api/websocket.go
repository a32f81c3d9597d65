package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/podushkina/taskorchestrator/internal/broadcast"
	"github.com/podushkina/taskorchestrator/internal/orchestrator"
	"github.com/podushkina/taskorchestrator/internal/task"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Subscribe streams a task's events over a websocket. It subscribes before
// reading the task and its step history, then skips live steps already sent,
// so the client sees every step exactly once and in order.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub := h.svc.Subscribe(id)
	defer h.svc.Unsubscribe(sub)

	current, err := h.svc.Task(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readLoop(conn, cancel)

	logger := h.logger.With("task_id", id, "subscription", sub.ID)
	logger.Debug("subscriber connected")

	history, err := h.svc.Steps(ctx, id)
	if err != nil {
		logger.Error("failed to read step history", "error", err)
		return
	}

	seen := make(map[string]struct{}, len(history))
	snapshot := broadcast.Event{
		Type:      broadcast.EventStatusChange,
		TaskID:    id,
		Data:      orchestrator.StatusChange{Status: current.Status, RetryCount: current.RetryCount, FailureReason: current.FailureReason},
		Timestamp: current.UpdatedAt,
	}
	if err := writeEvent(conn, snapshot); err != nil {
		return
	}
	for i := range history {
		step := history[i]
		seen[step.ID] = struct{}{}
		if err := writeEvent(conn, broadcast.Event{Type: broadcast.EventStep, TaskID: id, Data: step, Timestamp: step.Timestamp}); err != nil {
			return
		}
	}

	if current.Status.Terminal() {
		// nothing more will be published; a late subscriber gets the outcome and a close
		closeNormal(conn)
		return
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Type == broadcast.EventStep {
				if step, ok := ev.Data.(*task.Step); ok {
					if _, dup := seen[step.ID]; dup {
						continue
					}
					seen[step.ID] = struct{}{}
				}
			}
			if err := writeEvent(conn, ev); err != nil {
				logger.Debug("subscriber write failed", "error", err)
				return
			}
			if ev.Type == broadcast.EventTerminated {
				closeNormal(conn)
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev broadcast.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readLoop discards client messages and cancels once the client goes away.
func readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
