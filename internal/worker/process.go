package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/podushkina/taskorchestrator/internal/task"
)

const (
	defaultKillGrace = 5 * time.Second
	maxLineSize      = 1 << 20
)

// ProcessConfig describes the external automation worker. The process reads
// JSON-line commands on stdin and writes JSON-line events on stdout.
type ProcessConfig struct {
	Command   string
	Args      []string
	Env       map[string]string
	Dir       string
	KillGrace time.Duration
}

type ProcessAdapter struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

func NewProcessAdapter(cfg ProcessConfig, logger *slog.Logger) *ProcessAdapter {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessAdapter{cfg: cfg, logger: logger.With("component", "process_worker")}
}

type command struct {
	Command string          `json:"command"`
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Token   string          `json:"token,omitempty"`
}

// wireEvent is one stdout line.
type wireEvent struct {
	Type        string          `json:"type"`
	StepType    string          `json:"step_type"`
	Content     json.RawMessage `json:"content"`
	DurationMS  *int64          `json:"duration_ms"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason"`
	SessionID   string          `json:"session_id"`
	LiveViewURL string          `json:"live_view_url"`
	Outcome     string          `json:"outcome"`
	FailureKind string          `json:"failure_kind"`
	Error       string          `json:"error"`
	Result      json.RawMessage `json:"result"`
}

func (w wireEvent) event() (Event, error) {
	now := time.Now()
	switch w.Type {
	case "step":
		st := task.StepType(w.StepType)
		if !st.Valid() {
			return Event{}, fmt.Errorf("unknown step type %q", w.StepType)
		}
		return Event{Type: EventStep, StepType: st, Content: w.Content, DurationMS: w.DurationMS, At: now}, nil
	case "status":
		return Event{Type: EventStatusChanged, Status: w.Status, Reason: w.Reason, At: now}, nil
	case "session":
		return Event{Type: EventSessionCreated, ExternalSessionID: w.SessionID, LiveViewURL: w.LiveViewURL, At: now}, nil
	case "terminated":
		ev := Terminated(Outcome(w.Outcome))
		switch ev.Outcome {
		case OutcomeSuccess:
			ev.Result = w.Result
		case OutcomeInterventionNeeded:
			ev.Error = w.Error
		case OutcomeFailure:
			ev.FailureKind = task.FailureKind(w.FailureKind)
			if ev.FailureKind == "" {
				ev.FailureKind = task.FailureTransient
			}
			ev.Error = w.Error
		default:
			return Event{}, fmt.Errorf("unknown outcome %q", w.Outcome)
		}
		return ev, nil
	}
	return Event{}, fmt.Errorf("unknown event type %q", w.Type)
}

func (a *ProcessAdapter) Start(ctx context.Context, t *task.Task) (Handle, error) {
	if a.cfg.Command == "" {
		return nil, task.Permanent(errors.New("worker command is not configured"))
	}

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.Dir
	if len(a.cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range a.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	logger := a.logger.With("task_id", t.ID, "pid", cmd.Process.Pid)
	h := &processHandle{
		taskID: t.ID,
		cmd:    cmd,
		stdin:  stdin,
		ctl:    newControl(),
		grace:  a.cfg.KillGrace,
		logger: logger,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		events: make(chan Event, 16),
	}

	raw := make(chan Event)
	go guard(raw, h.events, h.done)
	go h.logStderr(stderr)
	go func() {
		defer close(raw)
		h.read(stdout, raw)
		err := cmd.Wait()
		close(h.exited)
		logger.Debug("worker process exited", "error", err)
	}()
	go func() {
		select {
		case <-ctx.Done():
			h.Kill()
		case <-h.exited:
		}
	}()

	if err := h.send(command{Command: "start", TaskID: t.ID, Payload: t.Payload}); err != nil {
		h.Kill()
		return nil, fmt.Errorf("send start: %w", err)
	}
	return h, nil
}

type processHandle struct {
	taskID string
	cmd    *exec.Cmd
	ctl    *control
	grace  time.Duration
	logger *slog.Logger
	events chan Event

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu          sync.Mutex
	session     string
	liveViewURL string

	killOnce sync.Once
	done     chan struct{}
	exited   chan struct{}
}

func (h *processHandle) Events() <-chan Event { return h.events }

func (h *processHandle) read(stdout io.Reader, raw chan<- Event) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var w wireEvent
		if err := json.Unmarshal(line, &w); err != nil {
			h.logger.Debug("ignoring worker output", "line", string(line))
			continue
		}
		ev, err := w.event()
		if err != nil {
			h.logger.Warn("dropping worker event", "error", err)
			continue
		}
		switch {
		case ev.Type == EventSessionCreated:
			h.mu.Lock()
			h.session = ev.ExternalSessionID
			h.liveViewURL = ev.LiveViewURL
			h.mu.Unlock()
		case ev.Type == EventStatusChanged && ev.Status == StatusInterventionNeeded:
			// the worker is blocked until it reads a resume command
			_, _ = h.ctl.pause()
		}
		raw <- ev
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("reading worker output", "error", err)
	}
}

func (h *processHandle) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		h.logger.Debug("worker stderr", "line", scanner.Text())
	}
}

func (h *processHandle) send(c command) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	select {
	case <-h.exited:
		return ErrHandleClosed
	default:
	}
	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrHandleClosed, err)
	}
	return nil
}

func (h *processHandle) Pause(ctx context.Context) error {
	changed, err := h.ctl.pause()
	if err != nil || !changed {
		return err
	}
	return h.send(command{Command: "pause"})
}

func (h *processHandle) Resume(ctx context.Context) error {
	changed, err := h.ctl.resume()
	if err != nil || !changed {
		return err
	}
	return h.send(command{Command: "resume"})
}

func (h *processHandle) Cancel(ctx context.Context) error {
	if !h.ctl.cancel() {
		return nil
	}
	if err := h.send(command{Command: "cancel"}); err != nil && !errors.Is(err, ErrHandleClosed) {
		return err
	}
	return nil
}

func (h *processHandle) Takeover(ctx context.Context) (Handoff, error) {
	if h.ctl.cancelled() {
		return Handoff{}, ErrHandleClosed
	}
	token := ksuid.New().String()
	if err := h.send(command{Command: "takeover", Token: token}); err != nil {
		return Handoff{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return Handoff{
		TaskID:      h.taskID,
		SessionID:   h.session,
		LiveViewURL: h.liveViewURL,
		Token:       token,
		ExpiresAt:   time.Now().Add(HandoffTTL).UTC(),
	}, nil
}

// Kill asks the process group to stop and force-kills it after the grace
// period.
func (h *processHandle) Kill() {
	h.killOnce.Do(func() {
		h.ctl.cancel()
		close(h.done)

		h.writeMu.Lock()
		_ = h.stdin.Close()
		h.writeMu.Unlock()

		select {
		case <-h.exited:
			return
		default:
		}
		terminateProcess(h.cmd)
		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.exited:
			case <-timer.C:
				h.logger.Warn("worker ignored SIGTERM, killing")
				killProcess(h.cmd)
			}
		}()
	})
}
