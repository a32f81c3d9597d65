//go:build !windows

package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/taskorchestrator/internal/task"
)

func shellAdapter(script string) *ProcessAdapter {
	return NewProcessAdapter(ProcessConfig{
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		KillGrace: 200 * time.Millisecond,
	}, nil)
}

func TestProcessAdapter_TranslatesEvents(t *testing.T) {
	script := `read start
echo '{"type":"session","session_id":"ext-1","live_view_url":"https://live/1"}'
echo 'chromium starting up'
echo '{"type":"step","step_type":"navigate","content":{"url":"https://example.com"},"duration_ms":12}'
echo '{"type":"step","step_type":"teleport"}'
echo '{"type":"terminated","outcome":"success","result":{"ok":true}}'
`
	h, err := shellAdapter(script).Start(context.Background(), newTask(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	defer h.Kill()

	events := collect(t, h)
	require.Len(t, events, 3)

	assert.Equal(t, EventSessionCreated, events[0].Type)
	assert.Equal(t, "ext-1", events[0].ExternalSessionID)

	assert.Equal(t, EventStep, events[1].Type)
	assert.Equal(t, task.StepNavigate, events[1].StepType)
	require.NotNil(t, events[1].DurationMS)
	assert.Equal(t, int64(12), *events[1].DurationMS)

	assert.Equal(t, OutcomeSuccess, events[2].Outcome)
	assert.JSONEq(t, `{"ok":true}`, string(events[2].Result))
}

func TestProcessAdapter_ExitWithoutTerminatedIsCrash(t *testing.T) {
	h, err := shellAdapter(`read start; echo '{"type":"step","step_type":"thinking"}'; exit 3`).
		Start(context.Background(), newTask(`{}`))
	require.NoError(t, err)
	defer h.Kill()

	term := terminated(collect(t, h))
	require.Len(t, term, 1)
	assert.Equal(t, task.FailureWorkerCrashed, term[0].FailureKind)
}

func TestProcessAdapter_CancelIsForwarded(t *testing.T) {
	script := `read start
while read cmd; do
  case "$cmd" in
    *cancel*) echo '{"type":"terminated","outcome":"failure","failure_kind":"cancelled"}'; exit 0;;
  esac
done
`
	h, err := shellAdapter(script).Start(context.Background(), newTask(`{}`))
	require.NoError(t, err)
	defer h.Kill()

	require.NoError(t, h.Pause(context.Background()))
	require.NoError(t, h.Cancel(context.Background()))
	require.NoError(t, h.Cancel(context.Background()))

	term := terminated(collect(t, h))
	require.Len(t, term, 1)
	assert.Equal(t, task.FailureCancelled, term[0].FailureKind)
}

// echoCommands reports every stdin command as an observation step and
// stops on cancel.
const echoCommands = `read -r start
while read -r cmd; do
  echo "{\"type\":\"step\",\"step_type\":\"observation\",\"content\":$cmd}"
  case "$cmd" in
    *cancel*) echo '{"type":"terminated","outcome":"failure","failure_kind":"cancelled"}'; exit 0;;
  esac
done
`

func receivedCommands(t *testing.T, events []Event) []string {
	t.Helper()
	var out []string
	for _, ev := range events {
		if ev.Type != EventStep {
			continue
		}
		var c command
		require.NoError(t, json.Unmarshal(ev.Content, &c))
		out = append(out, c.Command)
	}
	return out
}

func TestProcessAdapter_PauseResumeForwardedOnce(t *testing.T) {
	h, err := shellAdapter(echoCommands).Start(context.Background(), newTask(`{}`))
	require.NoError(t, err)
	defer h.Kill()

	ctx := context.Background()
	require.NoError(t, h.Pause(ctx))
	require.NoError(t, h.Pause(ctx))
	require.NoError(t, h.Resume(ctx))
	require.NoError(t, h.Resume(ctx))
	require.NoError(t, h.Cancel(ctx))
	require.NoError(t, h.Cancel(ctx))

	events := collect(t, h)
	assert.Equal(t, []string{"pause", "resume", "cancel"}, receivedCommands(t, events))
	require.Len(t, terminated(events), 1)
}

func TestProcessAdapter_ResumeAfterReportedIntervention(t *testing.T) {
	script := `read -r start
echo '{"type":"status","status":"intervention_needed","reason":"captcha"}'
while read -r cmd; do
  case "$cmd" in
    *resume*) echo '{"type":"terminated","outcome":"success","result":{"solved":true}}'; exit 0;;
  esac
done
`
	h, err := shellAdapter(script).Start(context.Background(), newTask(`{}`))
	require.NoError(t, err)
	defer h.Kill()

	ev := next(t, h)
	require.Equal(t, EventStatusChanged, ev.Type)
	assert.Equal(t, StatusInterventionNeeded, ev.Status)
	assert.Equal(t, "captcha", ev.Reason)

	require.NoError(t, h.Resume(context.Background()))

	term := terminated(collect(t, h))
	require.Len(t, term, 1)
	assert.Equal(t, OutcomeSuccess, term[0].Outcome)
	assert.JSONEq(t, `{"solved":true}`, string(term[0].Result))
}

func TestProcessAdapter_KillStopsProcessGroup(t *testing.T) {
	h, err := shellAdapter(`read start; sleep 30`).Start(context.Background(), newTask(`{}`))
	require.NoError(t, err)

	h.Kill()
	term := terminated(collect(t, h))
	assert.LessOrEqual(t, len(term), 1)
}

func TestProcessAdapter_MissingCommand(t *testing.T) {
	_, err := NewProcessAdapter(ProcessConfig{}, nil).Start(context.Background(), newTask(`{}`))
	require.Error(t, err)
	assert.True(t, task.IsPermanent(err))
}
