package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusPending, StatusRunning, StatusPaused, StatusInterventionNeeded,
	StatusCompleted, StatusFailed, StatusCancelled,
}

func TestValidateTransition_Graph(t *testing.T) {
	allowed := map[[2]Status]struct{}{
		{StatusPending, StatusRunning}:              {},
		{StatusRunning, StatusPaused}:               {},
		{StatusPaused, StatusRunning}:               {},
		{StatusRunning, StatusInterventionNeeded}:   {},
		{StatusInterventionNeeded, StatusRunning}:   {},
		{StatusRunning, StatusCompleted}:            {},
		{StatusRunning, StatusPending}:              {},
		{StatusRunning, StatusFailed}:               {},
		{StatusPending, StatusCancelled}:            {},
		{StatusRunning, StatusCancelled}:            {},
		{StatusPaused, StatusCancelled}:             {},
		{StatusInterventionNeeded, StatusCancelled}: {},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			err := ValidateTransition(from, to)
			if _, ok := allowed[[2]Status{from, to}]; ok {
				assert.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
		}
	}
}

func TestValidateTransition_TerminalStatesAreFinal(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, from.Terminal())
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to))
		}
	}
}

func TestValidateTransition_UnknownStatus(t *testing.T) {
	err := ValidateTransition("BOGUS", StatusRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, ok := ParseStatus("RUNNING")
	assert.True(t, ok)
	_, ok = ParseStatus("running")
	assert.False(t, ok)
}

func TestUpdateApply_CompletedAtSetOnce(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tsk := &Task{ID: "t1", Status: StatusRunning, CreatedAt: created}

	done := created.Add(time.Minute)
	Update{From: StatusRunning, To: StatusFailed, FailureReason: "boom"}.Apply(tsk, done)

	require.NotNil(t, tsk.CompletedAt)
	assert.Equal(t, done, *tsk.CompletedAt)
	assert.Equal(t, "boom", tsk.FailureReason)

	Update{From: StatusFailed, To: StatusFailed}.Apply(tsk, done.Add(time.Hour))
	assert.Equal(t, done, *tsk.CompletedAt)
}

func TestUpdateApply_RetryCount(t *testing.T) {
	tsk := &Task{Status: StatusRunning, RetryCount: 1}
	n := 2
	Update{From: StatusRunning, To: StatusPending, RetryCount: &n}.Apply(tsk, time.Now())

	assert.Equal(t, 2, tsk.RetryCount)
	assert.Nil(t, tsk.CompletedAt)
	assert.Empty(t, tsk.FailureReason)
}

func TestPermanent(t *testing.T) {
	base := errors.New("invalid vendor url")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}
