package retry

import (
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/podushkina/taskorchestrator/internal/task"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 30 * time.Second
	DefaultMaxDelay   = 5 * time.Minute
)

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Decision struct {
	Retry bool
	Delay time.Duration
}

func Default() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// ShouldRetry decides whether a failed attempt of t is retried. It only looks
// at t.RetryCount, so the answer is the same for the same input.
func (p Policy) ShouldRetry(t *task.Task, kind task.FailureKind) Decision {
	if t == nil || t.Status.Terminal() {
		return Decision{}
	}
	switch kind {
	case task.FailureTransient, task.FailureWorkerCrashed:
	default:
		return Decision{}
	}
	if t.RetryCount >= p.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(t.RetryCount)}
}

// Delay returns base*2^retryCount capped at MaxDelay.
func (p Policy) Delay(retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	b := p.newBackOff()
	delay := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		delay = next
	}
	return delay
}

// newBackOff builds a clock-free, jitter-free exponential sequence.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	maxDelay := p.MaxDelay
	if maxDelay < p.BaseDelay {
		maxDelay = p.BaseDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
