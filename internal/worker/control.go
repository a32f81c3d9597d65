package worker

import (
	"context"
	"sync"

	"github.com/podushkina/taskorchestrator/internal/task"
)

type runState int

const (
	stateRunning runState = iota
	statePaused
	stateCancelled
)

// control tracks the pause/cancel state shared by a handle and its run.
type control struct {
	mu      sync.Mutex
	state   runState
	changed chan struct{}
}

func newControl() *control {
	return &control{changed: make(chan struct{})}
}

func (c *control) set(s runState) (changed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == s {
		return false, nil
	}
	if c.state == stateCancelled {
		return false, ErrHandleClosed
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	return true, nil
}

func (c *control) pause() (bool, error)  { return c.set(statePaused) }
func (c *control) resume() (bool, error) { return c.set(stateRunning) }

func (c *control) cancel() bool {
	changed, _ := c.set(stateCancelled)
	return changed
}

func (c *control) cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateCancelled
}

// wait blocks while paused. It returns ErrCancelled once cancelled.
func (c *control) wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()

		switch state {
		case stateRunning:
			return nil
		case stateCancelled:
			return ErrCancelled
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// guard forwards raw to out and enforces the terminated contract: anything
// after the first EventTerminated is discarded, and a stream that ends
// without one yields a worker_crashed failure. It stops forwarding once done
// is closed.
func guard(raw <-chan Event, out chan<- Event, done <-chan struct{}) {
	defer close(out)

	terminated := false
	for ev := range raw {
		if terminated {
			continue
		}
		if ev.Type == EventTerminated {
			terminated = true
		}
		select {
		case out <- ev:
		case <-done:
			drain(raw)
			return
		}
	}

	if terminated {
		return
	}
	select {
	case out <- Failed(task.FailureWorkerCrashed, errWorkerExited):
	case <-done:
	}
}

func drain(ch <-chan Event) {
	for range ch {
	}
}
