package task

import "fmt"

var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusPaused:             {},
		StatusInterventionNeeded: {},
		StatusCompleted:          {},
		StatusPending:            {},
		StatusFailed:             {},
		StatusCancelled:          {},
	},
	StatusPaused: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusInterventionNeeded: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func ValidateTransition(from, to Status) error {
	next, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if _, ok := transitions[to]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func CanTransition(from, to Status) bool {
	return ValidateTransition(from, to) == nil
}
