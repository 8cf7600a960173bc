package job

import (
	"errors"
	"fmt"

	"backtestd/internal/domain"
)

// ErrIllegalTransition is returned for a state change the lifecycle does not
// allow.
var ErrIllegalTransition = errors.New("illegal job state transition")

// transitions is the job lifecycle. Terminal states have no entry.
var transitions = map[domain.JobState][]domain.JobState{
	domain.JobQueued:  {domain.JobRunning, domain.JobCancelled},
	domain.JobRunning: {domain.JobSucceeded, domain.JobFailed, domain.JobCancelled},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to domain.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition when from -> to is not
// allowed.
func CheckTransition(from, to domain.JobState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}
	return nil
}
