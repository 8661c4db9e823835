package domain

import (
	"fmt"
	"strings"
)

// Status for Jobs
type Status int

const (
	// Waiting in the queue, visible to the planner
	Pending Status = iota

	// Reserved by an executing plan
	Running

	// States below are end states
	// a Job in an end state will not change its state

	// Output collected
	Completed

	// Failed somewhere between upload and collect. A retry is a new Job.
	Failed

	// Withdrawn while still Pending
	Cancelled
)

var statusNames = [...]string{"Pending", "Running", "Completed", "Failed", "Cancelled"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus is the inverse of Status.String, case insensitive.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if strings.EqualFold(name, s) {
			return Status(i), nil
		}
	}
	return Pending, fmt.Errorf("unknown job status %q", s)
}

func (s Status) IsDone() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// CanTransition reports whether the job state machine allows s -> to.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case Pending:
		return to == Running || to == Cancelled
	case Running:
		return to == Completed || to == Failed
	default:
		return false
	}
}
