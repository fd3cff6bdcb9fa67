package campaign

import "fmt"

// Status is a stage's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusReady:   {},
		StatusFailed:  {},
		StatusSkipped: {},
	},
	StatusReady: {
		StatusRunning: {},
		StatusSkipped: {},
	},
	StatusRunning: {
		StatusSucceeded: {},
		StatusFailed:    {},
		StatusSkipped:   {},
	},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusSkipped:   {},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// ValidateTransition rejects moves the stage state machine does not allow.
func ValidateTransition(from, to Status) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid stage status: %q", from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("invalid stage status: %q", to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid stage transition: %s -> %s", from, to)
	}
	return nil
}

// Verdict summarizes a whole campaign run.
type Verdict string

const (
	// VerdictSucceeded means every stage succeeded.
	VerdictSucceeded Verdict = "succeeded"
	// VerdictPartial means some non-fatal stage failed or was skipped.
	VerdictPartial Verdict = "partial"
	// VerdictFailed means a stage configured as fatal failed.
	VerdictFailed Verdict = "failed"
	// VerdictAborted means a structural error stopped the campaign.
	VerdictAborted Verdict = "aborted"
)
