package models

import (
	"fmt"
	"strings"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusProcessing: true, // Queued → Processing (worker picks up job)
		JobStatusCompleted:  true, // Queued → Completed (processing update never seen)
		JobStatusFailed:     true, // Queued → Failed (rejected before processing)
	},
	JobStatusProcessing: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(status JobStatus) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// IsKnownStatus reports whether status is one of the pipeline states
func IsKnownStatus(status JobStatus) bool {
	_, ok := validTransitions[status]
	return ok
}

// ParseStatus normalizes a status string sent by the service
func ParseStatus(s string) JobStatus {
	return JobStatus(strings.ToUpper(strings.TrimSpace(s)))
}
