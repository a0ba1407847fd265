package models

// transitions is the complete table of permitted status transitions. It is a
// table, not logic, so tests can enumerate it.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusQueued, StatusBlocked, StatusSkipped},
	StatusBlocked: {StatusQueued, StatusSkipped},
	StatusQueued:  {StatusRunning, StatusPaused, StatusAborted, StatusSkipped},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusStuck, StatusAborted},
	StatusPaused:  {StatusRunning, StatusAborted},
	// stuck exits only via intervention.
	StatusStuck: {StatusRunning, StatusFailed, StatusAborted},
}

// CanTransition reports whether from → to is a permitted transition.
// Terminal states admit nothing.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the permitted targets from a given status.
// The returned slice is shared; callers must not mutate it.
func AllowedTransitions(from TaskStatus) []TaskStatus {
	return transitions[from]
}
