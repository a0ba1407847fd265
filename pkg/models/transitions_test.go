package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func allStatuses() []TaskStatus {
	return []TaskStatus{
		StatusPending, StatusQueued, StatusBlocked, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusAborted, StatusStuck, StatusSkipped,
	}
}

func TestCanTransition_TerminalStatesAdmitNothing(t *testing.T) {
	for _, from := range []TaskStatus{StatusCompleted, StatusFailed, StatusAborted, StatusSkipped} {
		for _, to := range allStatuses() {
			assert.False(t, CanTransition(from, to), "%s -> %s must be forbidden", from, to)
		}
	}
}

func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusBlocked, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusRunning, false},
		{StatusPending, StatusCompleted, false},
		{StatusBlocked, StatusQueued, true},
		{StatusBlocked, StatusRunning, false},
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusAborted, true},
		{StatusQueued, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusStuck, true},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusQueued, false},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusAborted, true},
		{StatusPaused, StatusCompleted, false},
		{StatusStuck, StatusRunning, true},
		{StatusStuck, StatusFailed, true},
		{StatusStuck, StatusAborted, true},
		{StatusStuck, StatusCompleted, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		StatusCompleted: true, StatusFailed: true, StatusAborted: true, StatusSkipped: true,
	}
	for _, s := range allStatuses() {
		assert.Equal(t, terminal[s], s.IsTerminal(), "status %s", s)
	}
}

func TestStatusValidator(t *testing.T) {
	for _, s := range allStatuses() {
		assert.NoError(t, StatusValidator(s))
	}
	assert.Error(t, StatusValidator("done"))
	assert.Error(t, StatusValidator(""))
}
