// Package resolver decides how a push that lost the optimistic-lock race is
// handled. It is pure: no storage, no clocks, exhaustively testable.
package resolver

import "github.com/forge-run/forge/pkg/models"

// Verdict is the resolver's decision.
type Verdict string

// Verdicts.
const (
	// ServerWins keeps the server row; the push is ignored without error.
	ServerWins Verdict = "SERVER_WINS"
	// PluginWins applies the pushing agent's update despite the version skew.
	PluginWins Verdict = "PLUGIN_WINS"
	// Reject refuses the push; the caller must pull and reconcile.
	Reject Verdict = "REJECT"
)

// Context describes one contested push.
type Context struct {
	// PluginIsActiveRunner is true when the pushing node holds the task's
	// current lock.
	PluginIsActiveRunner bool
	ServerState          models.TaskStatus
	PluginState          models.TaskStatus
	// ServerLockedByOther is true when the task is locked by a node other
	// than the pusher.
	ServerLockedByOther bool
}

// Resolve applies the arbitration rules in order:
//
//  1. A terminal server row is never overwritten.
//  2. The active lock holder wins if its transition is valid from the
//     server's status.
//  3. A running task locked by somebody else rejects foreign pushes.
//  4. Equal states are an idempotent retry; the push wins as a no-op.
//  5. Everything else defers to the server.
func Resolve(c Context) Verdict {
	if c.ServerState.IsTerminal() {
		return Reject
	}
	if c.PluginIsActiveRunner && models.CanTransition(c.ServerState, c.PluginState) {
		return PluginWins
	}
	if c.ServerState == models.StatusRunning && c.ServerLockedByOther {
		return Reject
	}
	if c.ServerState == c.PluginState {
		return PluginWins
	}
	return ServerWins
}
