// Package stuck detects non-converging iteration loops and selects a
// recovery action.
package stuck

import (
	"fmt"
	"strings"

	"github.com/forge-run/forge/pkg/models"
)

// Detector defaults.
const (
	DefaultSameOutputThreshold = 3
	DefaultNoProgressThreshold = 5

	// noProgressWindow is the pass-rate spread below which iterations count
	// as making no progress.
	noProgressWindow = 0.05
)

// Patterns, in evaluation order.
const (
	PatternSameOutput     = "same-output"
	PatternNoProgress     = "no-progress"
	PatternRepeatingError = "repeating-error"
)

// Marker prefixes every recovery prompt suffix so transcripts are greppable.
const Marker = "STUCK DETECTED"

// Config holds the per-task thresholds.
type Config struct {
	SameOutputThreshold int
	NoProgressThreshold int
}

func (c Config) withDefaults() Config {
	if c.SameOutputThreshold <= 0 {
		c.SameOutputThreshold = DefaultSameOutputThreshold
	}
	if c.NoProgressThreshold <= 0 {
		c.NoProgressThreshold = DefaultNoProgressThreshold
	}
	return c
}

// Detection is the detector's verdict.
type Detection struct {
	IsStuck bool   `json:"isStuck"`
	Pattern string `json:"pattern,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Detect inspects the bounded history for the three stuck patterns, in
// order: same-output, no-progress, repeating-error.
func Detect(history []models.IterationRecord, cfg Config) Detection {
	cfg = cfg.withDefaults()

	if d := detectSameOutput(history, cfg.SameOutputThreshold); d.IsStuck {
		return d
	}
	if d := detectNoProgress(history, cfg.NoProgressThreshold); d.IsStuck {
		return d
	}
	return detectRepeatingError(history)
}

// detectSameOutput fires when the last n summaries are identical after
// case-folding and trimming.
func detectSameOutput(history []models.IterationRecord, n int) Detection {
	if len(history) < n {
		return Detection{}
	}
	window := history[len(history)-n:]
	first := normalizeSummary(window[0].Summary)
	if first == "" {
		return Detection{}
	}
	for _, rec := range window[1:] {
		if normalizeSummary(rec.Summary) != first {
			return Detection{}
		}
	}
	return Detection{
		IsStuck: true,
		Pattern: PatternSameOutput,
		Reason:  fmt.Sprintf("last %d iterations produced identical output", n),
	}
}

// detectNoProgress fires when the last m pass rates are flat (spread below
// the window), not already perfect, and at least one iteration evaluated any
// criteria. Without criteria results there is nothing to measure.
func detectNoProgress(history []models.IterationRecord, m int) Detection {
	if len(history) < m {
		return Detection{}
	}
	window := history[len(history)-m:]

	hasCriteria := false
	min, max := 1.0, 0.0
	for _, rec := range window {
		if len(rec.Criteria) > 0 {
			hasCriteria = true
		}
		rate := rec.PassRate()
		if rate < min {
			min = rate
		}
		if rate > max {
			max = rate
		}
	}
	if !hasCriteria {
		return Detection{}
	}
	if max-min >= noProgressWindow || max == 1 {
		return Detection{}
	}
	return Detection{
		IsStuck: true,
		Pattern: PatternNoProgress,
		Reason:  fmt.Sprintf("criteria pass rate flat at %.0f%% over %d iterations", max*100, m),
	}
}

// detectRepeatingError fires when the last three error-outcome iterations
// share an identical, known error message.
func detectRepeatingError(history []models.IterationRecord) Detection {
	var errs []string
	for _, rec := range history {
		if rec.Outcome == models.OutcomeError {
			errs = append(errs, rec.ErrorMessage)
		}
	}
	if len(errs) < 3 {
		return Detection{}
	}
	last := errs[len(errs)-3:]
	msg := last[0]
	if msg == "" || strings.EqualFold(msg, "unknown") {
		return Detection{}
	}
	if last[1] != msg || last[2] != msg {
		return Detection{}
	}
	return Detection{
		IsStuck: true,
		Pattern: PatternRepeatingError,
		Reason:  fmt.Sprintf("same error three times: %s", msg),
	}
}

func normalizeSummary(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Recovery is the action selected for a stuck detection.
type Recovery struct {
	Strategy models.RecoveryStrategy
	// Abort signals a terminal stuck transition.
	Abort bool
	// Rollback asks the driver to restore the latest checkpoint first.
	Rollback bool
	// PromptSuffix is appended to the task prompt for the next iteration.
	PromptSuffix string
}

// Recover maps the task's strategy onto a concrete action. hasCheckpoint
// lets rollback degrade to retry-variation when there is nothing to restore.
func Recover(strategy models.RecoveryStrategy, det Detection, hasCheckpoint bool) Recovery {
	switch strategy {
	case models.RecoveryAbort:
		return Recovery{Strategy: strategy, Abort: true}
	case models.RecoverySimplify:
		return Recovery{
			Strategy: strategy,
			PromptSuffix: fmt.Sprintf(
				"\n\n%s (%s): %s. Break the problem down and make one small, verifiable improvement this iteration.",
				Marker, det.Pattern, det.Reason),
		}
	case models.RecoveryRollback:
		if hasCheckpoint {
			return Recovery{
				Strategy: strategy,
				Rollback: true,
				PromptSuffix: fmt.Sprintf(
					"\n\n%s (%s): %s. The workspace has been restored to the last checkpoint; start fresh from there.",
					Marker, det.Pattern, det.Reason),
			}
		}
		fallthrough
	default: // retry-variation
		return Recovery{
			Strategy: models.RecoveryRetryVariation,
			PromptSuffix: fmt.Sprintf(
				"\n\n%s (%s): %s. Try a genuinely different approach from previous iterations.",
				Marker, det.Pattern, det.Reason),
		}
	}
}
