package models

import "time"

// IterationOutcome classifies a single pass of the agent driver.
type IterationOutcome string

// Iteration outcomes.
const (
	OutcomeProgress   IterationOutcome = "progress"
	OutcomeStuck      IterationOutcome = "stuck"
	OutcomeError      IterationOutcome = "error"
	OutcomeGateFailed IterationOutcome = "gate-failed"
)

// CriterionResult is the outcome of evaluating one criterion.
type CriterionResult struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Passed bool   `json:"passed"`
	// Error carries a short failure description; evaluation errors never
	// abort the batch.
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// IterationRecord is owned by the agent and replicated to the coordinator on
// progress reports.
type IterationRecord struct {
	Sequence     int               `json:"sequence"`
	StartedAt    time.Time         `json:"startedAt"`
	EndedAt      time.Time         `json:"endedAt"`
	DurationMS   int64             `json:"durationMs"`
	Tokens       int64             `json:"tokens"`
	Outcome      IterationOutcome  `json:"outcome"`
	Criteria     []CriterionResult `json:"criteria,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	FilesChanged []string          `json:"filesChanged,omitempty"`
}

// PassRate returns the fraction of criteria that passed, or 0 when the
// iteration recorded no criteria.
func (r *IterationRecord) PassRate() float64 {
	if len(r.Criteria) == 0 {
		return 0
	}
	passed := 0
	for _, c := range r.Criteria {
		if c.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(r.Criteria))
}
