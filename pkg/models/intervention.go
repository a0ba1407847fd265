package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// InterventionType is an operator command applied to a task.
type InterventionType string

// Intervention types. PAUSE and ABORT are cooperative: they are queued and
// delivered to the lock holder on its next heartbeat. The rest apply
// immediately on the coordinator.
const (
	InterventionPause       InterventionType = "PAUSE"
	InterventionAbort       InterventionType = "ABORT"
	InterventionReleaseLock InterventionType = "RELEASE_LOCK"
	InterventionForceStatus InterventionType = "FORCE_STATUS"
	InterventionRetry       InterventionType = "RETRY"
)

// InterventionTypeValidator reports whether t is a known intervention type.
func InterventionTypeValidator(t InterventionType) error {
	switch t {
	case InterventionPause, InterventionAbort, InterventionReleaseLock,
		InterventionForceStatus, InterventionRetry:
		return nil
	}
	return fmt.Errorf("invalid intervention type: %q", t)
}

// InterventionStatus is the processing state of an intervention.
type InterventionStatus string

// Intervention statuses.
const (
	InterventionPending  InterventionStatus = "pending"
	InterventionApplied  InterventionStatus = "applied"
	InterventionRejected InterventionStatus = "rejected"
)

// ForceStatusParams accompany FORCE_STATUS.
type ForceStatusParams struct {
	Status TaskStatus `json:"status"`
}

// RetryParams accompany RETRY.
type RetryParams struct {
	ResetIteration bool `json:"resetIteration,omitempty"`
}

// InterventionParams is the tagged parameter union indexed by the
// intervention type. At most one variant is set; PAUSE, ABORT, and
// RELEASE_LOCK carry no parameters.
type InterventionParams struct {
	ForceStatus *ForceStatusParams `json:"forceStatus,omitempty"`
	Retry       *RetryParams       `json:"retry,omitempty"`
}

// Validate checks that the populated variant matches the intervention type.
func (p InterventionParams) Validate(t InterventionType) error {
	switch t {
	case InterventionForceStatus:
		if p.ForceStatus == nil {
			return fmt.Errorf("FORCE_STATUS requires params.forceStatus")
		}
		if err := StatusValidator(p.ForceStatus.Status); err != nil {
			return err
		}
	case InterventionRetry:
		// Retry params are optional; default is no iteration reset.
	default:
		if p.ForceStatus != nil || p.Retry != nil {
			return fmt.Errorf("intervention %s takes no params", t)
		}
	}
	return nil
}

// Intervention is an operator-originated command recorded against a task.
type Intervention struct {
	ID          string             `json:"id"`
	TaskID      string             `json:"taskId"`
	Type        InterventionType   `json:"type"`
	RequestedBy string             `json:"requestedBy"`
	Reason      string             `json:"reason,omitempty"`
	Params      InterventionParams `json:"params,omitempty"`
	Status      InterventionStatus `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
	ResolvedAt  *time.Time         `json:"resolvedAt,omitempty"`
}

// Command is the heartbeat-delivered form of a queued intervention.
type Command struct {
	InterventionID string           `json:"interventionId"`
	Type           InterventionType `json:"type"`
	Reason         string           `json:"reason,omitempty"`
}

// MarshalParams encodes params for storage; nil-safe.
func (i *Intervention) MarshalParams() ([]byte, error) {
	return json.Marshal(i.Params)
}
