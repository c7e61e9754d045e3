package types

import "time"

// EventType identifies a notification published on the bus.
type EventType string

const (
	// EventVerificationCodeRequired announces that a run has started
	// waiting for a one-time code.
	EventVerificationCodeRequired EventType = "verification_code_required"

	// EventVerificationCodeResolved announces that the wait ended, whether
	// a code was found or the wait timed out.
	EventVerificationCodeResolved EventType = "verification_code_resolved"

	// EventRunFinished announces that a run reached a terminal state.
	EventRunFinished EventType = "run_finished"
)

// Event is one organization-scoped notification fanned out to every active
// subscriber of the publishing key.
type Event struct {
	Type       EventType `json:"type"`
	OrgID      string    `json:"org_id"`
	RunID      string    `json:"run_id,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Status     RunStatus `json:"status,omitempty"`
	At         time.Time `json:"at"`
}

// NewVerificationRequiredEvent creates the event published when a run
// starts waiting for a verification code.
func NewVerificationRequiredEvent(orgID, runID, identifier string) Event {
	return Event{
		Type:       EventVerificationCodeRequired,
		OrgID:      orgID,
		RunID:      runID,
		Identifier: identifier,
		At:         time.Now().UTC(),
	}
}

// NewVerificationResolvedEvent creates the event published when a
// verification wait ends.
func NewVerificationResolvedEvent(orgID, runID string) Event {
	return Event{
		Type:  EventVerificationCodeResolved,
		OrgID: orgID,
		RunID: runID,
		At:    time.Now().UTC(),
	}
}

// NewRunFinishedEvent creates the event published when a run reaches a
// terminal status.
func NewRunFinishedEvent(orgID, runID string, status RunStatus) Event {
	return Event{
		Type:   EventRunFinished,
		OrgID:  orgID,
		RunID:  runID,
		Status: status,
		At:     time.Now().UTC(),
	}
}
