// Package types defines the shared data model for the Waypoint agent:
// runs, task history, block specifications, browser sessions, verification
// codes, and the notification events exchanged between components.
package types

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusCreated is the initial state of a freshly persisted run.
	RunStatusCreated RunStatus = "created"

	// RunStatusQueued means the run is waiting for a planning loop to pick it up.
	RunStatusQueued RunStatus = "queued"

	// RunStatusRunning means a planning loop is executing the run.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted is the terminal success state.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed is the terminal state for unrecoverable errors and
	// exhausted budgets.
	RunStatusFailed RunStatus = "failed"

	// RunStatusTerminated is the terminal state for externally stopped execution.
	RunStatusTerminated RunStatus = "terminated"

	// RunStatusCanceled is the terminal state for user-initiated cancellation.
	RunStatusCanceled RunStatus = "canceled"

	// RunStatusTimedOut is the terminal state signaled by the owning resource's
	// timeout.
	RunStatusTimedOut RunStatus = "timed_out"
)

// transitions is the directed graph of permitted status changes. A run only
// ever advances forward; terminal states have no outgoing edges.
var transitions = map[RunStatus][]RunStatus{
	RunStatusCreated: {RunStatusQueued},
	RunStatusQueued:  {RunStatusRunning},
	RunStatusRunning: {
		RunStatusCompleted,
		RunStatusFailed,
		RunStatusTerminated,
		RunStatusCanceled,
		RunStatusTimedOut,
	},
}

// IsTerminal returns true if no further transitions are possible from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusTerminated, RunStatusCanceled, RunStatusTimedOut:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next follows the run
// state machine.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Run is one autonomous execution of a natural-language goal from start to
// a terminal outcome. Runs are created once and mutated only through status
// transition operations; they are soft-deleted, never removed.
type Run struct {
	ID     string    `json:"id"`
	OrgID  string    `json:"org_id"`
	Status RunStatus `json:"status"`

	// Goal is the free-text objective driving the planning loop.
	Goal string `json:"goal"`

	// StartURL is the optional page the run begins on.
	StartURL string `json:"start_url,omitempty"`

	// OutputSchema optionally constrains the shape of the final output.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// WebhookURL, if set, receives the signed run summary on completion.
	WebhookURL string `json:"webhook_url,omitempty"`

	// BrowserSessionID is the leased browser session executing this run.
	BrowserSessionID string `json:"browser_session_id,omitempty"`

	// Verification-code wait state, set while the OTP coordinator polls.
	WaitingForCode    bool       `json:"waiting_for_verification_code"`
	CodeIdentifier    string     `json:"code_identifier,omitempty"`
	CodePollStartedAt *time.Time `json:"code_poll_started_at,omitempty"`

	// Terminal results.
	Output        json.RawMessage `json:"output,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`

	// WebhookError records a post-completion delivery failure. It never
	// changes the run's terminal status.
	WebhookError string `json:"webhook_error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	QueuedAt   *time.Time `json:"queued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// TaskEntry is one record of the run's append-only task history: which block
// type the planner chose, the plan text, how execution ended, and any data
// the block extracted. Entries are immutable once appended and are replayed
// to the planner as memory on every iteration.
type TaskEntry struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	Seq           int             `json:"seq"`
	BlockType     BlockType       `json:"block_type"`
	Plan          string          `json:"plan"`
	Status        BlockStatus     `json:"status"`
	ExtractedData json.RawMessage `json:"extracted_data,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
