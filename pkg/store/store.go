// Package store defines the persistence contract consumed by the planning
// loop, the browser session pool, and the OTP coordinator, together with a
// SQLite implementation. All records are organization-scoped and soft
// deleted; long-lived resources carry a deleted_at marker and are never
// physically removed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/entrhq/waypoint/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist or is
	// soft-deleted.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a guarded update (status transition,
	// session occupancy) loses to the current state of the record.
	ErrConflict = errors.New("conflicting state")
)

// RunStore persists runs and their status transitions.
type RunStore interface {
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id string) (*types.Run, error)

	// TransitionRun advances a run from one status to another, recording
	// the transition timestamp and, for terminal states, the reason. It
	// returns ErrConflict when the run is not currently in from — this
	// guard is what makes the queued->running transition reject duplicate
	// loop starts.
	TransitionRun(ctx context.Context, id string, from, to types.RunStatus, reason string) error

	// SetRunResult stores the structured output and human summary of a
	// completed run.
	SetRunResult(ctx context.Context, id string, output json.RawMessage, summary string) error

	// SetRunWaiting sets or clears the verification-code wait flag.
	SetRunWaiting(ctx context.Context, id string, waiting bool, identifier string, pollStart *time.Time) error

	// SetRunSession records the leased browser session executing the run.
	SetRunSession(ctx context.Context, id, sessionID string) error

	// SetRunWebhookError records a post-completion webhook delivery
	// failure without touching the run's terminal status.
	SetRunWebhookError(ctx context.Context, id, message string) error

	SoftDeleteRun(ctx context.Context, id string) error
}

// TaskStore persists the append-only task history.
type TaskStore interface {
	// AppendTask appends one entry, assigning the next sequence number.
	AppendTask(ctx context.Context, entry *types.TaskEntry) error

	// ListTasks returns a run's history in append order.
	ListTasks(ctx context.Context, runID string) ([]*types.TaskEntry, error)

	// CountSteps returns the number of executed blocks for a run. This is
	// deliberately a database aggregate rather than an in-memory counter
	// so budget accounting survives a process restart mid-run.
	CountSteps(ctx context.Context, runID string) (int, error)
}

// BlockStore persists the run's growing block definition so a crash mid-run
// can be inspected from the last committed block.
type BlockStore interface {
	AppendBlock(ctx context.Context, runID string, spec *types.BlockSpec) error
	ListBlocks(ctx context.Context, runID string) ([]*types.BlockSpec, error)
}

// SessionStore persists browser session records.
type SessionStore interface {
	CreateSession(ctx context.Context, session *types.BrowserSession) error
	GetSession(ctx context.Context, id string) (*types.BrowserSession, error)
	UpdateSession(ctx context.Context, session *types.BrowserSession) error

	// OccupySession binds the session to a runnable, failing with
	// ErrConflict if another occupant holds it.
	OccupySession(ctx context.Context, id, kind, runnableID string) error

	// ReleaseSession clears the occupant without closing the session.
	ReleaseSession(ctx context.Context, id string) error
}

// CodeStore persists submitted verification codes.
type CodeStore interface {
	InsertCode(ctx context.Context, code *types.VerificationCode) error

	// LatestCodeByIdentifier returns the newest unexpired code matching
	// the identifier, scoped to the given run or generic. Codes
	// correlated to this run order before generic (uncorrelated) ones;
	// codes correlated to other runs are excluded. Returns ErrNotFound
	// when nothing matches.
	LatestCodeByIdentifier(ctx context.Context, orgID, identifier, runID string, now time.Time) (*types.VerificationCode, error)

	// LatestCodeForRun returns the newest unexpired code explicitly
	// correlated to the run, regardless of identifier. Returns
	// ErrNotFound when nothing matches.
	LatestCodeForRun(ctx context.Context, orgID, runID string, now time.Time) (*types.VerificationCode, error)
}

// Store is the full persistence contract.
type Store interface {
	RunStore
	TaskStore
	BlockStore
	SessionStore
	CodeStore
}
