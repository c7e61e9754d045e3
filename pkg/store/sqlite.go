package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/entrhq/waypoint/pkg/types"
)

// SQLite implements Store on a single SQLite database. The pure-Go driver
// keeps the binary CGO-free.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	org_id               TEXT NOT NULL,
	status               TEXT NOT NULL,
	goal                 TEXT NOT NULL,
	start_url            TEXT NOT NULL DEFAULT '',
	output_schema        TEXT,
	webhook_url          TEXT NOT NULL DEFAULT '',
	browser_session_id   TEXT NOT NULL DEFAULT '',
	waiting_for_code     INTEGER NOT NULL DEFAULT 0,
	code_identifier      TEXT NOT NULL DEFAULT '',
	code_poll_started_at TIMESTAMP,
	output               TEXT,
	summary              TEXT NOT NULL DEFAULT '',
	failure_reason       TEXT NOT NULL DEFAULT '',
	webhook_error        TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMP NOT NULL,
	queued_at            TIMESTAMP,
	started_at           TIMESTAMP,
	finished_at          TIMESTAMP,
	deleted_at           TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	block_type     TEXT NOT NULL,
	plan           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	extracted_data TEXT,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	UNIQUE (run_id, seq)
);

CREATE TABLE IF NOT EXISTS blocks (
	run_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	spec       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	org_id          TEXT NOT NULL,
	status          TEXT NOT NULL,
	proxy           TEXT NOT NULL DEFAULT '',
	timeout_minutes INTEGER NOT NULL,
	occupant_kind   TEXT NOT NULL DEFAULT '',
	occupant_id     TEXT NOT NULL DEFAULT '',
	address         TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMP,
	created_at      TIMESTAMP NOT NULL,
	deleted_at      TIMESTAMP
);

CREATE TABLE IF NOT EXISTS codes (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL,
	run_id     TEXT,
	identifier TEXT NOT NULL DEFAULT '',
	value      TEXT NOT NULL,
	type       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks (run_id, seq);
CREATE INDEX IF NOT EXISTS idx_codes_lookup ON codes (org_id, identifier, created_at);
`

// NewSQLite opens (and migrates) the database at path. Use ":memory:" for
// an ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; serializing through a single connection
	// avoids SQLITE_BUSY under concurrent loops.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

// --- runs ---

// CreateRun persists a new run, assigning an ID and created status when the
// caller left them empty.
func (s *SQLite) CreateRun(ctx context.Context, run *types.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = types.RunStatusCreated
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, org_id, status, goal, start_url, output_schema, webhook_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrgID, run.Status, run.Goal, run.StartURL,
		nullJSON(run.OutputSchema), run.WebhookURL, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by ID, excluding soft-deleted records.
func (s *SQLite) GetRun(ctx context.Context, id string) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, status, goal, start_url, output_schema, webhook_url,
		       browser_session_id, waiting_for_code, code_identifier, code_poll_started_at,
		       output, summary, failure_reason, webhook_error,
		       created_at, queued_at, started_at, finished_at, deleted_at
		FROM runs WHERE id = ? AND deleted_at IS NULL`, id)

	run := &types.Run{}
	var outputSchema, output sql.NullString
	var pollStart, queuedAt, startedAt, finishedAt, deletedAt sql.NullTime
	err := row.Scan(&run.ID, &run.OrgID, &run.Status, &run.Goal, &run.StartURL,
		&outputSchema, &run.WebhookURL, &run.BrowserSessionID,
		&run.WaitingForCode, &run.CodeIdentifier, &pollStart,
		&output, &run.Summary, &run.FailureReason, &run.WebhookError,
		&run.CreatedAt, &queuedAt, &startedAt, &finishedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	if outputSchema.Valid {
		run.OutputSchema = json.RawMessage(outputSchema.String)
	}
	if output.Valid {
		run.Output = json.RawMessage(output.String)
	}
	run.CodePollStartedAt = timePtr(pollStart)
	run.QueuedAt = timePtr(queuedAt)
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	run.DeletedAt = timePtr(deletedAt)
	return run, nil
}

// TransitionRun advances a run through the status state machine. The update
// is guarded on the current status, so concurrent loops racing on the same
// run see exactly one winner.
func (s *SQLite) TransitionRun(ctx context.Context, id string, from, to types.RunStatus, reason string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: run status %s cannot advance to %s", ErrConflict, from, to)
	}

	now := time.Now().UTC()
	query := `UPDATE runs SET status = ?`
	args := []any{to}

	switch {
	case to == types.RunStatusQueued:
		query += `, queued_at = ?`
		args = append(args, now)
	case to == types.RunStatusRunning:
		query += `, started_at = ?`
		args = append(args, now)
	case to.IsTerminal():
		query += `, finished_at = ?, failure_reason = ?`
		args = append(args, now, reason)
	}

	query += ` WHERE id = ? AND status = ? AND deleted_at IS NULL`
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s is no longer %s", ErrConflict, id, from)
	}
	return nil
}

// SetRunResult stores the structured output and summary of a run.
func (s *SQLite) SetRunResult(ctx context.Context, id string, output json.RawMessage, summary string) error {
	return s.updateRun(ctx, id,
		`UPDATE runs SET output = ?, summary = ? WHERE id = ? AND deleted_at IS NULL`,
		nullJSON(output), summary, id)
}

// SetRunWaiting sets or clears the verification-code wait flag.
func (s *SQLite) SetRunWaiting(ctx context.Context, id string, waiting bool, identifier string, pollStart *time.Time) error {
	return s.updateRun(ctx, id,
		`UPDATE runs SET waiting_for_code = ?, code_identifier = ?, code_poll_started_at = ? WHERE id = ? AND deleted_at IS NULL`,
		waiting, identifier, nullTime(pollStart), id)
}

// SetRunSession records the browser session leased to the run.
func (s *SQLite) SetRunSession(ctx context.Context, id, sessionID string) error {
	return s.updateRun(ctx, id,
		`UPDATE runs SET browser_session_id = ? WHERE id = ? AND deleted_at IS NULL`,
		sessionID, id)
}

// SetRunWebhookError records a webhook delivery failure note.
func (s *SQLite) SetRunWebhookError(ctx context.Context, id, message string) error {
	return s.updateRun(ctx, id,
		`UPDATE runs SET webhook_error = ? WHERE id = ? AND deleted_at IS NULL`,
		message, id)
}

// SoftDeleteRun marks a run deleted without removing the row.
func (s *SQLite) SoftDeleteRun(ctx context.Context, id string) error {
	return s.updateRun(ctx, id,
		`UPDATE runs SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id)
}

func (s *SQLite) updateRun(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

// AppendTask appends one task-history entry, assigning the next sequence
// number atomically.
func (s *SQLite) AppendTask(ctx context.Context, entry *types.TaskEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, run_id, seq, block_type, plan, status, extracted_data, failure_reason, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks WHERE run_id = ?), ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		entry.ID, entry.RunID, entry.RunID, entry.BlockType, entry.Plan, entry.Status,
		nullJSON(entry.ExtractedData), entry.FailureReason, entry.CreatedAt)
	if err := row.Scan(&entry.Seq); err != nil {
		return fmt.Errorf("failed to append task entry: %w", err)
	}
	return nil
}

// ListTasks returns the run's task history in append order.
func (s *SQLite) ListTasks(ctx context.Context, runID string) ([]*types.TaskEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, block_type, plan, status, extracted_data, failure_reason, created_at
		FROM tasks WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var entries []*types.TaskEntry
	for rows.Next() {
		entry := &types.TaskEntry{}
		var data sql.NullString
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.Seq, &entry.BlockType,
			&entry.Plan, &entry.Status, &data, &entry.FailureReason, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task entry: %w", err)
		}
		if data.Valid {
			entry.ExtractedData = json.RawMessage(data.String)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountSteps counts the executed blocks for a run via an aggregate query.
func (s *SQLite) CountSteps(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count steps: %w", err)
	}
	return n, nil
}

// --- blocks ---

// AppendBlock persists the next block of the run's growing definition.
func (s *SQLite) AppendBlock(ctx context.Context, runID string, spec *types.BlockSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode block spec: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blocks (run_id, seq, spec, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM blocks WHERE run_id = ?), ?, ?)`,
		runID, runID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append block: %w", err)
	}
	return nil
}

// ListBlocks returns the run's committed block specs in append order.
func (s *SQLite) ListBlocks(ctx context.Context, runID string) ([]*types.BlockSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT spec FROM blocks WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer rows.Close()

	var specs []*types.BlockSpec
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		spec := &types.BlockSpec{}
		if err := json.Unmarshal([]byte(data), spec); err != nil {
			return nil, fmt.Errorf("failed to decode block spec: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// --- sessions ---

// CreateSession persists a new browser session record.
func (s *SQLite) CreateSession(ctx context.Context, session *types.BrowserSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = types.BrowserSessionCreated
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, org_id, status, proxy, timeout_minutes, occupant_kind, occupant_id, address, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.OrgID, session.Status, session.Proxy, session.TimeoutMinutes,
		session.OccupantKind, session.OccupantID, session.Address,
		nullTime(session.StartedAt), session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID, excluding soft-deleted records.
func (s *SQLite) GetSession(ctx context.Context, id string) (*types.BrowserSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, status, proxy, timeout_minutes, occupant_kind, occupant_id, address, started_at, created_at, deleted_at
		FROM sessions WHERE id = ? AND deleted_at IS NULL`, id)

	session := &types.BrowserSession{}
	var startedAt, deletedAt sql.NullTime
	err := row.Scan(&session.ID, &session.OrgID, &session.Status, &session.Proxy,
		&session.TimeoutMinutes, &session.OccupantKind, &session.OccupantID,
		&session.Address, &startedAt, &session.CreatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session.StartedAt = timePtr(startedAt)
	session.DeletedAt = timePtr(deletedAt)
	return session, nil
}

// UpdateSession persists status, timeout, address, and start time changes.
func (s *SQLite) UpdateSession(ctx context.Context, session *types.BrowserSession) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, timeout_minutes = ?, address = ?, started_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		session.Status, session.TimeoutMinutes, session.Address,
		nullTime(session.StartedAt), session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OccupySession binds the session exclusively to a runnable. The guard on
// the occupant columns enforces the one-occupant invariant at the store.
func (s *SQLite) OccupySession(ctx context.Context, id, kind, runnableID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET occupant_kind = ?, occupant_id = ?
		WHERE id = ? AND occupant_kind = '' AND status != ? AND deleted_at IS NULL`,
		kind, runnableID, id, types.BrowserSessionClosed)
	if err != nil {
		return fmt.Errorf("failed to occupy session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s is closed or already occupied", ErrConflict, id)
	}
	return nil
}

// ReleaseSession clears the occupant, leaving the session warm for reuse.
func (s *SQLite) ReleaseSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET occupant_kind = '', occupant_id = ''
		WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to release session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- codes ---

// InsertCode persists a submitted verification code. Codes are read-only
// after insertion.
func (s *SQLite) InsertCode(ctx context.Context, code *types.VerificationCode) error {
	if code.ID == "" {
		code.ID = uuid.New().String()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO codes (id, org_id, run_id, identifier, value, type, source, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID, code.OrgID, nullString(code.RunID), code.Identifier, code.Value,
		code.Type, code.Source, nullTime(code.ExpiresAt), code.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert code: %w", err)
	}
	return nil
}

// LatestCodeByIdentifier looks up the newest unexpired code for an
// identifier. Codes correlated to this run order before generic ones
// (nulls last); codes correlated to other runs never match.
func (s *SQLite) LatestCodeByIdentifier(ctx context.Context, orgID, identifier, runID string, now time.Time) (*types.VerificationCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, run_id, identifier, value, type, source, expires_at, created_at
		FROM codes
		WHERE org_id = ? AND identifier = ?
		  AND (run_id IS NULL OR run_id = ?)
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY (run_id IS NULL) ASC, created_at DESC
		LIMIT 1`, orgID, identifier, runID, now)
	return scanCode(row)
}

// LatestCodeForRun looks up the newest unexpired code explicitly correlated
// to the run, regardless of identifier.
func (s *SQLite) LatestCodeForRun(ctx context.Context, orgID, runID string, now time.Time) (*types.VerificationCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, run_id, identifier, value, type, source, expires_at, created_at
		FROM codes
		WHERE org_id = ? AND run_id = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC
		LIMIT 1`, orgID, runID, now)
	return scanCode(row)
}

func scanCode(row *sql.Row) (*types.VerificationCode, error) {
	code := &types.VerificationCode{}
	var runID sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(&code.ID, &code.OrgID, &runID, &code.Identifier, &code.Value,
		&code.Type, &code.Source, &expiresAt, &code.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load code: %w", err)
	}
	code.RunID = runID.String
	code.ExpiresAt = timePtr(expiresAt)
	return code, nil
}

// --- helpers ---

func nullJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
