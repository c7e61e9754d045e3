package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/waypoint/pkg/types"
)

var _ Store = (*SQLite)(nil)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRun(t *testing.T, s *SQLite) *types.Run {
	t.Helper()
	run := &types.Run{OrgID: "org-1", Goal: "find the pricing page"}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &types.Run{
		OrgID:        "org-1",
		Goal:         "list open positions",
		StartURL:     "https://example.com/careers",
		OutputSchema: json.RawMessage(`{"jobs": []}`),
		WebhookURL:   "https://example.com/hook",
	}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, types.RunStatusCreated, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Goal, got.Goal)
	assert.Equal(t, run.StartURL, got.StartURL)
	assert.JSONEq(t, `{"jobs": []}`, string(got.OutputSchema))
	assert.Equal(t, run.WebhookURL, got.WebhookURL)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, s)

	require.NoError(t, s.TransitionRun(ctx, run.ID, types.RunStatusCreated, types.RunStatusQueued, ""))
	require.NoError(t, s.TransitionRun(ctx, run.ID, types.RunStatusQueued, types.RunStatusRunning, ""))
	require.NoError(t, s.TransitionRun(ctx, run.ID, types.RunStatusRunning, types.RunStatusCompleted, ""))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, got.Status)
	assert.NotNil(t, got.QueuedAt)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
}

func TestTransitionRunGuardRejectsSecondLoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, s)

	require.NoError(t, s.TransitionRun(ctx, run.ID, types.RunStatusCreated, types.RunStatusQueued, ""))

	// First loop wins the queued->running transition.
	require.NoError(t, s.TransitionRun(ctx, run.ID, types.RunStatusQueued, types.RunStatusRunning, ""))

	// A second loop racing on the same run loses.
	err := s.TransitionRun(ctx, run.ID, types.RunStatusQueued, types.RunStatusRunning, "")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTransitionRunRejectsIllegalEdge(t *testing.T) {
	s := newTestStore(t)
	run := newTestRun(t, s)

	err := s.TransitionRun(context.Background(), run.ID, types.RunStatusCreated, types.RunStatusCompleted, "")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTransitionRunRecordsFailureReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, s)

	require.NoError(t, s.TransitionRun(ctx, run.ID, types.RunStatusCreated, types.RunStatusQueued, ""))
	require.NoError(t, s.TransitionRun(ctx, run.ID, types.RunStatusQueued, types.RunStatusRunning, ""))
	require.NoError(t, s.TransitionRun(ctx, run.ID, types.RunStatusRunning, types.RunStatusFailed, "step budget exhausted"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "step budget exhausted", got.FailureReason)
}

func TestSetRunResultAndWaiting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, s)

	require.NoError(t, s.SetRunResult(ctx, run.ID, json.RawMessage(`{"price": 10}`), "Found the price."))

	now := time.Now().UTC()
	require.NoError(t, s.SetRunWaiting(ctx, run.ID, true, "user@example.com", &now))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"price": 10}`, string(got.Output))
	assert.Equal(t, "Found the price.", got.Summary)
	assert.True(t, got.WaitingForCode)
	assert.Equal(t, "user@example.com", got.CodeIdentifier)
	require.NotNil(t, got.CodePollStartedAt)

	require.NoError(t, s.SetRunWaiting(ctx, run.ID, false, "", nil))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.WaitingForCode)
	assert.Nil(t, got.CodePollStartedAt)
}

func TestSoftDeleteRunHidesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, s)

	require.NoError(t, s.SoftDeleteRun(ctx, run.ID))
	_, err := s.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendTaskAssignsSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, s)

	for i, status := range []types.BlockStatus{types.BlockStatusSuccess, types.BlockStatusFailed, types.BlockStatusSuccess} {
		entry := &types.TaskEntry{RunID: run.ID, BlockType: types.BlockTypeNavigate, Plan: "step", Status: status}
		require.NoError(t, s.AppendTask(ctx, entry))
		assert.Equal(t, i+1, entry.Seq)
	}

	entries, err := s.ListTasks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, types.BlockStatusFailed, entries[1].Status)

	steps, err := s.CountSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, steps)
}

func TestCountStepsIsolatedPerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := newTestRun(t, s)
	b := newTestRun(t, s)

	require.NoError(t, s.AppendTask(ctx, &types.TaskEntry{RunID: a.ID, BlockType: types.BlockTypeExtract, Status: types.BlockStatusSuccess}))

	steps, err := s.CountSteps(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, steps)
}

func TestAppendAndListBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newTestRun(t, s)

	require.NoError(t, s.AppendBlock(ctx, run.ID, &types.BlockSpec{Type: types.BlockTypeGotoURL, Label: "goto_url-1", URL: "https://example.com"}))
	require.NoError(t, s.AppendBlock(ctx, run.ID, &types.BlockSpec{Type: types.BlockTypeExtract, Label: "extract-2", Goal: "prices"}))

	specs, err := s.ListBlocks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, types.BlockTypeGotoURL, specs[0].Type)
	assert.Equal(t, "extract-2", specs[1].Label)
}

func TestOccupySessionIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := &types.BrowserSession{OrgID: "org-1", TimeoutMinutes: 60}
	require.NoError(t, s.CreateSession(ctx, session))

	require.NoError(t, s.OccupySession(ctx, session.ID, "run", "run-1"))

	err := s.OccupySession(ctx, session.ID, "run", "run-2")
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.ReleaseSession(ctx, session.ID))
	require.NoError(t, s.OccupySession(ctx, session.ID, "run", "run-2"))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-2", got.OccupantID)
}

func TestOccupyClosedSessionFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := &types.BrowserSession{OrgID: "org-1", Status: types.BrowserSessionClosed, TimeoutMinutes: 60}
	require.NoError(t, s.CreateSession(ctx, session))

	err := s.OccupySession(ctx, session.ID, "run", "run-1")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLatestCodeByIdentifierPrefersRunCorrelated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Older run-correlated code, newer generic one: correlation wins.
	require.NoError(t, s.InsertCode(ctx, &types.VerificationCode{
		OrgID: "org-1", RunID: "run-1", Identifier: "user@example.com",
		Value: "111111", Type: types.CodeTypeTOTP, CreatedAt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.InsertCode(ctx, &types.VerificationCode{
		OrgID: "org-1", Identifier: "user@example.com",
		Value: "222222", Type: types.CodeTypeTOTP, CreatedAt: now,
	}))

	code, err := s.LatestCodeByIdentifier(ctx, "org-1", "user@example.com", "run-1", now)
	require.NoError(t, err)
	assert.Equal(t, "111111", code.Value)
}

func TestLatestCodeByIdentifierExcludesOtherRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertCode(ctx, &types.VerificationCode{
		OrgID: "org-1", RunID: "run-other", Identifier: "user@example.com",
		Value: "999999", Type: types.CodeTypeTOTP, CreatedAt: now,
	}))

	_, err := s.LatestCodeByIdentifier(ctx, "org-1", "user@example.com", "run-1", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestCodeExcludesExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	require.NoError(t, s.InsertCode(ctx, &types.VerificationCode{
		OrgID: "org-1", RunID: "run-1", Identifier: "user@example.com",
		Value: "111111", Type: types.CodeTypeTOTP, ExpiresAt: &past, CreatedAt: past,
	}))

	_, err := s.LatestCodeForRun(ctx, "org-1", "run-1", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestCodeForRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertCode(ctx, &types.VerificationCode{
		OrgID: "org-1", RunID: "run-1",
		Value: "333333", Type: types.CodeTypeTOTP, CreatedAt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.InsertCode(ctx, &types.VerificationCode{
		OrgID: "org-1", RunID: "run-1",
		Value: "https://example.com/magic", Type: types.CodeTypeMagicLink, CreatedAt: now,
	}))

	code, err := s.LatestCodeForRun(ctx, "org-1", "run-1", now)
	require.NoError(t, err)
	assert.Equal(t, types.CodeTypeMagicLink, code.Type)
	assert.Equal(t, "https://example.com/magic", code.Value)
}
