package browser

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/waypoint/pkg/store"
	"github.com/entrhq/waypoint/pkg/types"
)

// memorySessionStore is an in-memory store.SessionStore for lease tests.
type memorySessionStore struct {
	sessions map[string]*types.BrowserSession
	nextID   int
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: make(map[string]*types.BrowserSession)}
}

func (m *memorySessionStore) CreateSession(ctx context.Context, session *types.BrowserSession) error {
	if session.ID == "" {
		m.nextID++
		session.ID = fmt.Sprintf("sess-%d", m.nextID)
	}
	session.CreatedAt = time.Now().UTC()
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *memorySessionStore) GetSession(ctx context.Context, id string) (*types.BrowserSession, error) {
	session, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (m *memorySessionStore) UpdateSession(ctx context.Context, session *types.BrowserSession) error {
	if _, ok := m.sessions[session.ID]; !ok {
		return store.ErrNotFound
	}
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *memorySessionStore) OccupySession(ctx context.Context, id, kind, runnableID string) error {
	session, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if session.OccupantKind != "" || session.Status == types.BrowserSessionClosed {
		return store.ErrConflict
	}
	session.OccupantKind = kind
	session.OccupantID = runnableID
	return nil
}

func (m *memorySessionStore) ReleaseSession(ctx context.Context, id string) error {
	session, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	session.OccupantKind = ""
	session.OccupantID = ""
	return nil
}

func newTestPool(t *testing.T) (*Pool, *memorySessionStore) {
	t.Helper()
	sessions := newMemorySessionStore()
	pool := NewPool(sessions, nil,
		WithDefaultTimeout(60),
		WithRenewPolicy(5*time.Minute, 15*time.Minute),
	)
	return pool, sessions
}

func TestCreateUsesDefaultTimeout(t *testing.T) {
	pool, _ := newTestPool(t)

	session, err := pool.Create(context.Background(), "org-1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 60, session.TimeoutMinutes)
	assert.Equal(t, types.BrowserSessionCreated, session.Status)

	session, err = pool.Create(context.Background(), "org-1", "", 30)
	require.NoError(t, err)
	assert.Equal(t, 30, session.TimeoutMinutes)
}

func TestOccupyStartsSessionClock(t *testing.T) {
	pool, sessions := newTestPool(t)
	ctx := context.Background()

	session, err := pool.Create(ctx, "org-1", "", 0)
	require.NoError(t, err)

	require.NoError(t, pool.Occupy(ctx, session.ID, "run", "run-1"))

	got, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BrowserSessionRunning, got.Status)
	assert.Equal(t, "run-1", got.OccupantID)
	require.NotNil(t, got.StartedAt)

	// Second occupant is rejected by the store guard.
	assert.ErrorIs(t, pool.Occupy(ctx, session.ID, "run", "run-2"), store.ErrConflict)
}

func TestRenewExtendsTimeout(t *testing.T) {
	pool, sessions := newTestPool(t)
	ctx := context.Background()

	session, err := pool.Create(ctx, "org-1", "", 60)
	require.NoError(t, err)
	require.NoError(t, pool.Occupy(ctx, session.ID, "run", "run-1"))

	renewed, err := pool.Renew(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 75, renewed.TimeoutMinutes)

	got, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 75, got.TimeoutMinutes)
}

func TestRenewRejectsNearDeadline(t *testing.T) {
	pool, sessions := newTestPool(t)
	ctx := context.Background()

	session, err := pool.Create(ctx, "org-1", "", 60)
	require.NoError(t, err)

	// 58 of 60 minutes elapsed: under the 5 minute threshold.
	started := time.Now().UTC().Add(-58 * time.Minute)
	session.Status = types.BrowserSessionRunning
	session.StartedAt = &started
	require.NoError(t, sessions.UpdateSession(ctx, session))

	_, err = pool.Renew(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotRenewable)
}

func TestRenewRejectsUnstartedClosedAndMissing(t *testing.T) {
	pool, sessions := newTestPool(t)
	ctx := context.Background()

	session, err := pool.Create(ctx, "org-1", "", 60)
	require.NoError(t, err)

	// Created but never occupied: no clock to extend.
	_, err = pool.Renew(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotRenewable)

	session.Status = types.BrowserSessionClosed
	require.NoError(t, sessions.UpdateSession(ctx, session))
	_, err = pool.Renew(ctx, session.ID)
	assert.ErrorIs(t, err, ErrSessionNotRenewable)

	_, err = pool.Renew(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotRenewable)
}

func TestCloseIsIdempotent(t *testing.T) {
	pool, sessions := newTestPool(t)
	ctx := context.Background()

	session, err := pool.Create(ctx, "org-1", "", 60)
	require.NoError(t, err)
	require.NoError(t, pool.Occupy(ctx, session.ID, "run", "run-1"))

	require.NoError(t, pool.Close(ctx, session.ID))

	got, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BrowserSessionClosed, got.Status)
	assert.False(t, got.Occupied())

	// A second close is a no-op, not an error.
	require.NoError(t, pool.Close(ctx, session.ID))

	// Closed sessions cannot be re-occupied.
	assert.ErrorIs(t, pool.Occupy(ctx, session.ID, "run", "run-2"), store.ErrConflict)
}

func TestReleaseKeepsSessionWarm(t *testing.T) {
	pool, sessions := newTestPool(t)
	ctx := context.Background()

	session, err := pool.Create(ctx, "org-1", "", 60)
	require.NoError(t, err)
	require.NoError(t, pool.Occupy(ctx, session.ID, "run", "run-1"))
	require.NoError(t, pool.Release(ctx, session.ID))

	got, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BrowserSessionRunning, got.Status)
	assert.False(t, got.Occupied())

	require.NoError(t, pool.Occupy(ctx, session.ID, "run", "run-2"))
}
