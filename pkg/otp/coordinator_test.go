package otp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/waypoint/pkg/bus"
	"github.com/entrhq/waypoint/pkg/store"
	"github.com/entrhq/waypoint/pkg/types"
)

// fakeRunStore records waiting-flag changes.
type fakeRunStore struct {
	store.RunStore

	mu    sync.Mutex
	calls []bool
}

func (f *fakeRunStore) SetRunWaiting(ctx context.Context, id string, waiting bool, identifier string, pollStart *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, waiting)
	return nil
}

func (f *fakeRunStore) waitingCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.calls...)
}

// fakeCodeStore serves canned codes per source.
type fakeCodeStore struct {
	store.CodeStore

	mu             sync.Mutex
	byIdentifier   *types.VerificationCode
	byRun          *types.VerificationCode
	identifierHits int
}

func (f *fakeCodeStore) LatestCodeByIdentifier(ctx context.Context, orgID, identifier, runID string, now time.Time) (*types.VerificationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identifierHits++
	if f.byIdentifier == nil {
		return nil, store.ErrNotFound
	}
	return f.byIdentifier, nil
}

func (f *fakeCodeStore) LatestCodeForRun(ctx context.Context, orgID, runID string, now time.Time) (*types.VerificationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byRun == nil {
		return nil, store.ErrNotFound
	}
	return f.byRun, nil
}

func (f *fakeCodeStore) setIdentifierCode(c *types.VerificationCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byIdentifier = c
}

// fakeProvider returns a fixed completion.
type fakeProvider struct {
	response string
}

func (f *fakeProvider) Complete(ctx context.Context, messages []*types.Message) (*types.Message, error) {
	return types.NewAssistantMessage(f.response), nil
}
func (f *fakeProvider) GetModel() string               { return "fake" }
func (f *fakeProvider) GetModelInfo() *types.ModelInfo { return &types.ModelInfo{Name: "fake"} }

func newTestCoordinator(runs *fakeRunStore, codes *fakeCodeStore, events bus.Bus, opts ...CoordinatorOption) *Coordinator {
	base := []CoordinatorOption{
		WithPollInterval(10 * time.Millisecond),
		WithWaitTimeout(500 * time.Millisecond),
	}
	return NewCoordinator(runs, codes, events, nil, append(base, opts...)...)
}

func TestWaitForCodeWebhookWinsOverIdentifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Waypoint-Signature"))
		assert.NotEmpty(t, r.Header.Get("X-Waypoint-Timestamp"))
		w.Write([]byte("123456"))
	}))
	defer server.Close()

	codes := &fakeCodeStore{byIdentifier: &types.VerificationCode{Value: "999999", Type: types.CodeTypeTOTP}}
	c := newTestCoordinator(&fakeRunStore{}, codes, nil)

	result, err := c.WaitForCode(context.Background(), Request{
		OrgID:       "org-1",
		RunID:       "run-1",
		Identifier:  "user@example.com",
		CallbackURL: server.URL,
		APIKey:      "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "123456", result.Code)
	assert.Equal(t, SourceWebhook, result.Source)
}

func TestWaitForCodeWebhookLongResponseExtracted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hi! Your sign-in link is https://example.com/magic?t=abc — it expires in 10 minutes."))
	}))
	defer server.Close()

	utility := &fakeProvider{response: `{"found": true, "type": "magic_link", "value": "https://example.com/magic?t=abc"}`}
	c := NewCoordinator(&fakeRunStore{}, &fakeCodeStore{}, nil, utility,
		WithPollInterval(10*time.Millisecond), WithWaitTimeout(500*time.Millisecond))

	result, err := c.WaitForCode(context.Background(), Request{
		OrgID:       "org-1",
		RunID:       "run-1",
		CallbackURL: server.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, types.CodeTypeMagicLink, result.Type)
	assert.Equal(t, "https://example.com/magic?t=abc", result.Code)
}

func TestWaitForCodeIdentifierSource(t *testing.T) {
	codes := &fakeCodeStore{
		byIdentifier: &types.VerificationCode{Value: "424242", Type: types.CodeTypeTOTP},
		byRun:        &types.VerificationCode{Value: "000000", Type: types.CodeTypeTOTP},
	}
	c := newTestCoordinator(&fakeRunStore{}, codes, nil)

	result, err := c.WaitForCode(context.Background(), Request{
		OrgID:      "org-1",
		RunID:      "run-1",
		Identifier: "user@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "424242", result.Code)
	assert.Equal(t, SourceIdentifier, result.Source)
}

func TestWaitForCodeRunSourceIsLastResort(t *testing.T) {
	codes := &fakeCodeStore{byRun: &types.VerificationCode{Value: "777777", Type: types.CodeTypeTOTP}}
	c := newTestCoordinator(&fakeRunStore{}, codes, nil)

	result, err := c.WaitForCode(context.Background(), Request{OrgID: "org-1", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, SourceRun, result.Source)
}

func TestWaitForCodeArrivesOnLaterPoll(t *testing.T) {
	codes := &fakeCodeStore{}
	c := newTestCoordinator(&fakeRunStore{}, codes, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		codes.setIdentifierCode(&types.VerificationCode{Value: "135790", Type: types.CodeTypeTOTP})
	}()

	result, err := c.WaitForCode(context.Background(), Request{
		OrgID:      "org-1",
		RunID:      "run-1",
		Identifier: "user@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "135790", result.Code)
}

func TestWaitForCodeTimesOut(t *testing.T) {
	runs := &fakeRunStore{}
	c := NewCoordinator(runs, &fakeCodeStore{}, nil, nil,
		WithPollInterval(10*time.Millisecond), WithWaitTimeout(50*time.Millisecond))

	_, err := c.WaitForCode(context.Background(), Request{OrgID: "org-1", RunID: "run-1"})
	assert.ErrorIs(t, err, ErrNoCodeFound)

	// The waiting flag was raised, then cleared despite the timeout.
	assert.Equal(t, []bool{true, false}, runs.waitingCalls())
}

func TestWaitForCodePublishesLifecycleEvents(t *testing.T) {
	events := bus.NewLocalBus()
	ch := events.Subscribe("org-1")

	codes := &fakeCodeStore{byRun: &types.VerificationCode{Value: "111111", Type: types.CodeTypeTOTP}}
	c := newTestCoordinator(&fakeRunStore{}, codes, events)

	_, err := c.WaitForCode(context.Background(), Request{OrgID: "org-1", RunID: "run-1", Identifier: "user@example.com"})
	require.NoError(t, err)

	first := <-ch
	second := <-ch
	assert.Equal(t, types.EventVerificationCodeRequired, first.Type)
	assert.Equal(t, "user@example.com", first.Identifier)
	assert.Equal(t, types.EventVerificationCodeResolved, second.Type)
}

func TestWaitForCodeCanceledContext(t *testing.T) {
	c := newTestCoordinator(&fakeRunStore{}, &fakeCodeStore{}, nil, WithWaitTimeout(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := c.WaitForCode(ctx, Request{OrgID: "org-1", RunID: "run-1"})
	assert.ErrorIs(t, err, context.Canceled)
}
