// Package otp coordinates verification-code retrieval during a run. When a
// page demands a one-time code, the coordinator flags the run as waiting,
// announces it on the bus, and polls every configured interval until a code
// arrives from one of three sources, in strict priority order: the
// organization's code webhook, a manually submitted code matching the
// identifier, then any code correlated to the run.
package otp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/entrhq/waypoint/pkg/bus"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/logging"
	"github.com/entrhq/waypoint/pkg/store"
	"github.com/entrhq/waypoint/pkg/types"
	"github.com/entrhq/waypoint/pkg/webhook"
)

// ErrNoCodeFound is returned when the wait deadline passes without any
// source producing a code.
var ErrNoCodeFound = errors.New("no verification code found before deadline")

// Defaults for the polling loop.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultWaitTimeout  = 5 * time.Minute

	// directCodeMaxLength separates a raw code in a webhook response from
	// prose or markup that needs model extraction.
	directCodeMaxLength = 10

	webhookRequestTimeout = 15 * time.Second
)

// Request describes one code wait.
type Request struct {
	OrgID      string
	RunID      string
	Identifier string

	// CallbackURL, when set, is the organization webhook polled first.
	CallbackURL string
	// APIKey signs webhook requests for this organization.
	APIKey string
}

// Result is a retrieved verification code.
type Result struct {
	Code   string
	Type   types.CodeType
	Source string
}

// Code sources reported in Result.Source.
const (
	SourceWebhook    = "webhook"
	SourceIdentifier = "identifier"
	SourceRun        = "run"
)

// Coordinator polls code sources on behalf of waiting runs.
type Coordinator struct {
	runs       store.RunStore
	codes      store.CodeStore
	events     bus.Bus
	utility    llm.Provider
	httpClient *http.Client
	log        *logging.Logger

	pollInterval time.Duration
	waitTimeout  time.Duration
	now          func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPollInterval overrides the default 10s polling interval.
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithWaitTimeout overrides the default 5m wait deadline.
func WithWaitTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.waitTimeout = d }
}

// WithHTTPClient overrides the webhook HTTP client.
func WithHTTPClient(client *http.Client) CoordinatorOption {
	return func(c *Coordinator) { c.httpClient = client }
}

// NewCoordinator creates a coordinator. The utility provider extracts codes
// from verbose webhook responses; passing nil disables that extraction and
// long responses are skipped.
func NewCoordinator(runs store.RunStore, codes store.CodeStore, events bus.Bus, utility llm.Provider, opts ...CoordinatorOption) *Coordinator {
	log, _ := logging.NewLogger("otp")
	c := &Coordinator{
		runs:         runs,
		codes:        codes,
		events:       events,
		utility:      utility,
		httpClient:   &http.Client{Timeout: webhookRequestTimeout},
		log:          log,
		pollInterval: DefaultPollInterval,
		waitTimeout:  DefaultWaitTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WaitForCode blocks until a code is found, the wait deadline passes, or
// ctx is canceled. The run's waiting flag is set for the duration of the
// wait and always cleared before returning, whatever the outcome.
func (c *Coordinator) WaitForCode(ctx context.Context, req Request) (*Result, error) {
	started := c.now().UTC()
	if err := c.runs.SetRunWaiting(ctx, req.RunID, true, req.Identifier, &started); err != nil {
		return nil, fmt.Errorf("failed to flag run as waiting: %w", err)
	}
	c.publish(req.OrgID, types.NewVerificationRequiredEvent(req.OrgID, req.RunID, req.Identifier))

	result, err := c.poll(ctx, req, started)

	if clearErr := c.runs.SetRunWaiting(ctx, req.RunID, false, "", nil); clearErr != nil {
		c.log.Errorf("failed to clear waiting flag for run %s: %v", req.RunID, clearErr)
	}
	c.publish(req.OrgID, types.NewVerificationResolvedEvent(req.OrgID, req.RunID))

	return result, err
}

func (c *Coordinator) poll(ctx context.Context, req Request, started time.Time) (*Result, error) {
	deadline := started.Add(c.waitTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if result := c.checkSources(ctx, req); result != nil {
			c.log.Infof("run %s resolved code via %s", req.RunID, result.Source)
			return result, nil
		}
		if c.now().After(deadline) {
			return nil, ErrNoCodeFound
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkSources tries each source in priority order. A nil result means no
// source has a fresh code yet.
func (c *Coordinator) checkSources(ctx context.Context, req Request) *Result {
	if req.CallbackURL != "" {
		if result := c.checkWebhook(ctx, req); result != nil {
			return result
		}
	}

	if req.Identifier != "" {
		code, err := c.codes.LatestCodeByIdentifier(ctx, req.OrgID, req.Identifier, req.RunID, c.now().UTC())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.log.Errorf("identifier code lookup failed for run %s: %v", req.RunID, err)
		}
		if code != nil {
			return &Result{Code: code.Value, Type: code.Type, Source: SourceIdentifier}
		}
	}

	code, err := c.codes.LatestCodeForRun(ctx, req.OrgID, req.RunID, c.now().UTC())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Errorf("run code lookup failed for run %s: %v", req.RunID, err)
	}
	if code != nil {
		return &Result{Code: code.Value, Type: code.Type, Source: SourceRun}
	}
	return nil
}

// webhookRequest is the signed payload sent to the organization's code
// webhook.
type webhookRequest struct {
	RunID      string `json:"run_id"`
	Identifier string `json:"identifier,omitempty"`
}

func (c *Coordinator) checkWebhook(ctx context.Context, req Request) *Result {
	body, err := json.Marshal(webhookRequest{RunID: req.RunID, Identifier: req.Identifier})
	if err != nil {
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.CallbackURL, bytes.NewReader(body))
	if err != nil {
		c.log.Errorf("invalid webhook URL for run %s: %v", req.RunID, err)
		return nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range webhook.NewSigner(req.APIKey).Sign(body) {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Debugf("webhook poll failed for run %s: %v", req.RunID, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil
	}

	answer := strings.TrimSpace(string(respBody))
	if answer == "" {
		return nil
	}
	if len(answer) <= directCodeMaxLength {
		return &Result{Code: answer, Type: types.CodeTypeTOTP, Source: SourceWebhook}
	}
	return c.extractCode(ctx, answer)
}

// extractionPrompt asks the utility model to pull a code or magic link out
// of a verbose webhook response, such as a forwarded email body.
const extractionPrompt = `You are given the body of a message that may contain a one-time verification code or a magic sign-in link.

Respond with only a JSON object:
{"found": true|false, "type": "totp"|"magic_link", "value": "<the code or link>"}

If neither is present, respond {"found": false}.

Message:
`

type extractionResult struct {
	Found bool   `json:"found"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (c *Coordinator) extractCode(ctx context.Context, answer string) *Result {
	if c.utility == nil {
		return nil
	}

	resp, err := c.utility.Complete(ctx, []*types.Message{
		types.NewUserMessage(extractionPrompt + answer),
	})
	if err != nil {
		c.log.Errorf("code extraction failed: %v", err)
		return nil
	}

	var extracted extractionResult
	if err := llm.DecodeJSON(resp.Content, &extracted); err != nil {
		c.log.Errorf("code extraction returned invalid JSON: %v", err)
		return nil
	}
	if !extracted.Found || extracted.Value == "" {
		return nil
	}

	codeType := types.CodeTypeTOTP
	if extracted.Type == string(types.CodeTypeMagicLink) {
		codeType = types.CodeTypeMagicLink
	}
	return &Result{Code: extracted.Value, Type: codeType, Source: SourceWebhook}
}

func (c *Coordinator) publish(orgID string, event types.Event) {
	if c.events == nil {
		return
	}
	c.events.Publish(orgID, event)
}
