// Package planner implements the autonomous planning loop: one iteration
// observes the page, decides the next block, executes it, and records the
// outcome, until the goal is achieved or a budget runs out. Exactly one
// loop may execute a given run; the queued-to-running transition guard in
// the store rejects duplicates.
package planner

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

	"github.com/entrhq/waypoint/pkg/blocks"
	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/bus"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/llm/tokenizer"
	"github.com/entrhq/waypoint/pkg/logging"
	"github.com/entrhq/waypoint/pkg/store"
	"github.com/entrhq/waypoint/pkg/types"
	"github.com/entrhq/waypoint/pkg/webhook"
)

// Defaults for loop budgets.
const (
	DefaultMaxIterations = 50
	DefaultStepBudget    = 25

	// fallbackStartURL is where a run with no start URL begins.
	fallbackStartURL = "https://www.google.com"

	webhookDeliveryTimeout = 15 * time.Second
)

// ErrLoopAlreadyRunning is returned when another loop holds the run.
var ErrLoopAlreadyRunning = errors.New("run is already being executed")

// SessionPool is the slice of the browser pool the loop drives. The
// concrete pool satisfies it.
type SessionPool interface {
	Create(ctx context.Context, orgID, proxy string, timeoutMinutes int) (*types.BrowserSession, error)
	Occupy(ctx context.Context, sessionID, runnableKind, runnableID string) error
	EnsurePage(ctx context.Context, sessionID string) error
	Scrape(ctx context.Context, sessionID string) (*browser.Snapshot, error)
	Close(ctx context.Context, sessionID string) error
}

// Loop executes runs end to end.
type Loop struct {
	store     store.Store
	pool      SessionPool
	generator *blocks.Generator
	runner    blocks.Runner
	model     llm.Provider
	events    bus.Bus
	tok       *tokenizer.Tokenizer
	log       *logging.Logger

	httpClient *http.Client

	maxIterations   int
	stepBudget      int
	maxPromptTokens int

	// Organization-level OTP routing attached to navigate blocks.
	codeCallbackURL string
	apiKey          string
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithMaxIterations overrides the planning iteration cap.
func WithMaxIterations(n int) LoopOption {
	return func(l *Loop) { l.maxIterations = n }
}

// WithStepBudget overrides the executed-block budget.
func WithStepBudget(n int) LoopOption {
	return func(l *Loop) { l.stepBudget = n }
}

// WithMaxPromptTokens bounds the task history included in planning prompts.
// Zero disables trimming.
func WithMaxPromptTokens(n int) LoopOption {
	return func(l *Loop) { l.maxPromptTokens = n }
}

// WithCodeRouting sets the organization's verification-code webhook and the
// API key used to sign requests to it and to completion webhooks.
func WithCodeRouting(callbackURL, apiKey string) LoopOption {
	return func(l *Loop) {
		l.codeCallbackURL = callbackURL
		l.apiKey = apiKey
	}
}

// NewLoop creates a planning loop.
func NewLoop(st store.Store, pool SessionPool, generator *blocks.Generator, runner blocks.Runner, model llm.Provider, events bus.Bus, opts ...LoopOption) *Loop {
	log, _ := logging.NewLogger("planner")
	tok, err := tokenizer.New()
	if err != nil {
		log.Warnf("tokenizer unavailable, prompt trimming disabled: %v", err)
	}

	l := &Loop{
		store:         st,
		pool:          pool,
		generator:     generator,
		runner:        runner,
		model:         model,
		events:        events,
		tok:           tok,
		log:           log,
		httpClient:    &http.Client{Timeout: webhookDeliveryTimeout},
		maxIterations: DefaultMaxIterations,
		stepBudget:    DefaultStepBudget,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Execute runs the planning loop for one queued run until a terminal
// outcome. The queued-to-running transition is guarded; a second loop
// picking up the same run gets ErrLoopAlreadyRunning.
func (l *Loop) Execute(ctx context.Context, runID string) error {
	err := l.store.TransitionRun(ctx, runID, types.RunStatusQueued, types.RunStatusRunning, "")
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %s", ErrLoopAlreadyRunning, runID)
	}
	if err != nil {
		return err
	}

	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	env, err := l.lease(ctx, run)
	if err != nil {
		return l.finish(ctx, run, nil, types.RunStatusFailed, fmt.Sprintf("failed to lease browser session: %v", err))
	}

	status, reason := l.iterate(ctx, run, env)
	return l.finish(ctx, run, env, status, reason)
}

// lease attaches a browser session to the run, creating one when the run
// does not already hold a lease.
func (l *Loop) lease(ctx context.Context, run *types.Run) (*blocks.Env, error) {
	sessionID := run.BrowserSessionID
	if sessionID == "" {
		session, err := l.pool.Create(ctx, run.OrgID, "", 0)
		if err != nil {
			return nil, err
		}
		sessionID = session.ID
		if err := l.store.SetRunSession(ctx, run.ID, sessionID); err != nil {
			return nil, err
		}
		run.BrowserSessionID = sessionID
	}

	if err := l.pool.Occupy(ctx, sessionID, "run", run.ID); err != nil {
		return nil, err
	}
	return blocks.NewEnv(run, sessionID), nil
}

// iterate runs planning iterations until a terminal status is reached.
func (l *Loop) iterate(ctx context.Context, run *types.Run, env *blocks.Env) (types.RunStatus, string) {
	for iteration := 0; iteration < l.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return types.RunStatusTimedOut, "run deadline exceeded"
			}
			return types.RunStatusCanceled, "canceled"
		}

		// Cancellation is cooperative: an external status change (an
		// operator stopping the run through the store) is observed here,
		// at the top of each iteration.
		current, err := l.store.GetRun(ctx, run.ID)
		if err != nil {
			return types.RunStatusFailed, fmt.Sprintf("failed to refresh run: %v", err)
		}
		if current.Status != types.RunStatusRunning {
			return current.Status, current.FailureReason
		}

		if err := l.pool.EnsurePage(ctx, env.SessionID); err != nil {
			return types.RunStatusFailed, fmt.Sprintf("browser page unavailable: %v", err)
		}

		steps, err := l.store.CountSteps(ctx, run.ID)
		if err != nil {
			return types.RunStatusFailed, fmt.Sprintf("failed to count steps: %v", err)
		}
		if steps >= l.stepBudget {
			summary := l.bestEffortSummary(ctx, run, "The step budget was exhausted before the goal was achieved.")
			return types.RunStatusFailed, summary
		}

		// The first iteration always goes to the start URL; no model
		// call is needed to know that.
		if iteration == 0 {
			if status, reason, stop := l.runFirstNavigation(ctx, run, env); stop {
				return status, reason
			}
			continue
		}

		decision, err := l.decide(ctx, run, env)
		if err != nil {
			return types.RunStatusFailed, fmt.Sprintf("planning failed: %v", err)
		}
		l.log.Infof("run %s iteration %d: %s", run.ID, iteration, decision.Plan)

		if decision.UserGoalAchieved {
			return l.completeRun(ctx, run)
		}

		lastStep := steps+1 >= l.stepBudget
		if status, reason, stop := l.runBlock(ctx, run, env, decision, lastStep); stop {
			return status, reason
		}
	}

	summary := l.bestEffortSummary(ctx, run, "The iteration limit was reached before the goal was achieved.")
	return types.RunStatusFailed, summary
}

// runFirstNavigation executes the initial goto_url block without consulting
// the model. A failed start navigation falls back to a neutral page rather
// than failing the run.
func (l *Loop) runFirstNavigation(ctx context.Context, run *types.Run, env *blocks.Env) (types.RunStatus, string, bool) {
	url := run.StartURL
	if url == "" {
		url = fallbackStartURL
	}

	spec := &types.BlockSpec{Type: types.BlockTypeGotoURL, Label: "goto_url-0", URL: url}
	result, err := l.runner.Execute(ctx, env, spec)
	if err != nil {
		return types.RunStatusFailed, fmt.Sprintf("start navigation failed: %v", err), true
	}
	if !result.Success && url != fallbackStartURL {
		l.log.Warnf("run %s start URL %s failed (%s), falling back", run.ID, url, result.FailureReason)
		spec.URL = fallbackStartURL
		if result, err = l.runner.Execute(ctx, env, spec); err != nil {
			return types.RunStatusFailed, fmt.Sprintf("start navigation failed: %v", err), true
		}
	}

	l.record(ctx, run, spec, result)
	outcome := blocks.Propagate(result, spec, false)
	if !outcome.Continue {
		return outcome.RunStatus, result.FailureReason, true
	}
	return "", "", false
}

// runBlock generates, persists, and executes the block a decision calls
// for, then propagates its outcome.
func (l *Loop) runBlock(ctx context.Context, run *types.Run, env *blocks.Env, d *decision, lastStep bool) (types.RunStatus, string, bool) {
	directive := &blocks.Directive{
		Type:              types.BlockType(d.TaskType),
		Plan:              d.Plan,
		URL:               d.URL,
		OutputKey:         d.OutputKey,
		BodyType:          types.BlockType(d.BodyType),
		ContinueOnFailure: d.ContinueOnFailure,
	}
	if directive.Type == types.BlockTypeNavigate && l.codeCallbackURL != "" {
		directive.CodeRouting = &types.CodeRouting{
			CallbackURL: l.codeCallbackURL,
			Identifier:  d.CodeIdentifier,
		}
	}

	spec, err := l.generator.Generate(ctx, env, directive)
	if err != nil {
		return types.RunStatusFailed, fmt.Sprintf("block generation failed: %v", err), true
	}
	if err := l.store.AppendBlock(ctx, run.ID, spec); err != nil {
		return types.RunStatusFailed, fmt.Sprintf("failed to persist block: %v", err), true
	}

	result, err := l.runner.Execute(ctx, env, spec)
	if err != nil {
		return types.RunStatusFailed, fmt.Sprintf("block execution failed: %v", err), true
	}
	l.record(ctx, run, spec, result)

	outcome := blocks.Propagate(result, spec, lastStep)
	if !outcome.Continue {
		return outcome.RunStatus, result.FailureReason, true
	}

	// A successful block may have satisfied the goal outright; ask before
	// the step budget gets a chance to fail the run. A failed check is not
	// fatal: the next planning call covers the same question.
	if result.Success {
		achieved, err := l.checkCompletion(ctx, run, env)
		if err != nil {
			l.log.Warnf("completion check failed for run %s: %v", run.ID, err)
		} else if achieved {
			status, reason := l.completeRun(ctx, run)
			return status, reason, true
		}
	}
	return "", "", false
}

// completeRun summarizes the run's history into the final structured output
// and human summary, stores both, and yields the completed status.
func (l *Loop) completeRun(ctx context.Context, run *types.Run) (types.RunStatus, string) {
	output, summary, err := l.summarize(ctx, run)
	if err != nil {
		return types.RunStatusFailed, fmt.Sprintf("summarization failed: %v", err)
	}
	if err := l.store.SetRunResult(ctx, run.ID, output, summary); err != nil {
		return types.RunStatusFailed, fmt.Sprintf("failed to store result: %v", err)
	}
	return types.RunStatusCompleted, ""
}

// record appends the block's outcome to the run's task history. History is
// memory, not ground truth; an append failure is logged and the loop moves
// on.
func (l *Loop) record(ctx context.Context, run *types.Run, spec *types.BlockSpec, result *types.BlockResult) {
	entry := &types.TaskEntry{
		RunID:         run.ID,
		BlockType:     spec.Type,
		Plan:          spec.Goal,
		Status:        result.Status,
		ExtractedData: result.Output,
		FailureReason: result.FailureReason,
	}
	if entry.Plan == "" {
		entry.Plan = spec.URL
	}
	if err := l.store.AppendTask(ctx, entry); err != nil {
		l.log.Errorf("failed to append task for run %s: %v", run.ID, err)
	}
}

// finish moves the run to its terminal status, announces it, delivers the
// completion webhook, and closes the leased browser session.
func (l *Loop) finish(ctx context.Context, run *types.Run, env *blocks.Env, status types.RunStatus, reason string) error {
	if err := l.store.TransitionRun(ctx, run.ID, types.RunStatusRunning, status, reason); err != nil {
		// An external actor may have already moved the run to this exact
		// status (the cancellation the loop just observed); that is not a
		// failure, and cleanup still runs.
		fresh, getErr := l.store.GetRun(ctx, run.ID)
		if !errors.Is(err, store.ErrConflict) || getErr != nil || fresh.Status != status {
			l.log.Errorf("failed to finish run %s as %s: %v", run.ID, status, err)
			return err
		}
	}
	l.log.Infof("run %s finished: %s", run.ID, status)

	if l.events != nil {
		l.events.Publish(run.OrgID, types.NewRunFinishedEvent(run.OrgID, run.ID, status))
	}

	if run.WebhookURL != "" {
		if err := l.deliverWebhook(ctx, run, status, reason); err != nil {
			l.log.Errorf("webhook delivery failed for run %s: %v", run.ID, err)
			if storeErr := l.store.SetRunWebhookError(ctx, run.ID, err.Error()); storeErr != nil {
				l.log.Errorf("failed to record webhook error for run %s: %v", run.ID, storeErr)
			}
		}
	}

	if env != nil {
		if err := l.pool.Close(ctx, env.SessionID); err != nil {
			l.log.Errorf("failed to close session %s: %v", env.SessionID, err)
		}
	}
	return nil
}

// completionPayload is the signed body delivered to the run's webhook.
type completionPayload struct {
	RunID         string          `json:"run_id"`
	Status        types.RunStatus `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// deliverWebhook posts the run's terminal state to its webhook URL. The
// delivery outcome never changes the run's status.
func (l *Loop) deliverWebhook(ctx context.Context, run *types.Run, status types.RunStatus, reason string) error {
	fresh, err := l.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(completionPayload{
		RunID:         run.ID,
		Status:        status,
		Output:        fresh.Output,
		Summary:       fresh.Summary,
		FailureReason: reason,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, run.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range webhook.NewSigner(l.apiKey).Sign(body) {
		req.Header.Set(k, v)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// bestEffortSummary stores whatever summary can be produced when a budget
// runs out. Summarization failures degrade to the plain reason.
func (l *Loop) bestEffortSummary(ctx context.Context, run *types.Run, reason string) string {
	output, summary, err := l.summarize(ctx, run)
	if err != nil {
		l.log.Warnf("best-effort summary failed for run %s: %v", run.ID, err)
		return reason
	}
	if err := l.store.SetRunResult(ctx, run.ID, output, summary); err != nil {
		l.log.Warnf("failed to store best-effort result for run %s: %v", run.ID, err)
	}
	return strings.TrimSpace(reason + " " + summary)
}
