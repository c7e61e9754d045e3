package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/logging"
	"github.com/entrhq/waypoint/pkg/otp"
	"github.com/entrhq/waypoint/pkg/types"
)

// defaultActionRounds bounds how many model-chosen page actions a single
// navigate block may take before it is declared failed.
const defaultActionRounds = 8

// actionTimeoutMillis bounds each individual click or fill.
const actionTimeoutMillis = 10000.0

// BrowserRunner executes blocks against a live playwright page. Navigate
// blocks are driven action by action by the model; extract blocks are a
// single vision call over the page snapshot.
type BrowserRunner struct {
	pool         *browser.Pool
	model        llm.Provider
	codes        *otp.Coordinator
	log          *logging.Logger
	actionRounds int
	signingKey   string
}

// RunnerOption configures a BrowserRunner.
type RunnerOption func(*BrowserRunner)

// WithActionRounds overrides the per-navigate action budget.
func WithActionRounds(n int) RunnerOption {
	return func(r *BrowserRunner) { r.actionRounds = n }
}

// WithSigningKey sets the key used to sign verification-code webhook
// requests.
func WithSigningKey(key string) RunnerOption {
	return func(r *BrowserRunner) { r.signingKey = key }
}

// NewBrowserRunner creates a runner. The coordinator may be nil when no
// verification-code flow is configured; navigate blocks that then hit a code
// prompt fail instead of waiting.
func NewBrowserRunner(pool *browser.Pool, model llm.Provider, codes *otp.Coordinator, opts ...RunnerOption) *BrowserRunner {
	log, _ := logging.NewLogger("runner")
	r := &BrowserRunner{
		pool:         pool,
		model:        model,
		codes:        codes,
		log:          log,
		actionRounds: defaultActionRounds,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs one block to a terminal result. Errors are reserved for
// infrastructure faults; a block that merely did not achieve its goal comes
// back as a failed result, not an error.
func (r *BrowserRunner) Execute(ctx context.Context, env *Env, spec *types.BlockSpec) (*types.BlockResult, error) {
	if err := ctx.Err(); err != nil {
		return canceledResult(), nil
	}

	switch spec.Type {
	case types.BlockTypeGotoURL:
		return r.runGotoURL(ctx, env, spec), nil
	case types.BlockTypeNavigate:
		return r.runNavigate(ctx, env, spec)
	case types.BlockTypeExtract:
		return r.runExtract(ctx, env, spec)
	case types.BlockTypeIterate:
		return r.runIterate(ctx, env, spec)
	default:
		return nil, fmt.Errorf("unknown block type %q", spec.Type)
	}
}

func (r *BrowserRunner) runGotoURL(ctx context.Context, env *Env, spec *types.BlockSpec) *types.BlockResult {
	if err := r.pool.Navigate(ctx, env.SessionID, spec.URL); err != nil {
		return failedResult(err.Error())
	}
	return successResult(nil)
}

// action is the model's instruction for one navigate round.
type action struct {
	Action   string `json:"action"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	URL      string `json:"url,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

const navigatePrompt = `You are driving a web page toward a goal, one action at a time.

Goal: %s

Current URL: %s
Page title: %s

Interactive elements:
%s
%s
Respond with only a JSON object choosing your next action:
{"action": "click", "selector": "<css selector>"}
{"action": "fill", "selector": "<css selector>", "value": "<text>"}
{"action": "goto", "url": "<url>"}
{"action": "code", "selector": "<css selector of the code input>"}  — when the page asks for a one-time verification code
{"action": "done"}  — when the goal is achieved
{"action": "stuck", "reason": "<why>"}  — when the goal cannot be achieved`

func (r *BrowserRunner) runNavigate(ctx context.Context, env *Env, spec *types.BlockSpec) (*types.BlockResult, error) {
	if spec.URL != "" {
		if err := r.pool.Navigate(ctx, env.SessionID, spec.URL); err != nil {
			return failedResult(err.Error()), nil
		}
	}

	feedback := ""
	for round := 0; round < r.actionRounds; round++ {
		if err := ctx.Err(); err != nil {
			return canceledResult(), nil
		}

		snapshot, err := r.pool.Scrape(ctx, env.SessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to scrape page: %w", err)
		}

		prompt := fmt.Sprintf(navigatePrompt,
			spec.Goal, snapshot.URL, snapshot.Title, snapshot.ElementDigest, feedback)
		resp, err := r.model.Complete(ctx, []*types.Message{
			types.NewUserMessageWithImages(prompt, [][]byte{snapshot.Screenshot}),
		})
		if err != nil {
			return nil, fmt.Errorf("navigate model call failed: %w", err)
		}

		var act action
		if err := llm.DecodeJSON(resp.Content, &act); err != nil {
			feedback = fmt.Sprintf("\nYour previous response was not valid JSON: %v\n", err)
			continue
		}

		done, result, err := r.applyAction(ctx, env, spec, &act)
		if err != nil {
			feedback = fmt.Sprintf("\nYour previous action failed: %v\n", err)
			continue
		}
		if done {
			return result, nil
		}
		feedback = ""
	}

	return failedResult(fmt.Sprintf("exceeded %d actions without achieving the goal", r.actionRounds)), nil
}

// applyAction performs one model-chosen action. A returned result means the
// block is finished; a returned error is fed back to the model as context
// for its next attempt.
func (r *BrowserRunner) applyAction(ctx context.Context, env *Env, spec *types.BlockSpec, act *action) (bool, *types.BlockResult, error) {
	switch act.Action {
	case "done":
		return true, successResult(nil), nil
	case "stuck":
		return true, &types.BlockResult{
			Status:        types.BlockStatusTerminated,
			FailureReason: act.Reason,
		}, nil
	case "goto":
		return false, nil, r.pool.Navigate(ctx, env.SessionID, act.URL)
	case "click":
		page, err := r.pool.Page(ctx, env.SessionID)
		if err != nil {
			return false, nil, err
		}
		timeout := actionTimeoutMillis
		return false, nil, page.Locator(act.Selector).Click(playwright.LocatorClickOptions{Timeout: &timeout})
	case "fill":
		page, err := r.pool.Page(ctx, env.SessionID)
		if err != nil {
			return false, nil, err
		}
		timeout := actionTimeoutMillis
		return false, nil, page.Locator(act.Selector).Fill(act.Value, playwright.LocatorFillOptions{Timeout: &timeout})
	case "code":
		return r.applyCode(ctx, env, spec, act)
	default:
		return false, nil, fmt.Errorf("unknown action %q", act.Action)
	}
}

// applyCode resolves a one-time code through the coordinator and applies it:
// codes are filled into the indicated input, magic links are navigated to.
func (r *BrowserRunner) applyCode(ctx context.Context, env *Env, spec *types.BlockSpec, act *action) (bool, *types.BlockResult, error) {
	if r.codes == nil || spec.CodeRouting == nil {
		return true, failedResult("page requires a verification code but no code routing is configured"), nil
	}

	req := otp.Request{
		OrgID:       env.Run.OrgID,
		RunID:       env.Run.ID,
		Identifier:  spec.CodeRouting.Identifier,
		CallbackURL: spec.CodeRouting.CallbackURL,
		APIKey:      r.signingKey,
	}
	result, err := r.codes.WaitForCode(ctx, req)
	if errors.Is(err, otp.ErrNoCodeFound) {
		return true, failedResult("verification code wait timed out"), nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return true, canceledResult(), nil
		}
		return false, nil, err
	}

	if result.Type == types.CodeTypeMagicLink {
		return false, nil, r.pool.Navigate(ctx, env.SessionID, result.Code)
	}

	page, err := r.pool.Page(ctx, env.SessionID)
	if err != nil {
		return false, nil, err
	}
	timeout := actionTimeoutMillis
	return false, nil, page.Locator(act.Selector).Fill(result.Code, playwright.LocatorFillOptions{Timeout: &timeout})
}

const extractPrompt = `Extract data from the current page according to the goal and schema below. Respond with only a JSON object matching the schema's shape. Use null for fields the page does not show.

Goal: %s

Schema:
%s

Current URL: %s

Interactive elements:
%s`

func (r *BrowserRunner) runExtract(ctx context.Context, env *Env, spec *types.BlockSpec) (*types.BlockResult, error) {
	snapshot, err := r.pool.Scrape(ctx, env.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to scrape page: %w", err)
	}

	prompt := fmt.Sprintf(extractPrompt, spec.Goal, string(spec.Schema), snapshot.URL, snapshot.ElementDigest)
	resp, err := r.model.Complete(ctx, []*types.Message{
		types.NewUserMessageWithImages(prompt, [][]byte{snapshot.Screenshot}),
	})
	if err != nil {
		return nil, fmt.Errorf("extract model call failed: %w", err)
	}

	var data map[string]any
	if err := llm.DecodeJSON(resp.Content, &data); err != nil {
		return failedResult(fmt.Sprintf("extraction returned invalid JSON: %v", err)), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	env.Bind(spec.OutputKey, raw)
	return successResult(raw), nil
}

func (r *BrowserRunner) runIterate(ctx context.Context, env *Env, spec *types.BlockSpec) (*types.BlockResult, error) {
	bound, ok := env.Bindings[spec.LoopOver]
	if !ok {
		return nil, fmt.Errorf("iterate references unknown binding %q", spec.LoopOver)
	}
	values, _, err := parseLoopValues(bound)
	if err != nil {
		return nil, err
	}

	outputs := make([]json.RawMessage, 0, len(values))
	for i, value := range values {
		if ctx.Err() != nil {
			return canceledResult(), nil
		}

		if spec.LoopValueIsLink {
			if err := r.pool.Navigate(ctx, env.SessionID, value); err != nil {
				if !spec.Body.ContinueOnFailure {
					return failedResult(fmt.Sprintf("iteration %d: %v", i+1, err)), nil
				}
				outputs = append(outputs, json.RawMessage("null"))
				continue
			}
		}

		body := *spec.Body
		body.Goal = fmt.Sprintf("%s (current value: %s)", spec.Body.Goal, value)

		result, err := r.Execute(ctx, env, &body)
		if err != nil {
			return nil, err
		}
		if result.Status == types.BlockStatusCanceled {
			return canceledResult(), nil
		}
		if !result.Success {
			if !spec.Body.ContinueOnFailure {
				return &types.BlockResult{
					Status:        result.Status,
					FailureReason: fmt.Sprintf("iteration %d: %s", i+1, result.FailureReason),
				}, nil
			}
			outputs = append(outputs, json.RawMessage("null"))
			continue
		}
		outputs = append(outputs, result.Output)
	}

	raw, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	env.Bind(spec.OutputKey, raw)
	return successResult(raw), nil
}

func successResult(output json.RawMessage) *types.BlockResult {
	return &types.BlockResult{Success: true, Status: types.BlockStatusSuccess, Output: output}
}

func failedResult(reason string) *types.BlockResult {
	return &types.BlockResult{Status: types.BlockStatusFailed, FailureReason: reason}
}

func canceledResult() *types.BlockResult {
	return &types.BlockResult{Status: types.BlockStatusCanceled, FailureReason: "context canceled"}
}
