package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/waypoint/pkg/blocks"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/types"
)

// decision is the structured planning answer the model returns each
// iteration.
type decision struct {
	UserGoalAchieved bool   `json:"user_goal_achieved"`
	Observation      string `json:"observation"`
	Plan             string `json:"plan"`
	TaskType         string `json:"task_type"`

	URL               string `json:"url,omitempty"`
	OutputKey         string `json:"output_key,omitempty"`
	BodyType          string `json:"body_type,omitempty"`
	CodeIdentifier    string `json:"code_identifier,omitempty"`
	ContinueOnFailure bool   `json:"continue_on_failure,omitempty"`
}

const plannerSystemPrompt = `You are an autonomous web agent planning one step at a time toward a user's goal. Each step you observe the current page and the history of completed steps, then either declare the goal achieved or plan exactly one next task.

Task types:
- "navigate": drive the page toward a small free-text goal (clicking, filling forms, logging in)
- "extract": pull structured data off the current page
- "goto_url": go directly to a known URL (set "url")
- "iterate": repeat one nested task over a list of values visible on the page (set "body_type" to "navigate" or "extract")

Respond with only a JSON object:
{
  "user_goal_achieved": true|false,
  "observation": "<what the current page shows>",
  "plan": "<the single next task, or why the goal is achieved>",
  "task_type": "navigate"|"extract"|"goto_url"|"iterate",
  "url": "<for goto_url>",
  "output_key": "<name for extracted data, when extracting>",
  "body_type": "<for iterate>",
  "code_identifier": "<the email or phone a verification code will be sent to, when logging in>",
  "continue_on_failure": true|false
}`

// decide makes one planning call over the goal, the task history, and the
// current page snapshot.
func (l *Loop) decide(ctx context.Context, run *types.Run, env *blocks.Env) (*decision, error) {
	snapshot, err := l.pool.Scrape(ctx, env.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to scrape page: %w", err)
	}

	history, err := l.renderHistory(ctx, run)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", run.Goal)
	if len(run.OutputSchema) > 0 {
		fmt.Fprintf(&b, "Required output schema:\n%s\n\n", string(run.OutputSchema))
	}
	fmt.Fprintf(&b, "Current time: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Completed steps:\n%s\n", history)
	fmt.Fprintf(&b, "Current URL: %s\nPage title: %s\n\nInteractive elements:\n%s",
		snapshot.URL, snapshot.Title, snapshot.ElementDigest)

	resp, err := l.model.Complete(ctx, []*types.Message{
		types.NewSystemMessage(plannerSystemPrompt),
		types.NewUserMessageWithImages(b.String(), [][]byte{snapshot.Screenshot}),
	})
	if err != nil {
		return nil, fmt.Errorf("planning call failed: %w", err)
	}

	var d decision
	if err := llm.DecodeJSON(resp.Content, &d); err != nil {
		return nil, fmt.Errorf("planning response invalid: %w", err)
	}
	if !d.UserGoalAchieved && d.TaskType == "" {
		return nil, fmt.Errorf("planning response named no task type")
	}
	return &d, nil
}

const completionPrompt = `A web agent just finished a step toward this goal. Decide only whether the goal is now fully satisfied by what has been done so far.

Goal: %s

Completed steps:
%s
Current URL: %s
Page title: %s

Respond with only a JSON object:
{"user_goal_achieved": true|false, "observation": "<what remains, if anything>"}`

// checkCompletion asks the model whether the goal is satisfied after a
// successful block, without planning a next task.
func (l *Loop) checkCompletion(ctx context.Context, run *types.Run, env *blocks.Env) (bool, error) {
	snapshot, err := l.pool.Scrape(ctx, env.SessionID)
	if err != nil {
		return false, fmt.Errorf("failed to scrape page: %w", err)
	}
	history, err := l.renderHistory(ctx, run)
	if err != nil {
		return false, err
	}

	prompt := fmt.Sprintf(completionPrompt, run.Goal, history, snapshot.URL, snapshot.Title)
	resp, err := l.model.Complete(ctx, []*types.Message{
		types.NewUserMessageWithImages(prompt, [][]byte{snapshot.Screenshot}),
	})
	if err != nil {
		return false, fmt.Errorf("completion check call failed: %w", err)
	}

	var d decision
	if err := llm.DecodeJSON(resp.Content, &d); err != nil {
		return false, fmt.Errorf("completion check response invalid: %w", err)
	}
	return d.UserGoalAchieved, nil
}

// renderHistory formats the run's task history for the prompt, dropping the
// oldest entries when the rendered text exceeds the prompt token budget.
// The newest entries are the ones the model must see.
func (l *Loop) renderHistory(ctx context.Context, run *types.Run) (string, error) {
	entries, err := l.store.ListTasks(ctx, run.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load task history: %w", err)
	}
	if len(entries) == 0 {
		return "(none)\n", nil
	}

	for start := 0; ; start++ {
		rendered := renderEntries(entries[start:], start)
		if l.tok == nil || l.maxPromptTokens == 0 || start == len(entries)-1 {
			return rendered, nil
		}
		if l.tok.CountTokens(rendered) <= l.maxPromptTokens {
			return rendered, nil
		}
	}
}

func renderEntries(entries []*types.TaskEntry, dropped int) string {
	var b strings.Builder
	if dropped > 0 {
		fmt.Fprintf(&b, "(%d earlier steps omitted)\n", dropped)
	}
	for _, e := range entries {
		fmt.Fprintf(&b, "%d. [%s] %s -> %s", e.Seq, e.BlockType, e.Plan, e.Status)
		if e.FailureReason != "" {
			fmt.Fprintf(&b, " (%s)", e.FailureReason)
		}
		b.WriteString("\n")
		if len(e.ExtractedData) > 0 {
			fmt.Fprintf(&b, "   data: %s\n", string(e.ExtractedData))
		}
	}
	return b.String()
}

const summarizePrompt = `The web agent finished working on this goal. Produce the final result from the step history.

Goal: %s
%s
Step history:
%s
Respond with only a JSON object:
{"output": <the final data%s>, "summary": "<2-3 sentences describing what was done and found>"}`

// summarize produces the run's final output and human-readable summary from
// the full task history.
func (l *Loop) summarize(ctx context.Context, run *types.Run) (json.RawMessage, string, error) {
	entries, err := l.store.ListTasks(ctx, run.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load task history: %w", err)
	}

	schemaNote, schemaHint := "", ""
	if len(run.OutputSchema) > 0 {
		schemaNote = fmt.Sprintf("\nRequired output schema:\n%s\n", string(run.OutputSchema))
		schemaHint = ", matching the required schema"
	}

	prompt := fmt.Sprintf(summarizePrompt, run.Goal, schemaNote, renderEntries(entries, 0), schemaHint)
	resp, err := l.model.Complete(ctx, []*types.Message{types.NewUserMessage(prompt)})
	if err != nil {
		return nil, "", fmt.Errorf("summarization call failed: %w", err)
	}

	var result struct {
		Output  json.RawMessage `json:"output"`
		Summary string          `json:"summary"`
	}
	if err := llm.DecodeJSON(resp.Content, &result); err != nil {
		return nil, "", fmt.Errorf("summarization response invalid: %w", err)
	}
	return result.Output, result.Summary, nil
}
