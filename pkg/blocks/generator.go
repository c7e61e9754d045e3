package blocks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/logging"
	"github.com/entrhq/waypoint/pkg/types"
)

// Scraper captures the current page for prompt construction.
type Scraper interface {
	Scrape(ctx context.Context, sessionID string) (*browser.Snapshot, error)
}

// Directive is the planner's choice of next block, reduced to the fields
// block generation needs.
type Directive struct {
	Type types.BlockType

	// Plan is the planner's free-text description of the work.
	Plan string

	// URL is the literal target for goto_url directives.
	URL string

	// OutputKey names the binding the block's output is stored under.
	OutputKey string

	// BodyType selects the nested block an iterate directive repeats.
	// Only navigate and extract may be nested.
	BodyType types.BlockType

	CodeRouting       *types.CodeRouting
	ContinueOnFailure bool
}

// Generator builds executable block specs from planner directives. Extract
// schemas are inferred by the utility model from the plan and the current
// page; iterate directives run an extraction up front to materialize their
// loop values.
type Generator struct {
	utility llm.Provider
	runner  Runner
	scraper Scraper
	log     *logging.Logger
}

// NewGenerator creates a generator. The runner executes the loop-value
// extraction that iterate generation requires.
func NewGenerator(utility llm.Provider, runner Runner, scraper Scraper) *Generator {
	log, _ := logging.NewLogger("blocks")
	return &Generator{utility: utility, runner: runner, scraper: scraper, log: log}
}

// Generate builds the block spec for a directive. The switch is exhaustive
// over the block type set; unknown types are an error, never a fallthrough.
func (g *Generator) Generate(ctx context.Context, env *Env, d *Directive) (*types.BlockSpec, error) {
	switch d.Type {
	case types.BlockTypeNavigate:
		return g.generateNavigate(env, d), nil
	case types.BlockTypeExtract:
		return g.generateExtract(ctx, env, d)
	case types.BlockTypeGotoURL:
		return g.generateGotoURL(env, d)
	case types.BlockTypeIterate:
		return g.generateIterate(ctx, env, d)
	default:
		return nil, fmt.Errorf("unknown block type %q", d.Type)
	}
}

func (g *Generator) label(env *Env, t types.BlockType) string {
	env.seq++
	return fmt.Sprintf("%s-%d", t, env.seq)
}

func (g *Generator) generateNavigate(env *Env, d *Directive) *types.BlockSpec {
	return &types.BlockSpec{
		Type:              types.BlockTypeNavigate,
		Label:             g.label(env, types.BlockTypeNavigate),
		Goal:              d.Plan,
		URL:               d.URL,
		OutputKey:         d.OutputKey,
		CodeRouting:       d.CodeRouting,
		ContinueOnFailure: d.ContinueOnFailure,
	}
}

func (g *Generator) generateGotoURL(env *Env, d *Directive) (*types.BlockSpec, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("goto_url directive has no URL")
	}
	return &types.BlockSpec{
		Type:              types.BlockTypeGotoURL,
		Label:             g.label(env, types.BlockTypeGotoURL),
		URL:               d.URL,
		ContinueOnFailure: d.ContinueOnFailure,
	}, nil
}

func (g *Generator) generateExtract(ctx context.Context, env *Env, d *Directive) (*types.BlockSpec, error) {
	schema, err := g.inferSchema(ctx, env, d.Plan)
	if err != nil {
		return nil, err
	}
	return &types.BlockSpec{
		Type:              types.BlockTypeExtract,
		Label:             g.label(env, types.BlockTypeExtract),
		Goal:              d.Plan,
		Schema:            schema,
		OutputKey:         d.OutputKey,
		ContinueOnFailure: d.ContinueOnFailure,
	}, nil
}

// schemaPrompt asks the utility model for a JSON template describing the
// extraction output. The model sees the current page's interactive elements
// so field names line up with what is actually on screen.
const schemaPrompt = `Given an extraction goal and a summary of the current page, produce a JSON object template describing the data to extract. Use descriptive snake_case keys with example-typed values ("" for strings, 0 for numbers, [] for lists). Respond with only the JSON object.

Goal: %s

Page elements:
%s`

func (g *Generator) inferSchema(ctx context.Context, env *Env, plan string) (json.RawMessage, error) {
	digest := ""
	if g.scraper != nil {
		snapshot, err := g.scraper.Scrape(ctx, env.SessionID)
		if err != nil {
			g.log.Warnf("schema inference proceeding without page digest: %v", err)
		} else {
			digest = snapshot.ElementDigest
		}
	}

	resp, err := g.utility.Complete(ctx, []*types.Message{
		types.NewUserMessage(fmt.Sprintf(schemaPrompt, plan, digest)),
	})
	if err != nil {
		return nil, fmt.Errorf("schema inference failed: %w", err)
	}

	var schema map[string]any
	if err := llm.DecodeJSON(resp.Content, &schema); err != nil {
		return nil, fmt.Errorf("schema inference returned invalid JSON: %w", err)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// loopSchema is the fixed extraction schema iterate generation uses to
// materialize its loop values. Both keys are mandatory in the output.
const loopSchema = `{"values": [""], "is_link": false}`

func (g *Generator) generateIterate(ctx context.Context, env *Env, d *Directive) (*types.BlockSpec, error) {
	if d.BodyType != types.BlockTypeNavigate && d.BodyType != types.BlockTypeExtract {
		return nil, fmt.Errorf("iterate body must be navigate or extract, got %q", d.BodyType)
	}

	label := g.label(env, types.BlockTypeIterate)
	valuesKey := label + "-values"

	// Materialize the loop values with a fixed-schema extraction against
	// the current page.
	extraction := &types.BlockSpec{
		Type:   types.BlockTypeExtract,
		Label:  label + "-loop-extract",
		Goal:   fmt.Sprintf("List the values to iterate over for: %s", d.Plan),
		Schema: json.RawMessage(loopSchema),
	}
	result, err := g.runner.Execute(ctx, env, extraction)
	if err != nil {
		return nil, fmt.Errorf("loop extraction failed: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("loop extraction failed: %s", result.FailureReason)
	}

	values, isLink, err := parseLoopValues(result.Output)
	if err != nil {
		return nil, err
	}
	g.log.Debugf("iterate %s extracted %d loop values (is_link=%t)", label, len(values), isLink)
	env.Bind(valuesKey, result.Output)

	// The body always continues past a failed item: one bad value must not
	// abort the remaining iterations.
	body := &types.BlockSpec{
		Type:              d.BodyType,
		Label:             label + "-body",
		Goal:              d.Plan,
		CodeRouting:       d.CodeRouting,
		ContinueOnFailure: true,
	}
	if d.BodyType == types.BlockTypeExtract {
		schema, err := g.inferSchema(ctx, env, d.Plan)
		if err != nil {
			return nil, err
		}
		body.Schema = schema
	}

	return &types.BlockSpec{
		Type:              types.BlockTypeIterate,
		Label:             label,
		LoopOver:          valuesKey,
		LoopValueIsLink:   isLink,
		Body:              body,
		OutputKey:         d.OutputKey,
		ContinueOnFailure: d.ContinueOnFailure,
	}, nil
}

// parseLoopValues strictly validates a loop extraction output. Both the
// "values" list and the "is_link" flag must be present and well typed; a
// missing key is an explicit error, never a default.
func parseLoopValues(output json.RawMessage) ([]string, bool, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, false, fmt.Errorf("loop extraction output is not an object: %w", err)
	}

	valuesRaw, ok := raw["values"]
	if !ok {
		return nil, false, fmt.Errorf("loop extraction output missing required key %q", "values")
	}
	isLinkRaw, ok := raw["is_link"]
	if !ok {
		return nil, false, fmt.Errorf("loop extraction output missing required key %q", "is_link")
	}

	var values []string
	if err := json.Unmarshal(valuesRaw, &values); err != nil {
		return nil, false, fmt.Errorf("loop extraction %q is not a string list: %w", "values", err)
	}
	if len(values) == 0 {
		return nil, false, fmt.Errorf("loop extraction produced no values")
	}

	var isLink bool
	if err := json.Unmarshal(isLinkRaw, &isLink); err != nil {
		return nil, false, fmt.Errorf("loop extraction %q is not a boolean: %w", "is_link", err)
	}
	return values, isLink, nil
}
