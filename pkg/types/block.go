package types

import "encoding/json"

// BlockType identifies the kind of atomic browser work a block performs.
// The set is closed: every dispatch over block types must handle all four
// variants explicitly so that adding a new one is a compile-time exercise.
type BlockType string

const (
	// BlockTypeNavigate drives the page toward a free-text mini-goal.
	BlockTypeNavigate BlockType = "navigate"

	// BlockTypeExtract pulls structured data off the current page.
	BlockTypeExtract BlockType = "extract"

	// BlockTypeGotoURL navigates to a literal URL with no model involvement.
	BlockTypeGotoURL BlockType = "goto_url"

	// BlockTypeIterate repeats a nested block over a list of extracted values.
	BlockTypeIterate BlockType = "iterate"
)

// BlockStatus is the terminal status of one executed block.
type BlockStatus string

const (
	BlockStatusSuccess    BlockStatus = "success"
	BlockStatusFailed     BlockStatus = "failed"
	BlockStatusTerminated BlockStatus = "terminated"
	BlockStatusCanceled   BlockStatus = "canceled"
	BlockStatusSkipped    BlockStatus = "skipped"
)

// CodeRouting carries the one-time-code resolution hints a navigate block
// may need mid-flight: a verification callback URL for the webhook source
// and an identifier for matching manually submitted codes.
type CodeRouting struct {
	CallbackURL string `json:"callback_url,omitempty"`
	Identifier  string `json:"identifier,omitempty"`
}

// BlockSpec is one atomic unit of browser work generated on the fly by the
// planner. It is a tagged variant over the BlockType set; the fields that
// apply depend on Type. Labels are unique within the set of blocks attached
// to one run, and OutputKey names the binding later blocks may reference.
type BlockSpec struct {
	Type      BlockType `json:"type"`
	Label     string    `json:"label"`
	OutputKey string    `json:"output_key,omitempty"`

	// URL is the literal destination for goto_url blocks and the optional
	// target for navigate blocks.
	URL string `json:"url,omitempty"`

	// Goal is the mini-goal text for navigate and extract blocks.
	Goal string `json:"goal,omitempty"`

	// Schema is the inferred output schema for extract blocks.
	Schema json.RawMessage `json:"schema,omitempty"`

	// CodeRouting configures the OTP wait-and-resolve protocol for
	// navigate blocks.
	CodeRouting *CodeRouting `json:"code_routing,omitempty"`

	// LoopOver references the output binding holding the values an iterate
	// block repeats its Body over.
	LoopOver string `json:"loop_over,omitempty"`

	// LoopValueIsLink marks each loop value as a destination URL rather
	// than a same-page input variant.
	LoopValueIsLink bool `json:"loop_value_is_link,omitempty"`

	// Body is the nested block an iterate block runs once per value.
	Body *BlockSpec `json:"body,omitempty"`

	// ContinueOnFailure lets the owning loop proceed past a failed
	// execution of this block instead of stopping the run.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`
}

// BlockResult is the outcome record produced by executing one block. Output
// holds a discriminated extraction payload for extract blocks or a
// list-of-lists for iterate blocks.
type BlockResult struct {
	Success       bool            `json:"success"`
	Status        BlockStatus     `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}
