// Package llm abstracts the language-model collaborator. The planning loop
// makes one call per planning decision, per completion check, per loop-value
// extraction, and per summarization; all of them expect structured JSON
// back.
package llm

import (
	"context"

	"github.com/entrhq/waypoint/pkg/types"
)

// Provider is the language-model contract. Implementations handle API
// communication only; prompt construction and response parsing belong to
// the callers.
type Provider interface {
	// Complete sends the conversation to the model and returns the full
	// assistant response. Messages may carry screenshots as image parts.
	Complete(ctx context.Context, messages []*types.Message) (*types.Message, error)

	// GetModel returns the model name being used.
	GetModel() string

	// GetModelInfo returns metadata about the model being used.
	GetModelInfo() *types.ModelInfo
}

// ModelCloner is an optional interface providers can implement to support
// lightweight per-call model overrides without constructing a full second
// provider. The clone shares credentials and transport with the original.
type ModelCloner interface {
	CloneWithModel(model string) Provider
}

// WithModel returns a provider directed at the given model when p supports
// cloning, and p itself otherwise.
func WithModel(p Provider, model string) Provider {
	if model == "" || model == p.GetModel() {
		return p
	}
	if cloner, ok := p.(ModelCloner); ok {
		return cloner.CloneWithModel(model)
	}
	return p
}
