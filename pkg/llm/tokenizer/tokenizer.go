// Package tokenizer provides client-side token counting so prompt builders
// can stay within a model's context budget without a round trip.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/entrhq/waypoint/pkg/types"
)

// encoding is the tokenizer shared by current OpenAI chat models.
const encoding = "cl100k_base"

// messageOverhead approximates the per-message framing tokens the chat
// format adds around the content.
const messageOverhead = 4

// Tokenizer counts tokens using the tiktoken BPE tables.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// New creates a tokenizer. The BPE tables are embedded, so this does not
// hit the network.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encoding, err)
	}
	return &Tokenizer{enc: enc}, nil
}

// CountTokens returns the token count of a single string.
func (t *Tokenizer) CountTokens(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessagesTokens returns the approximate token count of a full
// conversation, including per-message framing overhead.
func (t *Tokenizer) CountMessagesTokens(messages []*types.Message) int {
	total := 0
	for _, msg := range messages {
		total += t.CountTokens(msg.Content) + t.CountTokens(string(msg.Role)) + messageOverhead
	}
	return total
}
