package types

// MessageRole identifies the author of a model conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn in a model conversation. Images carries raw PNG
// screenshots attached to the message as image parts.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
	Images  [][]byte    `json:"-"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

// NewUserMessageWithImages creates a user message carrying screenshots.
func NewUserMessageWithImages(content string, images [][]byte) *Message {
	return &Message{Role: RoleUser, Content: content, Images: images}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content}
}

// ModelInfo describes the model behind an LLM provider.
type ModelInfo struct {
	Provider  string         `json:"provider"`
	Name      string         `json:"name"`
	MaxTokens int            `json:"max_tokens"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
