package provider

import (
	"context"
	"fmt"
)

// ID identifies one of the supported LLM vendors.
type ID string

const (
	OpenAI    ID = "openai"
	Anthropic ID = "anthropic"
	Google    ID = "google"
	Cohere    ID = "cohere"
)

// All lists every supported provider in a stable order.
var All = []ID{OpenAI, Anthropic, Google, Cohere}

func (id ID) String() string { return string(id) }

// Valid reports whether id is one of the supported providers.
func (id ID) Valid() bool {
	switch id {
	case OpenAI, Anthropic, Google, Cohere:
		return true
	}
	return false
}

// ParseID converts a raw provider name into an ID.
func ParseID(s string) (ID, error) {
	id := ID(s)
	if !id.Valid() {
		return "", &ConfigurationError{Provider: s, Reason: "unsupported AI provider"}
	}
	return id, nil
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params are the per-call generation parameters. They never live on a client.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// Validate rejects parameters no vendor accepts.
func (p Params) Validate() error {
	if p.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidRequest)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidRequest)
	}
	return nil
}

// ValidateMessages checks that a conversation is non-empty and uses known roles.
func ValidateMessages(messages []Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}
	for i, m := range messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %d has unsupported role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	return nil
}

// Config is the static per-provider configuration loaded at startup.
type Config struct {
	APIKey string
	Models []string
}

type Response struct {
	ID           string
	Content      string
	Model        string
	Provider     ID
	InputTokens  int
	OutputTokens int
}

// Chunk is one element of a completion stream. A stream ends with exactly one
// chunk carrying Done or Err, after which the channel is closed.
type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Client is bound to one (api key, model) pair for its whole lifetime.
type Client interface {
	Provider() ID
	Model() string
	ChatCompletion(ctx context.Context, messages []Message, params Params) (*Response, error)
	StreamCompletion(ctx context.Context, messages []Message, params Params) (<-chan *Chunk, error)
}
