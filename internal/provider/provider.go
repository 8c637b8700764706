// Package provider normalizes chat-completion calls across heterogeneous LLM
// providers. Each adapter translates the uniform request into its provider's
// wire format; the Client composite layers rate limiting, response caching,
// circuit breaking, retry, timeout, and cost accounting on top.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the chat transcript sent to a provider.
type Message struct {
	Role     Role            `json:"role"`
	Content  string          `json:"content"`
	ToolCall json.RawMessage `json:"tool_call,omitempty"`
}

// FinishReason is the normalized reason a completion stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
)

// Options carries per-call sampling parameters and controls.
type Options struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	Seed             *int64
	Stop             []string
	ResponseFormat   string // "json" requests provider-native JSON mode
	Timeout          time.Duration
	NoCache          bool // caller opts out of the response cache
}

// Request is one normalized chat-completion call. ProjectID attributes the
// spend for budget tracking and is not part of the cache fingerprint.
type Request struct {
	Provider  string
	Model     string
	ProjectID string
	Messages  []Message
	Options   Options
}

// Response is the normalized result of a chat-completion call.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	FinishReason     FinishReason
	Cached           bool
	Raw              json.RawMessage
}

// StreamFunc receives incremental text deltas during a streaming call.
type StreamFunc func(delta string)

// Adapter is the per-provider capability set. Implementations must be safe
// for concurrent use.
type Adapter interface {
	// Name returns the provider tag this adapter serves (e.g. "openai").
	Name() string

	// Chat performs one synchronous chat-completion call.
	Chat(ctx context.Context, req Request) (*Response, error)

	// StreamChat performs a streaming call, invoking fn for each text delta,
	// and returns the final accumulated response.
	StreamChat(ctx context.Context, req Request, fn StreamFunc) (*Response, error)

	// EstimateCost prices a call from the per-model pricing table.
	// Unknown model ids are a Validation error, never a default price.
	EstimateCost(model string, promptTokens, completionTokens int) (decimal.Decimal, error)

	// ValidateModel performs a cheap probe confirming the credential and
	// model id are usable.
	ValidateModel(ctx context.Context, model string) error
}
