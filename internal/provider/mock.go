package provider

import (
	"context"
	"sync"
	"time"

	"github.com/edisonhq/edison/internal/fault"
	"github.com/shopspring/decimal"
)

// MockAdapter is a scripted in-process provider for tests and smoke runs.
// Responses are served from a script function or a fixed reply; failures can
// be injected per call.
type MockAdapter struct {
	tag string

	mu     sync.Mutex
	script func(req Request) (*Response, error)
	calls  int
	price  ModelPrice
}

// NewMock creates a mock provider that echoes the last user message.
func NewMock(tag string) *MockAdapter {
	return &MockAdapter{
		tag:   tag,
		price: ModelPrice{PromptPerMTok: usd("1.00"), CompletionPerMTok: usd("2.00")},
	}
}

// Script replaces the response function. The function runs under the adapter
// lock, so scripts may close over shared test state.
func (m *MockAdapter) Script(fn func(req Request) (*Response, error)) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = fn
	return m
}

// Calls returns how many Chat calls reached the adapter (cache misses only
// when running under the Client).
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockAdapter) Name() string { return m.tag }

func (m *MockAdapter) Chat(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.script != nil {
		return m.script(req)
	}

	text := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			text = req.Messages[i].Content
			break
		}
	}
	return &Response{
		Text:             text,
		PromptTokens:     countTokens(req.Messages),
		CompletionTokens: len(text)/4 + 1,
		Latency:          time.Millisecond,
		FinishReason:     FinishStop,
	}, nil
}

func (m *MockAdapter) StreamChat(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	resp, err := m.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if fn != nil && resp.Text != "" {
		fn(resp.Text)
	}
	return resp, nil
}

func (m *MockAdapter) EstimateCost(_ string, promptTokens, completionTokens int) (decimal.Decimal, error) {
	prompt := m.price.PromptPerMTok.Mul(decimal.NewFromInt(int64(promptTokens))).Div(million)
	completion := m.price.CompletionPerMTok.Mul(decimal.NewFromInt(int64(completionTokens))).Div(million)
	return prompt.Add(completion), nil
}

func (m *MockAdapter) ValidateModel(context.Context, string) error { return nil }

// countTokens approximates prompt tokens as chars/4, floor 1.
func countTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	if total == 0 {
		return 1
	}
	return total/4 + 1
}

// Fail returns a scripted error response for failure-injection tests.
func Fail(kind fault.Kind, msg string) func(Request) (*Response, error) {
	return func(Request) (*Response, error) {
		return nil, fault.New(kind, "%s", msg)
	}
}

var _ Adapter = (*MockAdapter)(nil)
