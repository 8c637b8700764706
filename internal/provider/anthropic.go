package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edisonhq/edison/internal/fault"
	"github.com/shopspring/decimal"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter speaks the Anthropic messages API.
type AnthropicAdapter struct {
	tag        string
	baseURL    string
	apiKey     string
	pricing    PricingTable
	httpClient *http.Client
}

// NewAnthropic creates an adapter for the Anthropic messages API. An empty
// baseURL uses the public endpoint.
func NewAnthropic(tag, baseURL, apiKey string) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicAdapter{
		tag:        tag,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		pricing:    anthropicPricing,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *AnthropicAdapter) Name() string { return a.tag }

type antMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type antRequest struct {
	Model         string       `json:"model"`
	System        string       `json:"system,omitempty"`
	Messages      []antMessage `json:"messages"`
	MaxTokens     int          `json:"max_tokens"`
	Temperature   float64      `json:"temperature,omitempty"`
	TopP          float64      `json:"top_p,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
}

type antResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// buildRequest folds system messages into the dedicated system field, as the
// messages API rejects system-role entries in the transcript.
func (a *AnthropicAdapter) buildRequest(req Request, stream bool) antRequest {
	out := antRequest{
		Model:         req.Model,
		MaxTokens:     req.Options.MaxTokens,
		Temperature:   req.Options.Temperature,
		TopP:          req.Options.TopP,
		StopSequences: req.Options.Stop,
		Stream:        stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := string(m.Role)
		if m.Role == RoleTool {
			role = string(RoleUser)
		}
		out.Messages = append(out.Messages, antMessage{Role: role, Content: m.Content})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

// Chat performs one synchronous messages-API call.
func (a *AnthropicAdapter) Chat(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := callContext(ctx, req.Options.Timeout)
	defer cancel()

	body, err := json.Marshal(a.buildRequest(req, false))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "marshal request")
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportFault(a.tag, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportFault(a.tag, err)
	}

	var parsed antResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fault.Wrap(fault.ProviderTransient, err, "decode response")
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, statusFault(a.tag, resp.StatusCode, msg)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Text:             text.String(),
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		Latency:          time.Since(start),
		FinishReason:     normalizeFinish(parsed.StopReason),
		Raw:              raw,
	}, nil
}

// StreamChat performs a streaming messages-API call.
func (a *AnthropicAdapter) StreamChat(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	ctx, cancel := callContext(ctx, req.Options.Timeout)
	defer cancel()

	body, err := json.Marshal(a.buildRequest(req, true))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "marshal request")
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportFault(a.tag, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, statusFault(a.tag, resp.StatusCode, string(raw))
	}

	var text strings.Builder
	var finish FinishReason = FinishStop
	promptTokens, completionTokens := 0, 0

	// Event stream: message_start carries input tokens, content_block_delta
	// carries text, message_delta carries stop_reason and output tokens.
	type streamEvent struct {
		Type    string `json:"type"`
		Message struct {
			Usage struct {
				InputTokens int `json:"input_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			promptTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			if ev.Delta.Text != "" {
				text.WriteString(ev.Delta.Text)
				if fn != nil {
					fn(ev.Delta.Text)
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				finish = normalizeFinish(ev.Delta.StopReason)
			}
			if ev.Usage.OutputTokens > 0 {
				completionTokens = ev.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, transportFault(a.tag, err)
	}

	return &Response{
		Text:             text.String(),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Latency:          time.Since(start),
		FinishReason:     finish,
	}, nil
}

// EstimateCost prices a call from the per-model pricing table.
func (a *AnthropicAdapter) EstimateCost(model string, promptTokens, completionTokens int) (decimal.Decimal, error) {
	return a.pricing.Cost(model, promptTokens, completionTokens)
}

// ValidateModel issues a minimal one-token probe.
func (a *AnthropicAdapter) ValidateModel(ctx context.Context, model string) error {
	if !a.pricing.Known(model) {
		return fault.New(fault.Validation, "unknown model id %q for provider %s", model, a.tag)
	}

	_, err := a.Chat(ctx, Request{
		Provider: a.tag,
		Model:    model,
		Messages: []Message{{Role: RoleUser, Content: "ping"}},
		Options:  Options{MaxTokens: 1, Timeout: 10 * time.Second},
	})
	return err
}

func (a *AnthropicAdapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

var _ Adapter = (*AnthropicAdapter)(nil)
