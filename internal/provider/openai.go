package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edisonhq/edison/internal/fault"
	"github.com/shopspring/decimal"
)

// defaultCallTimeout is the outer deadline applied to every provider call,
// independent of the HTTP client's own socket timeout.
const defaultCallTimeout = 60 * time.Second

// OpenAIAdapter speaks the OpenAI-compatible chat-completions API. It also
// serves any endpoint exposing the same wire format via BaseURL.
type OpenAIAdapter struct {
	tag        string
	baseURL    string
	apiKey     string
	pricing    PricingTable
	httpClient *http.Client
}

// NewOpenAI creates an adapter for an OpenAI-compatible endpoint. The tag is
// the provider tag used in model configs; baseURL must not include the
// /chat/completions suffix.
func NewOpenAI(tag, baseURL, apiKey string) *OpenAIAdapter {
	return &OpenAIAdapter{
		tag:        tag,
		baseURL:    normalizeBaseURL(baseURL),
		apiKey:     apiKey,
		pricing:    openAIPricing,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// normalizeBaseURL strips trailing slashes and a trailing "/chat/completions"
// suffix so the path is never doubled when the adapter appends it.
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

func (a *OpenAIAdapter) Name() string { return a.tag }

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model            string       `json:"model"`
	Messages         []oaiMessage `json:"messages"`
	Temperature      float64      `json:"temperature"`
	MaxTokens        int          `json:"max_tokens,omitempty"`
	TopP             float64      `json:"top_p,omitempty"`
	FrequencyPenalty float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64      `json:"presence_penalty,omitempty"`
	Seed             *int64       `json:"seed,omitempty"`
	Stop             []string     `json:"stop,omitempty"`
	Stream           bool         `json:"stream,omitempty"`
	ResponseFormat   *oaiFormat   `json:"response_format,omitempty"`
}

type oaiFormat struct {
	Type string `json:"type"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (a *OpenAIAdapter) buildRequest(req Request, stream bool) oaiRequest {
	msgs := make([]oaiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = oaiMessage{Role: string(m.Role), Content: m.Content}
	}
	out := oaiRequest{
		Model:            req.Model,
		Messages:         msgs,
		Temperature:      req.Options.Temperature,
		MaxTokens:        req.Options.MaxTokens,
		TopP:             req.Options.TopP,
		FrequencyPenalty: req.Options.FrequencyPenalty,
		PresencePenalty:  req.Options.PresencePenalty,
		Seed:             req.Options.Seed,
		Stop:             req.Options.Stop,
		Stream:           stream,
	}
	if req.Options.ResponseFormat == "json" {
		out.ResponseFormat = &oaiFormat{Type: "json_object"}
	}
	return out
}

// Chat performs one synchronous chat-completion call.
func (a *OpenAIAdapter) Chat(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := callContext(ctx, req.Options.Timeout)
	defer cancel()

	body, err := json.Marshal(a.buildRequest(req, false))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "marshal request")
	}

	start := time.Now()
	raw, status, err := a.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var parsed oaiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fault.Wrap(fault.ProviderTransient, err, "decode response")
	}
	if status != http.StatusOK {
		msg := string(raw)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, statusFault(a.tag, status, msg)
	}
	if len(parsed.Choices) == 0 {
		return nil, fault.New(fault.ProviderTransient, "%s: empty choices", a.tag)
	}

	return &Response{
		Text:             parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Latency:          time.Since(start),
		FinishReason:     normalizeFinish(parsed.Choices[0].FinishReason),
		Raw:              raw,
	}, nil
}

// StreamChat performs a streaming call, invoking fn for each content delta.
func (a *OpenAIAdapter) StreamChat(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	ctx, cancel := callContext(ctx, req.Options.Timeout)
	defer cancel()

	body, err := json.Marshal(a.buildRequest(req, true))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

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

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk oaiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage.PromptTokens > 0 {
			promptTokens = chunk.Usage.PromptTokens
			completionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			text.WriteString(delta)
			if fn != nil {
				fn(delta)
			}
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finish = normalizeFinish(fr)
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
func (a *OpenAIAdapter) EstimateCost(model string, promptTokens, completionTokens int) (decimal.Decimal, error) {
	return a.pricing.Cost(model, promptTokens, completionTokens)
}

// ValidateModel probes the models endpoint to confirm key and model id.
func (a *OpenAIAdapter) ValidateModel(ctx context.Context, model string) error {
	if !a.pricing.Known(model) {
		return fault.New(fault.Validation, "unknown model id %q for provider %s", model, a.tag)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models/"+model, nil)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "create request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return transportFault(a.tag, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return statusFault(a.tag, resp.StatusCode, string(raw))
	}
	return nil
}

func (a *OpenAIAdapter) post(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fault.Wrap(fault.Internal, err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, transportFault(a.tag, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, transportFault(a.tag, err)
	}
	return raw, resp.StatusCode, nil
}

// callContext applies the per-call deadline; zero timeout uses the default.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// transportFault maps transport-level errors, distinguishing deadline expiry.
func transportFault(tag string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Timeout, err, "%s: call deadline exceeded", tag)
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Internal, err, "%s: call cancelled", tag)
	}
	return fault.Wrap(fault.ProviderTransient, err, "%s: transport", tag)
}

// statusFault maps HTTP status codes onto the error taxonomy.
func statusFault(tag string, status int, msg string) error {
	msg = strings.TrimSpace(msg)
	if len(msg) > 500 {
		msg = msg[:500]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.AuthFailure, "%s: invalid key (HTTP %d): %s", tag, status, msg)
	case status == http.StatusTooManyRequests:
		if strings.Contains(msg, "quota") {
			return fault.New(fault.ProviderPermanent, "%s: quota exceeded: %s", tag, msg)
		}
		return fault.New(fault.RateLimit, "%s: rate limited: %s", tag, msg)
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		return fault.New(fault.Validation, "%s: rejected request (HTTP %d): %s", tag, status, msg)
	case status == http.StatusRequestTimeout:
		return fault.New(fault.Timeout, "%s: provider timeout: %s", tag, msg)
	case status >= 500:
		return fault.New(fault.ProviderTransient, "%s: provider error (HTTP %d): %s", tag, status, msg)
	default:
		return fault.New(fault.ProviderPermanent, "%s: unexpected HTTP %d: %s", tag, status, msg)
	}
}

// normalizeFinish maps provider finish reasons onto the normalized set.
func normalizeFinish(reason string) FinishReason {
	switch reason {
	case "stop", "end_turn", "stop_sequence", "":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	default:
		return FinishStop
	}
}

var _ Adapter = (*OpenAIAdapter)(nil)
