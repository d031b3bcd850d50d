package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/tokengate/internal/domain"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"

// AnthropicAdapter is a direct HTTP client for the Anthropic messages API.
type AnthropicAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropicAdapter creates an Anthropic adapter. timeout is the hard
// per-call ceiling for this provider.
func NewAnthropicAdapter(apiKey, baseURL string, timeout time.Duration) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AnthropicAdapter{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Capabilities returns the provider-wide capability set.
func (a *AnthropicAdapter) Capabilities() domain.CapabilitySet {
	return domain.NewCapabilitySet(domain.CapText, domain.CapCode, domain.CapImageToText)
}

// Invoke sends a non-streaming messages request.
func (a *AnthropicAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	payload, err := json.Marshal(a.buildRequestBody(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := a.send(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var result anthropicResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	var content strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Result{
		Content: content.String(),
		Usage: &Usage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		},
		Model:    result.Model,
		Duration: time.Since(start),
	}, nil
}

// Stream starts a streaming messages request. The HTTP exchange happens
// synchronously so a pre-stream rejection surfaces as an error return, not
// as an event; only body reading runs in the background.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	payload, err := json.Marshal(a.buildRequestBody(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := a.send(ctx, payload)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go a.readStream(ctx, resp.Body, events)
	return events, nil
}

func (a *AnthropicAdapter) send(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/messages", strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{Provider: a.Name(), Code: resp.StatusCode, Message: string(body)}
	}
	return resp, nil
}

func (a *AnthropicAdapter) buildRequestBody(req Request, stream bool) map[string]any {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	messages := make([]map[string]string, 0, len(req.History)+1)
	for _, m := range req.History {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": domain.RoleUser, "content": req.Prompt})

	return map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
}

// readStream scans SSE events and forwards normalized chunks. The channel
// is closed after exactly one terminal event, or as soon as ctx ends.
func (a *AnthropicAdapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	scanner := newServerSentEventScanner(body)
	var usage Usage
	var sawUsage bool

	for scanner.Scan() {
		dataStr, ok := scanner.Data()
		if !ok {
			continue
		}
		if dataStr == "[DONE]" {
			break
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(dataStr), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				if !deliver(ctx, events, Event{Type: EventDelta, Text: event.Delta.Text}) {
					return
				}
			}
		case "message_start":
			if event.Message != nil && event.Message.Usage.InputTokens > 0 {
				usage.InputTokens = event.Message.Usage.InputTokens
				sawUsage = true
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = event.Usage.OutputTokens
				sawUsage = true
			}
		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			deliver(ctx, events, Event{Type: EventError, Err: msg})
			return
		}
	}

	if err := scanner.scanner.Err(); err != nil {
		deliver(ctx, events, Event{Type: EventError, Err: err.Error()})
		return
	}

	done := Event{Type: EventDone}
	if sawUsage {
		done.Usage = &usage
	}
	deliver(ctx, events, done)
}

// API response structures

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string               `json:"type"`
	Delta   anthropicStreamDelta `json:"delta,omitempty"`
	Message *anthropicResponse   `json:"message,omitempty"`
	Usage   anthropicUsage       `json:"usage,omitempty"`
	Error   *anthropicAPIError   `json:"error,omitempty"`
}

type anthropicStreamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
