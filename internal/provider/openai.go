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

const openaiDefaultBaseURL = "https://api.openai.com"

// OpenAIAdapter is a direct HTTP client for the OpenAI API. It serves both
// streaming chat completions and the non-streaming media endpoints (image
// generation, speech synthesis, transcription).
type OpenAIAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIAdapter creates an OpenAI adapter. timeout is the hard per-call
// ceiling for this provider.
func NewOpenAIAdapter(apiKey, baseURL string, timeout time.Duration) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIAdapter{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (o *OpenAIAdapter) Name() string { return "openai" }

// Capabilities returns the provider-wide capability set.
func (o *OpenAIAdapter) Capabilities() domain.CapabilitySet {
	return domain.NewCapabilitySet(
		domain.CapText, domain.CapCode,
		domain.CapTextToImage, domain.CapTextToAudio, domain.CapAudioToText,
	)
}

// Invoke dispatches a blocking call on the endpoint matching the requested
// capability.
func (o *OpenAIAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	switch req.Capability {
	case domain.CapTextToImage:
		return o.invokeImage(ctx, req)
	case domain.CapTextToAudio:
		return o.invokeSpeech(ctx, req)
	case domain.CapAudioToText:
		return o.invokeTranscription(ctx, req)
	default:
		return o.invokeChat(ctx, req)
	}
}

// Stream starts a streaming chat completion. A pre-stream rejection
// surfaces as an error return; only body reading runs in the background.
func (o *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	body := o.buildChatBody(req, true)
	body["stream_options"] = map[string]any{"include_usage": true}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := o.send(ctx, "/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go o.readStream(ctx, resp.Body, events)
	return events, nil
}

func (o *OpenAIAdapter) invokeChat(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	payload, err := json.Marshal(o.buildChatBody(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	respBody, err := o.sendAndRead(ctx, "/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	var result openaiChatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, &ProviderError{Provider: o.Name(), Message: "no choices in response"}
	}

	return &Result{
		Content: result.Choices[0].Message.Content,
		Usage: &Usage{
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
		},
		Model:    result.Model,
		Duration: time.Since(start),
	}, nil
}

func (o *OpenAIAdapter) invokeImage(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	payload, err := json.Marshal(map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
		"n":      1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	respBody, err := o.sendAndRead(ctx, "/v1/images/generations", payload)
	if err != nil {
		return nil, err
	}

	var result openaiImageResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, &ProviderError{Provider: o.Name(), Message: "no image in response"}
	}

	content := result.Data[0].URL
	if content == "" {
		content = result.Data[0].B64JSON
	}
	return &Result{Content: content, Model: req.Model, Duration: time.Since(start)}, nil
}

func (o *OpenAIAdapter) invokeSpeech(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	payload, err := json.Marshal(map[string]any{
		"model": req.Model,
		"input": req.Prompt,
		"voice": "alloy",
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	// The speech endpoint returns raw audio bytes.
	respBody, err := o.sendAndRead(ctx, "/v1/audio/speech", payload)
	if err != nil {
		return nil, err
	}

	return &Result{Content: string(respBody), Model: req.Model, Duration: time.Since(start)}, nil
}

func (o *OpenAIAdapter) invokeTranscription(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	// FileRef carries a server-resolvable audio reference; the transcription
	// endpoint accepts a JSON body when the file was uploaded separately.
	payload, err := json.Marshal(map[string]any{
		"model": req.Model,
		"file":  req.FileRef,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	respBody, err := o.sendAndRead(ctx, "/v1/audio/transcriptions", payload)
	if err != nil {
		return nil, err
	}

	var result openaiTranscriptionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	return &Result{Content: result.Text, Model: req.Model, Duration: time.Since(start)}, nil
}

func (o *OpenAIAdapter) buildChatBody(req Request, stream bool) map[string]any {
	messages := make([]map[string]string, 0, len(req.History)+1)
	for _, m := range req.History {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": domain.RoleUser, "content": req.Prompt})

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   stream,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	return body
}

func (o *OpenAIAdapter) send(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+path, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{Provider: o.Name(), Code: resp.StatusCode, Message: string(body)}
	}
	return resp, nil
}

func (o *OpenAIAdapter) sendAndRead(ctx context.Context, path string, payload []byte) ([]byte, error) {
	resp, err := o.send(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}

func (o *OpenAIAdapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	scanner := newServerSentEventScanner(body)
	var usage *Usage

	for scanner.Scan() {
		dataStr, ok := scanner.Data()
		if !ok {
			continue
		}
		if dataStr == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(dataStr), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !deliver(ctx, events, Event{Type: EventDelta, Text: choice.Delta.Content}) {
					return
				}
			}
		}
	}

	if err := scanner.scanner.Err(); err != nil {
		deliver(ctx, events, Event{Type: EventError, Err: err.Error()})
		return
	}

	deliver(ctx, events, Event{Type: EventDone, Usage: usage})
}

// API response structures

type openaiChatResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []openaiChatChoice `json:"choices"`
	Usage   openaiUsage        `json:"usage"`
}

type openaiChatChoice struct {
	Message      openaiChatMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openaiChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type openaiStreamChunk struct {
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiChatMessage `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type openaiImageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type openaiTranscriptionResponse struct {
	Text string `json:"text"`
}
