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

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiAdapter is a direct HTTP client for the Gemini generateContent API.
type GeminiAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGeminiAdapter creates a Gemini adapter. timeout is the hard per-call
// ceiling for this provider.
func NewGeminiAdapter(apiKey, baseURL string, timeout time.Duration) *GeminiAdapter {
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GeminiAdapter{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (g *GeminiAdapter) Name() string { return "gemini" }

// Capabilities returns the provider-wide capability set.
func (g *GeminiAdapter) Capabilities() domain.CapabilitySet {
	return domain.NewCapabilitySet(
		domain.CapText, domain.CapCode,
		domain.CapImageToText, domain.CapVideoToText,
	)
}

// Invoke sends a non-streaming generateContent request.
func (g *GeminiAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	payload, err := json.Marshal(g.buildRequestBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", g.baseURL, req.Model, g.apiKey)
	resp, err := g.send(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var result geminiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	return &Result{
		Content:  result.text(),
		Usage:    result.usage(),
		Model:    req.Model,
		Duration: time.Since(start),
	}, nil
}

// Stream starts a streaming generateContent request over SSE. A pre-stream
// rejection surfaces as an error return; only body reading runs in the
// background.
func (g *GeminiAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	payload, err := json.Marshal(g.buildRequestBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, req.Model, g.apiKey)
	resp, err := g.send(ctx, url, payload)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go g.readStream(ctx, resp.Body, events)
	return events, nil
}

func (g *GeminiAdapter) send(ctx context.Context, url string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{Provider: g.Name(), Code: resp.StatusCode, Message: string(body)}
	}
	return resp, nil
}

func (g *GeminiAdapter) buildRequestBody(req Request) map[string]any {
	contents := make([]map[string]any, 0, len(req.History)+1)
	for _, m := range req.History {
		role := m.Role
		if role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
	}
	contents = append(contents, map[string]any{
		"role":  domain.RoleUser,
		"parts": []map[string]string{{"text": req.Prompt}},
	})

	body := map[string]any{"contents": contents}
	if req.MaxTokens > 0 {
		body["generationConfig"] = map[string]any{"maxOutputTokens": req.MaxTokens}
	}
	return body
}

func (g *GeminiAdapter) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	scanner := newServerSentEventScanner(body)
	var usage *Usage

	for scanner.Scan() {
		dataStr, ok := scanner.Data()
		if !ok {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(dataStr), &chunk); err != nil {
			continue
		}

		if text := chunk.text(); text != "" {
			if !deliver(ctx, events, Event{Type: EventDelta, Text: text}) {
				return
			}
		}
		if u := chunk.usage(); u != nil {
			usage = u
		}
	}

	if err := scanner.scanner.Err(); err != nil {
		deliver(ctx, events, Event{Type: EventError, Err: err.Error()})
		return
	}

	deliver(ctx, events, Event{Type: EventDone, Usage: usage})
}

// API response structures

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

func (r *geminiResponse) text() string {
	var b strings.Builder
	for _, c := range r.Candidates {
		for _, p := range c.Content.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (r *geminiResponse) usage() *Usage {
	if r.UsageMetadata == nil {
		return nil
	}
	return &Usage{
		InputTokens:  r.UsageMetadata.PromptTokenCount,
		OutputTokens: r.UsageMetadata.CandidatesTokenCount,
	}
}
