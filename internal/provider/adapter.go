// Package provider defines the uniform adapter interface over heterogeneous
// AI backends and normalizes their request/response shapes, streaming
// semantics and error codes. No caller above this layer sees a
// provider-specific error shape.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/tokengate/internal/domain"
)

// Event types for streaming generation.
const (
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// Message is a single conversation turn supplied as context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized input to an adapter call.
type Request struct {
	Model      string
	Capability domain.Capability
	Prompt     string
	History    []Message // prior turns, oldest first
	FileRef    string    // input file reference for media capabilities
	MaxTokens  int
}

// Usage is a provider-reported token consumption report.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Result is the outcome of a non-streaming invoke.
type Result struct {
	Content  string
	Usage    *Usage
	Model    string
	Duration time.Duration
}

// Event is one element of a streaming generation sequence. The sequence is
// finite and not restartable: it ends with exactly one "done" or "error"
// event, after which the channel is closed. Consumers must treat both as
// terminal.
type Event struct {
	Type  string // "delta" | "done" | "error"
	Text  string // incremental text (type="delta")
	Usage *Usage // provider-reported usage, when available (type="done")
	Err   string // error message (type="error")
}

// deliver hands evt to the consumer, or gives up when the stream context
// ends first. A cancelled consumer stops receiving, and a stream reader
// must never park on a send it can no longer complete; bailing out here is
// what lets the reader close the response body and exit.
func deliver(ctx context.Context, events chan<- Event, evt Event) bool {
	select {
	case events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// Adapter is the uniform interface every provider implements.
type Adapter interface {
	// Name returns the provider name (e.g., "anthropic", "openai").
	Name() string

	// Capabilities returns the set of capabilities this provider can serve.
	// Per-model capability sets are narrower and enforced by the Registry.
	Capabilities() domain.CapabilitySet

	// Invoke performs a blocking call for non-streaming modalities.
	Invoke(ctx context.Context, req Request) (*Result, error)

	// Stream starts a streaming generation and returns its event channel.
	// An error return means the provider rejected the request before any
	// output was produced.
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// ProviderError is a normalized provider failure with an HTTP-like code.
type ProviderError struct {
	Provider string
	Code     int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s: %d %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Classify maps an adapter error to the closed fault taxonomy. Transient
// failures (timeouts, rate limits, 5xx) are eligible for retry before the
// first chunk; everything else is a pre-stream rejection.
func Classify(err error) domain.FaultCode {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FaultProviderTransient
	}

	// Codeless provider errors (mid-stream error markers) fall through to
	// the message heuristics below.
	var provErr *ProviderError
	if errors.As(err, &provErr) && provErr.Code > 0 {
		switch provErr.Code {
		case 408, 429, 529:
			return domain.FaultProviderTransient
		}
		if provErr.Code >= 500 {
			return domain.FaultProviderTransient
		}
		return domain.FaultProviderRejected
	}

	msg := err.Error()
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "connection refused") {
		return domain.FaultProviderTransient
	}
	return domain.FaultProviderRejected
}
