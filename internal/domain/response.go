package domain

import "time"

// ResponseStatus classifies the outcome of a generation.
type ResponseStatus string

const (
	// StatusCompleted — the provider stream finished normally.
	StatusCompleted ResponseStatus = "completed"
	// StatusPartial — the stream was interrupted after output had begun;
	// the partial output is kept and billed.
	StatusPartial ResponseStatus = "partial"
	// StatusFailed — no billable output was produced.
	StatusFailed ResponseStatus = "failed"
)

// Response is the durable record of a completed or failed generation.
// Created only at session termination; never mutated afterward.
type Response struct {
	ID             string         `json:"id"`
	RequestID      string         `json:"requestId"`
	ConversationID string         `json:"conversationId,omitempty"`
	Content        string         `json:"content"`
	TokensUsed     int64          `json:"tokensUsed"`
	Provider       string         `json:"provider"`
	Model          string         `json:"model"`
	LatencyMs      int64          `json:"latencyMs"`
	Status         ResponseStatus `json:"status"`
	ErrorCode      FaultCode      `json:"errorCode,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}
