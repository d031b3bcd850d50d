package domain

import "time"

// GenerationRequest is one user-submitted prompt. Immutable once created.
type GenerationRequest struct {
	ID             string     `json:"id"`
	RequesterID    string     `json:"requesterId"`
	Owner          OwnerRef   `json:"owner"` // balance owner: the requester or their cluster
	Capability     Capability `json:"capability"`
	ModelID        string     `json:"modelId"`
	CategoryID     string     `json:"categoryId,omitempty"`
	Prompt         string     `json:"prompt"`
	FileRef        string     `json:"fileRef,omitempty"` // input file reference for media capabilities
	ConversationID string     `json:"conversationId,omitempty"`
	ChatMode       bool       `json:"chatMode,omitempty"`
	MaxTokens      int        `json:"maxTokens,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}
