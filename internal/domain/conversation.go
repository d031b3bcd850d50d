package domain

import (
	"strings"
	"time"
)

// Conversation is an ordered sequence of prompt/response turns sharing a
// context window. Model and category are fixed at creation; turns are
// appended, never reordered or edited.
type Conversation struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requesterId"`
	ModelID     string    `json:"modelId"`
	CategoryID  string    `json:"categoryId,omitempty"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Turns       []Turn    `json:"turns,omitempty"`
}

// Turn is a single prompt or response entry in a conversation.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Role constants for turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	titleMaxWords = 6
	titleMaxBytes = 48
)

// TitleFromPrompt derives a display name from the first few words of the
// initiating prompt.
func TitleFromPrompt(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) == 0 {
		return "New conversation"
	}
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
	}
	title := strings.Join(words, " ")
	if len(title) > titleMaxBytes {
		title = strings.TrimSpace(title[:titleMaxBytes])
	}
	return title
}
