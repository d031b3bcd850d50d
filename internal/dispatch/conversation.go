package dispatch

import (
	"fmt"
	"time"

	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/logging"
	"github.com/soyeahso/tokengate/internal/provider"
	"github.com/soyeahso/tokengate/internal/store"
)

// Conversations manages chatbot-mode state. A conversation is created on
// the first chat turn and bound to its model and category; later turns
// reuse that binding and carry a bounded window of prior history.
type Conversations struct {
	store        *store.ConversationStore
	historyTurns int
	log          *logging.Logger
}

// NewConversations creates a conversation manager. historyTurns bounds how
// many prior turns are replayed as provider context.
func NewConversations(cs *store.ConversationStore, historyTurns int, log *logging.Logger) *Conversations {
	if historyTurns < 0 {
		historyTurns = 0
	}
	return &Conversations{store: cs, historyTurns: historyTurns, log: log.Sub("conversations")}
}

// Prepare resolves conversation state for a chat request. For a first turn
// it creates the conversation and stamps its ID onto the request; for a
// continued one it enforces the conversation's model binding and returns
// the bounded history window. Non-chat requests pass through untouched.
func (c *Conversations) Prepare(req *domain.GenerationRequest) ([]provider.Message, error) {
	if !req.ChatMode {
		return nil, nil
	}

	if req.ConversationID == "" {
		conv, err := c.store.Create(req.RequesterID, req.ModelID, req.CategoryID, domain.TitleFromPrompt(req.Prompt))
		if err != nil {
			return nil, domain.WrapFault(domain.FaultInternal, "creating conversation", err)
		}
		req.ConversationID = conv.ID
		c.log.Debug().Str("conversation", conv.ID).Str("model", conv.ModelID).Msg("conversation started")
		return nil, nil
	}

	conv := c.store.Get(req.ConversationID)
	if conv == nil {
		return nil, fmt.Errorf("%w: unknown conversation %s", ErrInvalidRequest, req.ConversationID)
	}
	if conv.RequesterID != req.RequesterID {
		return nil, fmt.Errorf("%w: conversation %s does not belong to requester", ErrInvalidRequest, req.ConversationID)
	}

	// The model and category were fixed when the conversation started.
	req.ModelID = conv.ModelID
	req.CategoryID = conv.CategoryID

	turns := c.store.History(req.ConversationID, c.historyTurns)
	history := make([]provider.Message, 0, len(turns))
	for _, t := range turns {
		history = append(history, provider.Message{Role: t.Role, Content: t.Content})
	}
	return history, nil
}

// Record appends the exchanged turns after a session reached a terminal
// state with output. Partial output is recorded too, so the next turn's
// context matches what the user actually saw.
func (c *Conversations) Record(conversationID, prompt, reply string) {
	now := time.Now()
	if err := c.store.AppendTurn(conversationID, domain.Turn{Role: domain.RoleUser, Content: prompt, Timestamp: now}); err != nil {
		c.log.Error().Err(err).Str("conversation", conversationID).Msg("failed to append user turn")
		return
	}
	if err := c.store.AppendTurn(conversationID, domain.Turn{Role: domain.RoleAssistant, Content: reply, Timestamp: now}); err != nil {
		c.log.Error().Err(err).Str("conversation", conversationID).Msg("failed to append assistant turn")
	}
}

// Get returns a conversation with its turns, or nil when not found.
func (c *Conversations) Get(id string) *domain.Conversation {
	return c.store.Get(id)
}

// List returns the requester's conversation IDs, most recent first.
func (c *Conversations) List(requesterID string) []string {
	return c.store.List(requesterID)
}
