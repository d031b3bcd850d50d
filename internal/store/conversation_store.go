package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/tokengate/internal/domain"
)

// ConversationStore persists chatbot-mode conversations and their turns.
type ConversationStore struct {
	db *DB
}

// NewConversationStore creates a conversation store using the given database.
func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// Create inserts a new conversation bound to the given model and category.
func (s *ConversationStore) Create(requesterID, modelID, categoryID, title string) (*domain.Conversation, error) {
	conv := domain.Conversation{
		ID:          uuid.New().String(),
		RequesterID: requesterID,
		ModelID:     modelID,
		CategoryID:  categoryID,
		Title:       title,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	_, err := s.db.sql.Exec(
		`INSERT INTO conversations (id, requester_id, model_id, category_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.RequesterID, conv.ModelID, conv.CategoryID, conv.Title,
		conv.CreatedAt.Format(time.DateTime), conv.UpdatedAt.Format(time.DateTime),
	)
	if err != nil {
		s.db.log.Error().Err(err).Str("requester", requesterID).Msg("failed to create conversation")
		return nil, err
	}
	return &conv, nil
}

// Get returns a conversation by ID with its turns, or nil if not found.
func (s *ConversationStore) Get(id string) *domain.Conversation {
	var conv domain.Conversation
	var createdAt, updatedAt string

	err := s.db.sql.QueryRow(
		`SELECT id, requester_id, model_id, category_id, title, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(
		&conv.ID, &conv.RequesterID, &conv.ModelID, &conv.CategoryID, &conv.Title,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil
	}

	conv.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	conv.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	conv.Turns = s.loadTurns(id, 0)
	return &conv
}

// AppendTurn adds a turn to a conversation and bumps its updated timestamp.
func (s *ConversationStore) AppendTurn(conversationID string, turn domain.Turn) error {
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.sql.Exec(
		`INSERT INTO turns (conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
		conversationID, turn.Role, turn.Content, ts.Format(time.DateTime),
	)
	if err != nil {
		s.db.log.Error().Err(err).Str("conversation", conversationID).Msg("failed to append turn")
		return err
	}

	_, _ = s.db.sql.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().Format(time.DateTime), conversationID,
	)
	return nil
}

// History returns the most recent turns of a conversation in order, bounded
// by limit (0 means all).
func (s *ConversationStore) History(conversationID string, limit int) []domain.Turn {
	return s.loadTurns(conversationID, limit)
}

// List returns conversation IDs for a requester, most recently updated first.
func (s *ConversationStore) List(requesterID string) []string {
	rows, err := s.db.sql.Query(
		`SELECT id FROM conversations WHERE requester_id = ? ORDER BY updated_at DESC`, requesterID,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// loadTurns loads turns oldest-first. With a limit, only the newest
// `limit` turns are returned, still oldest-first.
func (s *ConversationStore) loadTurns(conversationID string, limit int) []domain.Turn {
	query := `SELECT role, content, timestamp FROM turns WHERE conversation_id = ? ORDER BY id`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT role, content, timestamp FROM (
			SELECT id, role, content, timestamp FROM turns
			WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.sql.Query(query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var ts string
		if err := rows.Scan(&t.Role, &t.Content, &ts); err != nil {
			continue
		}
		t.Timestamp, _ = time.Parse(time.DateTime, ts)
		turns = append(turns, t)
	}
	return turns
}
