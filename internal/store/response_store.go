package store

import (
	"time"

	"github.com/soyeahso/tokengate/internal/domain"
)

// ResponseStore persists durable generation records. Responses are written
// once at session termination and never mutated.
type ResponseStore struct {
	db *DB
}

// NewResponseStore creates a response store using the given database.
func NewResponseStore(db *DB) *ResponseStore {
	return &ResponseStore{db: db}
}

// Insert writes a response record.
func (s *ResponseStore) Insert(resp domain.Response) error {
	_, err := s.db.sql.Exec(
		`INSERT INTO responses (id, request_id, conversation_id, content, tokens_used, provider, model, latency_ms, status, error_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.ID, resp.RequestID, resp.ConversationID, resp.Content, resp.TokensUsed,
		resp.Provider, resp.Model, resp.LatencyMs, string(resp.Status), string(resp.ErrorCode),
		resp.CreatedAt.Format(time.DateTime),
	)
	if err != nil {
		s.db.log.Error().Err(err).Str("response", resp.ID).Msg("failed to insert response")
	}
	return err
}

// Get returns a response by ID, or nil if not found.
func (s *ResponseStore) Get(id string) *domain.Response {
	var resp domain.Response
	var status, errorCode, createdAt string

	err := s.db.sql.QueryRow(
		`SELECT id, request_id, conversation_id, content, tokens_used, provider, model, latency_ms, status, error_code, created_at
		 FROM responses WHERE id = ?`, id,
	).Scan(
		&resp.ID, &resp.RequestID, &resp.ConversationID, &resp.Content, &resp.TokensUsed,
		&resp.Provider, &resp.Model, &resp.LatencyMs, &status, &errorCode, &createdAt,
	)
	if err != nil {
		return nil
	}

	resp.Status = domain.ResponseStatus(status)
	resp.ErrorCode = domain.FaultCode(errorCode)
	resp.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	return &resp
}

// ListByRequest returns all responses recorded for a request, oldest first.
func (s *ResponseStore) ListByRequest(requestID string) []domain.Response {
	rows, err := s.db.sql.Query(
		`SELECT id, request_id, conversation_id, content, tokens_used, provider, model, latency_ms, status, error_code, created_at
		 FROM responses WHERE request_id = ? ORDER BY created_at`, requestID,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []domain.Response
	for rows.Next() {
		var resp domain.Response
		var status, errorCode, createdAt string
		if err := rows.Scan(
			&resp.ID, &resp.RequestID, &resp.ConversationID, &resp.Content, &resp.TokensUsed,
			&resp.Provider, &resp.Model, &resp.LatencyMs, &status, &errorCode, &createdAt,
		); err != nil {
			continue
		}
		resp.Status = domain.ResponseStatus(status)
		resp.ErrorCode = domain.FaultCode(errorCode)
		resp.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		out = append(out, resp)
	}
	return out
}
