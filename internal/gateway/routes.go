package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/soyeahso/tokengate/internal/dispatch"
	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/ledger"
	"github.com/soyeahso/tokengate/internal/version"
)

// registerRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/generations", s.authed(s.handleGenerate))
	mux.HandleFunc("GET /v1/generations/ws", s.authed(s.handleGenerateWS))
	mux.HandleFunc("GET /v1/models", s.authed(s.handleModels))
	mux.HandleFunc("GET /v1/balance", s.authed(s.handleBalance))
	mux.HandleFunc("GET /v1/responses/{id}", s.authed(s.handleResponse))
	mux.HandleFunc("GET /v1/conversations", s.authed(s.handleConversationList))
	mux.HandleFunc("GET /v1/conversations/{id}", s.authed(s.handleConversation))

	mux.HandleFunc("/", handleNotFound)
}

// authed wraps a handler with bearer-token authentication.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next(w, r)
	}
}

// generateParams is the wire shape of a generation request.
type generateParams struct {
	RequesterID    string `json:"requesterId"`
	OwnerType      string `json:"ownerType,omitempty"` // "user" | "cluster"
	OwnerID        string `json:"ownerId,omitempty"`
	Capability     string `json:"capability"`
	Model          string `json:"model,omitempty"`
	CategoryID     string `json:"categoryId,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	FileRef        string `json:"fileRef,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Chat           bool   `json:"chat,omitempty"`
	MaxTokens      int    `json:"maxTokens,omitempty"`
}

func (p generateParams) toRequest() domain.GenerationRequest {
	req := domain.GenerationRequest{
		RequesterID:    p.RequesterID,
		Capability:     domain.Capability(p.Capability),
		ModelID:        p.Model,
		CategoryID:     p.CategoryID,
		Prompt:         p.Prompt,
		FileRef:        p.FileRef,
		ConversationID: p.ConversationID,
		ChatMode:       p.Chat,
		MaxTokens:      p.MaxTokens,
	}
	if p.OwnerID != "" {
		ot := domain.OwnerType(p.OwnerType)
		if ot != domain.OwnerCluster {
			ot = domain.OwnerUser
		}
		req.Owner = domain.OwnerRef{Type: ot, ID: p.OwnerID}
	}
	return req
}

// handleGenerate runs a generation and streams its events as SSE. Once
// the session is admitted the response is always a 200 event stream with
// exactly one terminal event; only admission failures produce an HTTP
// error status.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var params generateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	sink := newSSESink(w, r)
	_, err := s.router.Dispatch(r.Context(), params.toRequest(), sink)
	if err != nil && !sink.Started() {
		if errors.Is(err, dispatch.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_fault", err.Error())
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.registry.Models()
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := domain.OwnerRef{
		Type: domain.OwnerType(q.Get("ownerType")),
		ID:   q.Get("ownerId"),
	}
	if owner.Type == "" {
		owner.Type = domain.OwnerUser
	}
	kind := domain.BalanceKind(q.Get("kind"))
	if kind == "" {
		kind = domain.KindTextToken
	}

	if owner.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "ownerId is required")
		return
	}
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown balance kind")
		return
	}

	bal, err := s.ledger.Balance(r.Context(), owner, kind)
	if errors.Is(err, ledger.ErrNoBalance) {
		writeError(w, http.StatusNotFound, "not_found", "no balance for owner")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_fault", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	resp := s.responses.Get(r.PathValue("id"))
	if resp == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown response")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	requesterID := r.URL.Query().Get("requesterId")
	if requesterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "requesterId is required")
		return
	}
	ids := s.conversations.List(requesterID)
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": ids})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.conversations.Get(r.PathValue("id"))
	if conv == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   version.Version,
		"uptimeSec": int64(time.Since(s.startedAt).Seconds()),
		"providers": s.registry.Providers(),
	})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "unknown route")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
