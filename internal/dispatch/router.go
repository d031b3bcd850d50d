// Package dispatch validates generation requests, resolves them to a
// provider adapter and hands them to the session engine. It is the only
// entry point for generation traffic; every request that passes admission
// ends with exactly one terminal event on its sink.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/logging"
	"github.com/soyeahso/tokengate/internal/provider"
	"github.com/soyeahso/tokengate/internal/session"
)

// ErrInvalidRequest marks admission failures caused by the request itself.
// The gateway maps these to a client error instead of a fault event.
var ErrInvalidRequest = errors.New("invalid request")

// Router is the dispatch front door.
type Router struct {
	registry      *provider.Registry
	engine        *session.Engine
	conversations *Conversations
	log           *logging.Logger
}

// NewRouter creates a dispatch router.
func NewRouter(reg *provider.Registry, eng *session.Engine, conv *Conversations, log *logging.Logger) *Router {
	return &Router{
		registry:      reg,
		engine:        eng,
		conversations: conv,
		log:           log.Sub("dispatch"),
	}
}

// Dispatch admits, resolves and runs one generation request. Admission
// failures return before anything is reserved; once the session starts the
// sink is guaranteed exactly one terminal event. For chat requests the
// exchanged turns are appended after completed and partial outcomes.
func (r *Router) Dispatch(ctx context.Context, req domain.GenerationRequest, sink session.EventSink) (*domain.Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if req.Owner.ID == "" {
		req.Owner = domain.OwnerRef{Type: domain.OwnerUser, ID: req.RequesterID}
	}

	if err := validate(req); err != nil {
		return nil, err
	}

	history, err := r.conversations.Prepare(&req)
	if err != nil {
		return nil, err
	}

	adapter, model, err := r.registry.Resolve(req.ModelID, req.Capability)
	if err != nil {
		r.log.Warn().Err(err).Str("request", req.ID).Str("model", req.ModelID).Msg("model resolution failed")
		_ = sink.Send(session.OutEvent{Type: session.OutError, Code: domain.CodeOf(err), Message: err.Error()})
		return nil, err
	}

	r.log.Info().
		Str("request", req.ID).
		Str("requester", req.RequesterID).
		Str("capability", string(req.Capability)).
		Str("model", model.ID).
		Str("provider", model.Provider).
		Bool("chat", req.ChatMode).
		Msg("dispatching")

	resp, err := r.engine.Run(ctx, req, adapter, model, history, sink)

	if resp != nil && req.ChatMode && req.ConversationID != "" &&
		(resp.Status == domain.StatusCompleted || resp.Status == domain.StatusPartial) {
		r.conversations.Record(req.ConversationID, req.Prompt, resp.Content)
	}

	return resp, err
}

// validate performs admission checks. Everything here rejects the request
// before any balance is touched.
func validate(req domain.GenerationRequest) error {
	if req.RequesterID == "" {
		return fmt.Errorf("%w: requesterId is required", ErrInvalidRequest)
	}
	if req.ModelID == "" && req.ConversationID == "" {
		return fmt.Errorf("%w: modelId is required", ErrInvalidRequest)
	}
	if !req.Capability.Valid() {
		return fmt.Errorf("%w: unknown capability %q", ErrInvalidRequest, string(req.Capability))
	}
	if req.ChatMode && !req.Capability.Streaming() {
		return fmt.Errorf("%w: chat mode requires a text capability", ErrInvalidRequest)
	}
	if req.MaxTokens < 0 {
		return fmt.Errorf("%w: maxTokens must be non-negative", ErrInvalidRequest)
	}

	switch req.Capability {
	case domain.CapImageToText, domain.CapVideoToText, domain.CapAudioToText:
		if req.FileRef == "" {
			return fmt.Errorf("%w: capability %s requires fileRef", ErrInvalidRequest, req.Capability)
		}
	default:
		if req.Prompt == "" {
			return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
		}
	}
	return nil
}
