package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/ledger"
	"github.com/soyeahso/tokengate/internal/logging"
	"github.com/soyeahso/tokengate/internal/provider"
	"github.com/soyeahso/tokengate/internal/store"
)

// Engine runs generation sessions. Every session that acquires a
// reservation finalizes it exactly once, on every exit path including
// internal faults; the database guard in the ledger backstops the
// invariant.
type Engine struct {
	ledger    *ledger.Ledger
	estimator *ledger.Estimator
	responses *store.ResponseStore
	retry     retryPolicy
	log       *logging.Logger
}

// NewEngine creates a session engine.
func NewEngine(l *ledger.Ledger, est *ledger.Estimator, responses *store.ResponseStore, retryAttempts int, log *logging.Logger) *Engine {
	return &Engine{
		ledger:    l,
		estimator: est,
		responses: responses,
		retry:     newRetryPolicy(retryAttempts, 250*time.Millisecond),
		log:       log.Sub("session"),
	}
}

// Run executes one generation session against the resolved adapter and
// model, pushing events to sink. It returns the durable response record;
// for failed and partial sessions it additionally returns the fault.
func (e *Engine) Run(ctx context.Context, req domain.GenerationRequest, adapter provider.Adapter, model provider.ModelInfo, history []provider.Message, sink EventSink) (*domain.Response, error) {
	start := time.Now()
	kind := req.Capability.BalanceKind()
	log := e.log
	log.Debug().Str("request", req.ID).Str("state", string(StateAdmitted)).Str("model", model.ID).Msg("session admitted")

	estimate := e.estimate(req, model, history)

	res, err := e.ledger.Reserve(ctx, req.Owner, kind, estimate)
	if err != nil {
		code := domain.CodeOf(err)
		log.Warn().Err(err).Str("request", req.ID).Int64("estimate", estimate).Msg("reservation refused")
		e.emitError(sink, code, err.Error())
		return nil, err
	}
	log.Debug().Str("request", req.ID).Str("state", string(StateReserved)).Str("reservation", res.ID).Int64("estimate", estimate).Str("model", model.ID).Msg("session reserved")

	// A session finalizes its reservation exactly once. The deferred
	// release only fires if a panic or early return skipped both paths.
	finalized := false
	defer func() {
		if !finalized {
			if rerr := e.ledger.Release(context.Background(), res); rerr != nil && !errors.Is(rerr, ledger.ErrReservationFinalized) {
				log.Error().Err(rerr).Str("reservation", res.ID).Msg("failed to release orphaned reservation")
			}
		}
	}()

	preq := provider.Request{
		Model:      model.ID,
		Capability: req.Capability,
		Prompt:     req.Prompt,
		History:    history,
		FileRef:    req.FileRef,
		MaxTokens:  req.MaxTokens,
	}

	var resp *domain.Response
	if req.Capability.Streaming() {
		resp, err = e.runStreaming(ctx, req, adapter, model, preq, res, sink, start, log)
	} else {
		resp, err = e.runBlocking(ctx, req, adapter, model, preq, res, sink, start, log)
	}
	finalized = true
	return resp, err
}

// estimate computes the reservation amount for a request.
func (e *Engine) estimate(req domain.GenerationRequest, model provider.ModelInfo, history []provider.Message) int64 {
	if req.Capability.BalanceKind() == domain.KindFileToken {
		return e.estimator.FilePrice(req.Capability)
	}

	inputChars := len(req.Prompt)
	for _, m := range history {
		inputChars += len(m.Content)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = model.MaxTokens
	}
	return e.estimator.EstimateText(inputChars, maxTokens)
}

// runStreaming drives the Reserved → Streaming → Settling path. Provider
// initiation is retried with backoff while the error is transient and no
// chunk has been emitted; after the first chunk a failure settles as a
// partial.
func (e *Engine) runStreaming(ctx context.Context, req domain.GenerationRequest, adapter provider.Adapter, model provider.ModelInfo, preq provider.Request, res *ledger.Reservation, sink EventSink, start time.Time, log *logging.Logger) (*domain.Response, error) {
	var outcome MuxOutcome
	log.Debug().Str("request", req.ID).Str("state", string(StateStreaming)).Msg("opening provider stream")

	for attempt := 0; ; attempt++ {
		provCtx, cancel := context.WithCancel(ctx)
		events, err := adapter.Stream(provCtx, preq)
		if err == nil {
			outcome = runMux(provCtx, events, sink)
			err = outcome.Err
		}
		// Abort the provider call on every exit from the pump.
		cancel()

		if err == nil {
			return e.settleCompleted(ctx, req, model, res, outcome, sink, start, log)
		}
		if outcome.Chunks > 0 {
			return e.settlePartial(ctx, req, model, res, outcome, sink, start, log)
		}

		// No output produced yet. Cancellation and client loss are never
		// retried; transient provider failures are, within the budget.
		interrupted := errors.Is(err, ErrClientGone) || errors.Is(err, context.Canceled)
		if !interrupted && retryable(err) && attempt < e.retry.attempts-1 {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("transient provider failure, retrying")
			if werr := e.retry.wait(ctx, attempt); werr != nil {
				err = werr
				interrupted = true
			} else {
				outcome = MuxOutcome{}
				continue
			}
		}

		code := provider.Classify(err)
		if code == domain.FaultProviderTransient {
			// Retry budget exhausted; callers see a rejection.
			code = domain.FaultProviderRejected
		}
		if interrupted {
			code = domain.FaultStreamInterrupted
		}
		return e.releaseFailed(ctx, req, model, res, code, err, sink, start, log)
	}
}

// runBlocking drives a non-streaming generation through a single Invoke.
func (e *Engine) runBlocking(ctx context.Context, req domain.GenerationRequest, adapter provider.Adapter, model provider.ModelInfo, preq provider.Request, res *ledger.Reservation, sink EventSink, start time.Time, log *logging.Logger) (*domain.Response, error) {
	var result *provider.Result
	var err error
	log.Debug().Str("request", req.ID).Str("state", string(StateStreaming)).Msg("invoking provider")

	for attempt := 0; ; attempt++ {
		result, err = adapter.Invoke(ctx, preq)
		if err == nil {
			break
		}
		if ctx.Err() == nil && retryable(err) && attempt < e.retry.attempts-1 {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("transient provider failure, retrying")
			if werr := e.retry.wait(ctx, attempt); werr == nil {
				continue
			}
		}
		code := provider.Classify(err)
		if code == domain.FaultProviderTransient {
			code = domain.FaultProviderRejected
		}
		if ctx.Err() != nil {
			code = domain.FaultStreamInterrupted
		}
		return e.releaseFailed(ctx, req, model, res, code, err, sink, start, log)
	}

	// File-token work is fixed price; text-token work (image/video to
	// text) settles to reported or measured usage like a stream would.
	actual := res.Estimate
	if req.Capability.BalanceKind() == domain.KindTextToken {
		if result.Usage != nil && result.Usage.Total() > 0 {
			actual = result.Usage.Total()
		} else {
			actual = e.estimator.Measure(result.Content)
		}
	}
	log.Debug().Str("request", req.ID).Str("state", string(StateSettling)).Int64("actual", actual).Msg("settling usage")
	if serr := e.ledger.Settle(ctx, res, actual); serr != nil {
		return e.internalFault(ctx, req, model, res, serr, sink, start, log)
	}

	resp := e.record(req, model, result.Content, actual, domain.StatusCompleted, "", start)
	if result.Content != "" {
		_ = sink.Send(OutEvent{Type: OutChunk, Text: result.Content})
	}
	e.emitDone(sink, resp)
	log.Info().Str("response", resp.ID).Str("state", string(StateCompleted)).Int64("tokens", resp.TokensUsed).Msg("session completed")
	return resp, nil
}

// settleCompleted finalizes a fully streamed generation. Actual usage is
// the provider-reported total when present, otherwise derived from the
// accumulated output length.
func (e *Engine) settleCompleted(ctx context.Context, req domain.GenerationRequest, model provider.ModelInfo, res *ledger.Reservation, outcome MuxOutcome, sink EventSink, start time.Time, log *logging.Logger) (*domain.Response, error) {
	ctx = context.WithoutCancel(ctx)
	actual := e.actualUsage(outcome)
	log.Debug().Str("request", req.ID).Str("state", string(StateSettling)).Int64("actual", actual).Msg("settling usage")
	if err := e.ledger.Settle(ctx, res, actual); err != nil {
		return e.internalFault(ctx, req, model, res, err, sink, start, log)
	}

	resp := e.record(req, model, outcome.Content, actual, domain.StatusCompleted, "", start)
	e.emitDone(sink, resp)
	log.Info().Str("response", resp.ID).Str("state", string(StateCompleted)).Int64("tokens", actual).Int("chunks", outcome.Chunks).Msg("session completed")
	return resp, nil
}

// settlePartial finalizes a stream that failed after output had begun.
// The delivered output is billed and preserved; the loss is surfaced as
// stream_interrupted.
func (e *Engine) settlePartial(ctx context.Context, req domain.GenerationRequest, model provider.ModelInfo, res *ledger.Reservation, outcome MuxOutcome, sink EventSink, start time.Time, log *logging.Logger) (*domain.Response, error) {
	// The client may already be gone; settlement must still happen.
	ctx = context.WithoutCancel(ctx)
	actual := e.actualUsage(outcome)
	log.Debug().Str("request", req.ID).Str("state", string(StateSettling)).Int64("actual", actual).Msg("settling delivered usage")
	if err := e.ledger.Settle(ctx, res, actual); err != nil {
		return e.internalFault(ctx, req, model, res, err, sink, start, log)
	}

	resp := e.record(req, model, outcome.Content, actual, domain.StatusPartial, domain.FaultStreamInterrupted, start)
	e.emitError(sink, domain.FaultStreamInterrupted, "stream interrupted after partial output")
	log.Warn().
		Err(outcome.Err).
		Str("response", resp.ID).
		Str("state", string(StatePartialFailure)).
		Int64("tokens", actual).
		Int("chunks", outcome.Chunks).
		Msg("session settled as partial")
	return resp, domain.WrapFault(domain.FaultStreamInterrupted, "stream interrupted after partial output", outcome.Err)
}

// releaseFailed exits a session that produced no billable output: the
// reservation is fully refunded and the failure recorded.
func (e *Engine) releaseFailed(ctx context.Context, req domain.GenerationRequest, model provider.ModelInfo, res *ledger.Reservation, code domain.FaultCode, cause error, sink EventSink, start time.Time, log *logging.Logger) (*domain.Response, error) {
	ctx = context.WithoutCancel(ctx)
	if err := e.ledger.Release(ctx, res); err != nil && !errors.Is(err, ledger.ErrReservationFinalized) {
		log.Error().Err(err).Str("reservation", res.ID).Msg("release failed")
	}

	resp := e.record(req, model, "", 0, domain.StatusFailed, code, start)
	e.emitError(sink, code, cause.Error())
	log.Warn().Err(cause).Str("state", string(StateReleased)).Str("code", string(code)).Msg("session released")
	return resp, domain.WrapFault(code, "generation failed", cause)
}

// internalFault handles a settlement error. The deferred release in Run
// backstops the reservation; here we only record and surface the fault.
func (e *Engine) internalFault(ctx context.Context, req domain.GenerationRequest, model provider.ModelInfo, res *ledger.Reservation, cause error, sink EventSink, start time.Time, log *logging.Logger) (*domain.Response, error) {
	ctx = context.WithoutCancel(ctx)
	if !errors.Is(cause, ledger.ErrReservationFinalized) {
		if err := e.ledger.Release(ctx, res); err != nil && !errors.Is(err, ledger.ErrReservationFinalized) {
			log.Error().Err(err).Str("reservation", res.ID).Msg("release after settle failure also failed")
		}
	}

	resp := e.record(req, model, "", 0, domain.StatusFailed, domain.FaultInternal, start)
	e.emitError(sink, domain.FaultInternal, "internal fault during settlement")
	log.Error().Err(cause).Msg("settlement failed")
	return resp, domain.WrapFault(domain.FaultInternal, "settlement failed", cause)
}

func (e *Engine) actualUsage(outcome MuxOutcome) int64 {
	if outcome.Usage != nil && outcome.Usage.Total() > 0 {
		return outcome.Usage.Total()
	}
	return e.estimator.Measure(outcome.Content)
}

// record persists the durable response row for a terminal session.
func (e *Engine) record(req domain.GenerationRequest, model provider.ModelInfo, content string, tokens int64, status domain.ResponseStatus, code domain.FaultCode, start time.Time) *domain.Response {
	resp := domain.Response{
		ID:             uuid.New().String(),
		RequestID:      req.ID,
		ConversationID: req.ConversationID,
		Content:        content,
		TokensUsed:     tokens,
		Provider:       model.Provider,
		Model:          model.ID,
		LatencyMs:      time.Since(start).Milliseconds(),
		Status:         status,
		ErrorCode:      code,
		CreatedAt:      time.Now(),
	}
	if err := e.responses.Insert(resp); err != nil {
		e.log.Error().Err(err).Str("request", req.ID).Msg("failed to persist response")
	}
	return &resp
}

func (e *Engine) emitDone(sink EventSink, resp *domain.Response) {
	_ = sink.Send(OutEvent{
		Type:           OutDone,
		ResponseID:     resp.ID,
		ConversationID: resp.ConversationID,
		TokensUsed:     resp.TokensUsed,
	})
}

func (e *Engine) emitError(sink EventSink, code domain.FaultCode, msg string) {
	_ = sink.Send(OutEvent{Type: OutError, Code: code, Message: msg})
}
