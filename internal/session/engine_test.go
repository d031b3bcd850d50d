package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/ledger"
	"github.com/soyeahso/tokengate/internal/logging"
	"github.com/soyeahso/tokengate/internal/provider"
	"github.com/soyeahso/tokengate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var owner = domain.OwnerRef{Type: domain.OwnerUser, ID: "alice"}

type engineFixture struct {
	engine    *Engine
	ledger    *ledger.Ledger
	responses *store.ResponseStore
}

func newFixture(t *testing.T, retryAttempts int) *engineFixture {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ldg := ledger.New(db, log)
	est := ledger.NewEstimator(4, 100, map[string]int64{"text_to_image": 50})
	responses := store.NewResponseStore(db)
	return &engineFixture{
		engine:    NewEngine(ldg, est, responses, retryAttempts, log),
		ledger:    ldg,
		responses: responses,
	}
}

func (f *engineFixture) grant(t *testing.T, kind domain.BalanceKind, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.Grant(context.Background(), owner, kind, amount))
}

func (f *engineFixture) balance(t *testing.T, kind domain.BalanceKind) *domain.Balance {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), owner, kind)
	require.NoError(t, err)
	return b
}

func textRequest() domain.GenerationRequest {
	return domain.GenerationRequest{
		ID:          "req-1",
		RequesterID: "alice",
		Owner:       owner,
		Capability:  domain.CapText,
		ModelID:     "test-model",
		Prompt:      "hello world!", // 12 chars -> 3 input tokens
		MaxTokens:   50,
	}
}

func testModel(a provider.Adapter) provider.ModelInfo {
	return provider.ModelInfo{
		ID:           "test-model",
		Provider:     a.Name(),
		Capabilities: a.Capabilities(),
		TestStatus:   provider.TestStatusConnected,
	}
}

func terminalEvent(t *testing.T, sink *collectSink) OutEvent {
	t.Helper()
	evts := sink.Events()
	require.NotEmpty(t, evts)
	return evts[len(evts)-1]
}

func TestRun_CompletedWithReportedUsage(t *testing.T) {
	f := newFixture(t, 1)
	f.grant(t, domain.KindTextToken, 1000)

	adapter := &provider.MockAdapter{
		StreamFunc: provider.ScriptedStream(
			provider.Event{Type: provider.EventDelta, Text: "Hello "},
			provider.Event{Type: provider.EventDelta, Text: "world"},
			provider.Event{Type: provider.EventDone, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 20}},
		),
	}

	sink := newCollectSink()
	resp, err := f.engine.Run(context.Background(), textRequest(), adapter, testModel(adapter), nil, sink)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, domain.StatusCompleted, resp.Status)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, int64(30), resp.TokensUsed)

	// Two chunks then exactly one done.
	evts := sink.Events()
	require.Len(t, evts, 3)
	assert.Equal(t, OutChunk, evts[0].Type)
	assert.Equal(t, OutChunk, evts[1].Type)
	assert.Equal(t, OutDone, evts[2].Type)
	assert.Equal(t, resp.ID, evts[2].ResponseID)
	assert.Equal(t, int64(30), evts[2].TokensUsed)

	b := f.balance(t, domain.KindTextToken)
	assert.Equal(t, int64(970), b.Available)
	assert.Zero(t, b.Reserved)
	assert.Equal(t, int64(30), b.Used)

	// Durable record exists.
	got := f.responses.Get(resp.ID)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestRun_CompletedWithMeasuredUsage(t *testing.T) {
	f := newFixture(t, 1)
	f.grant(t, domain.KindTextToken, 1000)

	adapter := &provider.MockAdapter{
		StreamFunc: provider.ScriptedStream(
			provider.Event{Type: provider.EventDelta, Text: "12345678"}, // 8 chars -> 2 tokens
			provider.Event{Type: provider.EventDone},
		),
	}

	sink := newCollectSink()
	resp, err := f.engine.Run(context.Background(), textRequest(), adapter, testModel(adapter), nil, sink)
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.TokensUsed)

	b := f.balance(t, domain.KindTextToken)
	assert.Equal(t, int64(998), b.Available)
	assert.Equal(t, int64(2), b.Used)
}

func TestRun_InsufficientBalance(t *testing.T) {
	f := newFixture(t, 1)
	// 12-char prompt + maxTokens 50 -> estimate 53; grant less than that.
	f.grant(t, domain.KindTextToken, 10)

	adapter := &provider.MockAdapter{}
	sink := newCollectSink()
	resp, err := f.engine.Run(context.Background(), textRequest(), adapter, testModel(adapter), nil, sink)

	assert.Nil(t, resp)
	assert.True(t, domain.IsFault(err, domain.FaultInsufficientBalance))

	evt := terminalEvent(t, sink)
	assert.Equal(t, OutError, evt.Type)
	assert.Equal(t, domain.FaultInsufficientBalance, evt.Code)

	// No provider call and nothing moved.
	b := f.balance(t, domain.KindTextToken)
	assert.Equal(t, int64(10), b.Available)
	assert.Zero(t, b.Reserved)
}

func TestRun_PreStreamRejectionReleases(t *testing.T) {
	f := newFixture(t, 3)
	f.grant(t, domain.KindTextToken, 1000)

	adapter := &provider.MockAdapter{
		StreamFunc: func(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
			return nil, &provider.ProviderError{Provider: "mock", Code: 401, Message: "invalid api key"}
		},
	}

	sink := newCollectSink()
	resp, err := f.engine.Run(context.Background(), textRequest(), adapter, testModel(adapter), nil, sink)

	require.NotNil(t, resp)
	assert.Equal(t, domain.StatusFailed, resp.Status)
	assert.Equal(t, domain.FaultProviderRejected, resp.ErrorCode)
	assert.Zero(t, resp.TokensUsed)
	assert.True(t, domain.IsFault(err, domain.FaultProviderRejected))

	evt := terminalEvent(t, sink)
	assert.Equal(t, OutError, evt.Type)
	assert.Equal(t, domain.FaultProviderRejected, evt.Code)

	// Full refund.
	b := f.balance(t, domain.KindTextToken)
	assert.Equal(t, int64(1000), b.Available)
	assert.Zero(t, b.Reserved)
	assert.Zero(t, b.Used)
}

func TestRun_TransientRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, 3)
	f.grant(t, domain.KindTextToken, 1000)

	var calls atomic.Int32
	adapter := &provider.MockAdapter{
		StreamFunc: func(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
			if calls.Add(1) == 1 {
				return nil, &provider.ProviderError{Provider: "mock", Code: 429, Message: "rate limited"}
			}
			return provider.ScriptedStream(
				provider.Event{Type: provider.EventDelta, Text: "ok"},
				provider.Event{Type: provider.EventDone},
			)(ctx, req)
		},
	}

	sink := newCollectSink()
	resp, err := f.engine.Run(context.Background(), textRequest(), adapter, testModel(adapter), nil, sink)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resp.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_TransientExhaustedSurfacesRejected(t *testing.T) {
	f := newFixture(t, 2)
	f.grant(t, domain.KindTextToken, 1000)

	var calls atomic.Int32
	adapter := &provider.MockAdapter{
		StreamFunc: func(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
			calls.Add(1)
			return nil, &provider.ProviderError{Provider: "mock", Code: 503, Message: "overloaded"}
		},
	}

	sink := newCollectSink()
	resp, err := f.engine.Run(context.Background(), textRequest(), adapter, testModel(adapter), nil, sink)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, domain.StatusFailed, resp.Status)
	assert.True(t, domain.IsFault(err, domain.FaultProviderRejected))
	assert.Equal(t, domain.FaultProviderRejected, terminalEvent(t, sink).Code)

	b := f.balance(t, domain.KindTextToken)
	assert.Equal(t, int64(1000), b.Available)
	assert.Zero(t, b.Reserved)
}

func TestRun_ErrorBeforeFirstChunkIsRetried(t *testing.T) {
	f := newFixture(t, 3)
	f.grant(t, domain.KindTextToken, 1000)

	// The stream opens but fails with a transient error marker before any
	// delta; the engine may still retry because no output was emitted.
	var calls atomic.Int32
	adapter := &provider.MockAdapter{
		StreamFunc: func(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
			if calls.Add(1) == 1 {
				return provider.ScriptedStream(
					provider.Event{Type: provider.EventError, Err: "overloaded"},
				)(ctx, req)
			}
			return provider.ScriptedStream(
				provider.Event{Type: provider.EventDelta, Text: "fine"},
				provider.Event{Type: provider.EventDone},
			)(ctx, req)
		},
	}

	sink := newCollectSink()
	resp, err := f.engine.Run(context.Background(), textRequest(), adapter, testModel(adapter), nil, sink)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resp.Status)
	assert.Equal(t, "fine", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_MidStreamFailureSettlesPartial(t *testing.T) {
	f := newFixture(t, 3)
	f.grant(t, domain.KindTextToken, 1000)

	adapter := &provider.MockAdapter{
		StreamFunc: provider.ScriptedStream(
			provider.Event{Type: provider.EventDelta, Text: "partial out"}, // 11 chars -> 3 tokens
			provider.Event{Type: provider.EventError, Err: "connection reset"},
		),
	}

	sink := newCollectSink()
	resp, err := f.engine.Run(context.Background(), textRequest(), adapter, testModel(adapter), nil, sink)

	require.NotNil(t, resp)
	assert.Equal(t, domain.StatusPartial, resp.Status)
	assert.Equal(t, "partial out", resp.Content)
	assert.Equal(t, int64(3), resp.TokensUsed)
	assert.Equal(t, domain.FaultStreamInterrupted, resp.ErrorCode)
	assert.True(t, domain.IsFault(err, domain.FaultStreamInterrupted))

	// One chunk, then the terminal error. Never retried.
	evts := sink.Events()
	require.Len(t, evts, 2)
	assert.Equal(t, OutChunk, evts[0].Type)
	assert.Equal(t, OutError, evts[1].Type)
	assert.Equal(t, domain.FaultStreamInterrupted, evts[1].Code)

	// Delivered output is billed; the rest of the estimate refunded.
	b := f.balance(t, domain.KindTextToken)
	assert.Equal(t, int64(997), b.Available)
	assert.Zero(t, b.Reserved)
	assert.Equal(t, int64(3), b.Used)
}

func TestRun_ClientDisconnectSettlesPartial(t *testing.T) {
	f := newFixture(t, 3)
	f.grant(t, domain.KindTextToken, 1000)

	adapter := &provider.MockAdapter{
		StreamFunc: provider.ScriptedStream(
			provider.Event{Type: provider.EventDelta, Text: "seen"},
			provider.Event{Type: provider.EventDelta, Text: " unseen"},
			provider.Event{Type: provider.EventDone},
		),
	}

	sink := newCollectSink()
	sink.failAfter = 1

	resp, err := f.engine.Run(context.Background(), textRequest(), adapter, testModel(adapter), nil, sink)

	require.NotNil(t, resp)
	assert.Equal(t, domain.StatusPartial, resp.Status)
	assert.True(t, domain.IsFault(err, domain.FaultStreamInterrupted))

	b := f.balance(t, domain.KindTextToken)
	assert.Zero(t, b.Reserved)
	assert.Equal(t, int64(1000-b.Used), b.Available)
	assert.Positive(t, b.Used)
}

func TestRun_CancelBeforeFirstChunkReleases(t *testing.T) {
	f := newFixture(t, 3)
	f.grant(t, domain.KindTextToken, 1000)

	adapter := &provider.MockAdapter{
		StreamFunc: func(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
			// A stream that never produces anything.
			return make(chan provider.Event), nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sink := newCollectSink()
	resp, err := f.engine.Run(ctx, textRequest(), adapter, testModel(adapter), nil, sink)

	require.NotNil(t, resp)
	assert.Equal(t, domain.StatusFailed, resp.Status)
	assert.True(t, domain.IsFault(err, domain.FaultStreamInterrupted))

	// No output, full refund.
	b := f.balance(t, domain.KindTextToken)
	assert.Equal(t, int64(1000), b.Available)
	assert.Zero(t, b.Reserved)
	assert.Zero(t, b.Used)
}

func TestRun_BlockingFilePriceSettled(t *testing.T) {
	f := newFixture(t, 1)
	f.grant(t, domain.KindFileToken, 100)

	adapter := &provider.MockAdapter{
		Caps: domain.NewCapabilitySet(domain.CapTextToImage),
		InvokeFunc: func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			return &provider.Result{Content: "https://img.example/out.png", Model: req.Model}, nil
		},
	}

	req := textRequest()
	req.Capability = domain.CapTextToImage
	req.Prompt = "a lighthouse at dusk"

	sink := newCollectSink()
	resp, err := f.engine.Run(context.Background(), req, adapter, testModel(adapter), nil, sink)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, resp.Status)
	assert.Equal(t, int64(50), resp.TokensUsed)

	evts := sink.Events()
	require.Len(t, evts, 2)
	assert.Equal(t, OutChunk, evts[0].Type)
	assert.Equal(t, "https://img.example/out.png", evts[0].Text)
	assert.Equal(t, OutDone, evts[1].Type)

	b := f.balance(t, domain.KindFileToken)
	assert.Equal(t, int64(50), b.Available)
	assert.Equal(t, int64(50), b.Used)
}

func TestRun_BlockingRejectionReleases(t *testing.T) {
	f := newFixture(t, 1)
	f.grant(t, domain.KindFileToken, 100)

	adapter := &provider.MockAdapter{
		Caps: domain.NewCapabilitySet(domain.CapTextToImage),
		InvokeFunc: func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			return nil, &provider.ProviderError{Provider: "mock", Code: 400, Message: "content policy"}
		},
	}

	req := textRequest()
	req.Capability = domain.CapTextToImage

	sink := newCollectSink()
	resp, err := f.engine.Run(context.Background(), req, adapter, testModel(adapter), nil, sink)

	assert.Equal(t, domain.StatusFailed, resp.Status)
	assert.True(t, domain.IsFault(err, domain.FaultProviderRejected))

	b := f.balance(t, domain.KindFileToken)
	assert.Equal(t, int64(100), b.Available)
	assert.Zero(t, b.Reserved)
}
