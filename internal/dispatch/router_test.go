package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/ledger"
	"github.com/soyeahso/tokengate/internal/logging"
	"github.com/soyeahso/tokengate/internal/provider"
	"github.com/soyeahso/tokengate/internal/session"
	"github.com/soyeahso/tokengate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSink struct {
	mu     sync.Mutex
	events []session.OutEvent
}

func (s *recordSink) Send(evt session.OutEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordSink) Events() []session.OutEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.OutEvent, len(s.events))
	copy(out, s.events)
	return out
}

type routerFixture struct {
	router  *Router
	ledger  *ledger.Ledger
	convs   *Conversations
	adapter *provider.MockAdapter
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := &provider.MockAdapter{ProviderName: "mock"}
	registry := provider.NewRegistry(log)
	registry.Register("mock", adapter)
	registry.AddModel(provider.ModelInfo{
		ID:           "mock-model",
		Provider:     "mock",
		Capabilities: domain.NewCapabilitySet(domain.CapText, domain.CapCode),
		TestStatus:   provider.TestStatusConnected,
	})
	registry.AddModel(provider.ModelInfo{
		ID:           "broken-model",
		Provider:     "mock",
		Capabilities: domain.NewCapabilitySet(domain.CapText),
		TestStatus:   "failed",
	})

	ldg := ledger.New(db, log)
	est := ledger.NewEstimator(4, 100, nil)
	responses := store.NewResponseStore(db)
	engine := session.NewEngine(ldg, est, responses, 1, log)
	convs := NewConversations(store.NewConversationStore(db), 4, log)

	return &routerFixture{
		router:  NewRouter(registry, engine, convs, log),
		ledger:  ldg,
		convs:   convs,
		adapter: adapter,
	}
}

func (f *routerFixture) grant(t *testing.T, amount int64) {
	t.Helper()
	owner := domain.OwnerRef{Type: domain.OwnerUser, ID: "alice"}
	require.NoError(t, f.ledger.Grant(context.Background(), owner, domain.KindTextToken, amount))
}

func baseRequest() domain.GenerationRequest {
	return domain.GenerationRequest{
		RequesterID: "alice",
		Capability:  domain.CapText,
		ModelID:     "mock-model",
		Prompt:      "write a haiku about tides",
	}
}

func TestDispatch_Validation(t *testing.T) {
	f := newRouterFixture(t)

	cases := []struct {
		name   string
		mutate func(*domain.GenerationRequest)
	}{
		{"missing requester", func(r *domain.GenerationRequest) { r.RequesterID = "" }},
		{"missing model", func(r *domain.GenerationRequest) { r.ModelID = "" }},
		{"unknown capability", func(r *domain.GenerationRequest) { r.Capability = "telepathy" }},
		{"missing prompt", func(r *domain.GenerationRequest) { r.Prompt = "" }},
		{"chat on media capability", func(r *domain.GenerationRequest) {
			r.Capability = domain.CapTextToImage
			r.ChatMode = true
		}},
		{"negative maxTokens", func(r *domain.GenerationRequest) { r.MaxTokens = -1 }},
		{"media without fileRef", func(r *domain.GenerationRequest) {
			r.Capability = domain.CapAudioToText
			r.FileRef = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := baseRequest()
			tc.mutate(&req)

			sink := &recordSink{}
			_, err := f.router.Dispatch(context.Background(), req, sink)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, sink.Events(), "admission failures must not emit events")
		})
	}
}

func TestDispatch_DefaultsOwnerToRequester(t *testing.T) {
	f := newRouterFixture(t)
	f.grant(t, 1000)

	sink := &recordSink{}
	resp, err := f.router.Dispatch(context.Background(), baseRequest(), sink)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, resp.Status)
}

func TestDispatch_UnknownModel(t *testing.T) {
	f := newRouterFixture(t)
	f.grant(t, 1000)

	req := baseRequest()
	req.ModelID = "nope"

	sink := &recordSink{}
	_, err := f.router.Dispatch(context.Background(), req, sink)
	assert.True(t, domain.IsFault(err, domain.FaultModelUnavailable))

	evts := sink.Events()
	require.Len(t, evts, 1)
	assert.Equal(t, session.OutError, evts[0].Type)
	assert.Equal(t, domain.FaultModelUnavailable, evts[0].Code)

	// Rejected before reservation: the balance is untouched.
	owner := domain.OwnerRef{Type: domain.OwnerUser, ID: "alice"}
	b, err := f.ledger.Balance(context.Background(), owner, domain.KindTextToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.Available)
	assert.Zero(t, b.Reserved)
}

func TestDispatch_NotConnectedModel(t *testing.T) {
	f := newRouterFixture(t)
	f.grant(t, 1000)

	req := baseRequest()
	req.ModelID = "broken-model"

	sink := &recordSink{}
	_, err := f.router.Dispatch(context.Background(), req, sink)
	assert.True(t, domain.IsFault(err, domain.FaultModelUnavailable))
}

func TestDispatch_ChatFirstTurnCreatesConversation(t *testing.T) {
	f := newRouterFixture(t)
	f.grant(t, 1000)

	req := baseRequest()
	req.ChatMode = true

	sink := &recordSink{}
	resp, err := f.router.Dispatch(context.Background(), req, sink)
	require.NoError(t, err)
	require.NotEmpty(t, resp.ConversationID)

	evts := sink.Events()
	done := evts[len(evts)-1]
	assert.Equal(t, session.OutDone, done.Type)
	assert.Equal(t, resp.ConversationID, done.ConversationID)

	conv := f.convs.Get(resp.ConversationID)
	require.NotNil(t, conv)
	assert.Equal(t, "mock-model", conv.ModelID)
	assert.Equal(t, "write a haiku about tides", conv.Title)

	// Both turns recorded.
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, domain.RoleUser, conv.Turns[0].Role)
	assert.Equal(t, req.Prompt, conv.Turns[0].Content)
	assert.Equal(t, domain.RoleAssistant, conv.Turns[1].Role)
	assert.Equal(t, resp.Content, conv.Turns[1].Content)
}

func TestDispatch_ChatSecondTurnCarriesHistory(t *testing.T) {
	f := newRouterFixture(t)
	f.grant(t, 1000)

	first := baseRequest()
	first.ChatMode = true
	sink := &recordSink{}
	resp, err := f.router.Dispatch(context.Background(), first, sink)
	require.NoError(t, err)

	var gotHistory []provider.Message
	f.adapter.StreamFunc = func(ctx context.Context, preq provider.Request) (<-chan provider.Event, error) {
		gotHistory = preq.History
		return provider.ScriptedStream(
			provider.Event{Type: provider.EventDelta, Text: "follow-up answer"},
			provider.Event{Type: provider.EventDone},
		)(ctx, preq)
	}

	second := baseRequest()
	second.ChatMode = true
	second.ConversationID = resp.ConversationID
	second.ModelID = "" // bound by the conversation
	second.Prompt = "and another one"

	_, err = f.router.Dispatch(context.Background(), second, &recordSink{})
	require.NoError(t, err)

	require.Len(t, gotHistory, 2)
	assert.Equal(t, domain.RoleUser, gotHistory[0].Role)
	assert.Equal(t, "write a haiku about tides", gotHistory[0].Content)
	assert.Equal(t, domain.RoleAssistant, gotHistory[1].Role)

	conv := f.convs.Get(resp.ConversationID)
	require.Len(t, conv.Turns, 4)
}

func TestDispatch_ChatUnknownConversation(t *testing.T) {
	f := newRouterFixture(t)
	f.grant(t, 1000)

	req := baseRequest()
	req.ChatMode = true
	req.ConversationID = "missing"

	_, err := f.router.Dispatch(context.Background(), req, &recordSink{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDispatch_ChatForeignConversation(t *testing.T) {
	f := newRouterFixture(t)
	f.grant(t, 1000)

	first := baseRequest()
	first.ChatMode = true
	resp, err := f.router.Dispatch(context.Background(), first, &recordSink{})
	require.NoError(t, err)

	second := baseRequest()
	second.RequesterID = "mallory"
	second.ChatMode = true
	second.ConversationID = resp.ConversationID

	_, err = f.router.Dispatch(context.Background(), second, &recordSink{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDispatch_FailedSessionAppendsNoTurns(t *testing.T) {
	f := newRouterFixture(t)
	f.grant(t, 1000)

	f.adapter.StreamFunc = func(ctx context.Context, preq provider.Request) (<-chan provider.Event, error) {
		return nil, &provider.ProviderError{Provider: "mock", Code: 401, Message: "nope"}
	}

	req := baseRequest()
	req.ChatMode = true

	resp, err := f.router.Dispatch(context.Background(), req, &recordSink{})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, domain.StatusFailed, resp.Status)

	conv := f.convs.Get(resp.ConversationID)
	require.NotNil(t, conv)
	assert.Empty(t, conv.Turns)
}
