package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/soyeahso/tokengate/internal/config"
	"github.com/soyeahso/tokengate/internal/dispatch"
	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/ledger"
	"github.com/soyeahso/tokengate/internal/logging"
	"github.com/soyeahso/tokengate/internal/provider"
	"github.com/soyeahso/tokengate/internal/session"
	"github.com/soyeahso/tokengate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-secret"

type gatewayFixture struct {
	srv    *httptest.Server
	ledger *ledger.Ledger
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	log := logging.New(nil, "silent")

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ldg := ledger.New(db, log)
	est := ledger.NewEstimator(4, 100, nil)
	responses := store.NewResponseStore(db)
	conversations := dispatch.NewConversations(store.NewConversationStore(db), 4, log)

	registry := provider.NewRegistry(log)
	registry.Register("mock", &provider.MockAdapter{ProviderName: "mock"})
	registry.AddModel(provider.ModelInfo{
		ID:           "mock-model",
		Provider:     "mock",
		Capabilities: domain.NewCapabilitySet(domain.CapText, domain.CapCode),
		TestStatus:   provider.TestStatusConnected,
	})

	engine := session.NewEngine(ldg, est, responses, 1, log)
	router := dispatch.NewRouter(registry, engine, conversations, log)

	cfg := config.Defaults()
	cfg.Gateway.Auth.Token = testToken

	gw := New(cfg, Deps{
		Router:        router,
		Registry:      registry,
		Ledger:        ldg,
		Conversations: conversations,
		Responses:     responses,
	}, log)

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	srv := httptest.NewServer(withMiddleware(mux, log, nil))
	t.Cleanup(srv.Close)

	return &gatewayFixture{srv: srv, ledger: ldg}
}

func (f *gatewayFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthedRoutes_RejectMissingToken(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthedRoutes_AcceptQueryToken(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.srv.URL + "/v1/models?access_token=" + testToken)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestModels(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, "GET", "/v1/models", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	models, ok := body["models"].([]any)
	require.True(t, ok)
	require.Len(t, models, 1)
}

func TestBalance(t *testing.T) {
	f := newGatewayFixture(t)
	owner := domain.OwnerRef{Type: domain.OwnerUser, ID: "alice"}
	require.NoError(t, f.ledger.Grant(context.Background(), owner, domain.KindTextToken, 500))

	resp := f.do(t, "GET", "/v1/balance", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, "GET", "/v1/balance?ownerId=alice&kind=gems", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, "GET", "/v1/balance?ownerId=nobody", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, "GET", "/v1/balance?ownerId=alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(500), body["available"])
}

func TestResponse_NotFound(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, "GET", "/v1/responses/nope", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversations(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, "GET", "/v1/conversations", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, "GET", "/v1/conversations?requesterId=alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	convs, ok := body["conversations"].([]any)
	require.True(t, ok)
	assert.Empty(t, convs)

	resp = f.do(t, "GET", "/v1/conversations/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownRoute(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.srv.URL + "/v2/other")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGenerate_MalformedBody(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, "POST", "/v1/generations", "{not json")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGenerate_InvalidRequest(t *testing.T) {
	f := newGatewayFixture(t)

	// Missing requesterId fails admission before the stream starts.
	resp := f.do(t, "POST", "/v1/generations", `{"capability":"text","model":"mock-model","prompt":"hi"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestGenerate_StreamsEvents(t *testing.T) {
	f := newGatewayFixture(t)
	owner := domain.OwnerRef{Type: domain.OwnerUser, ID: "alice"}
	require.NoError(t, f.ledger.Grant(context.Background(), owner, domain.KindTextToken, 1000))

	resp := f.do(t, "POST", "/v1/generations",
		`{"requesterId":"alice","capability":"text","model":"mock-model","prompt":"say hi","maxTokens":50}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(raw)
	assert.Contains(t, stream, "event: chunk")
	assert.Contains(t, stream, "event: done")
	assert.Contains(t, stream, `"mock "`)
}

func TestGenerate_PostAdmissionFaultArrivesOnStream(t *testing.T) {
	f := newGatewayFixture(t)
	// No balance granted: reservation fails after admission, so the client
	// still gets a 200 stream carrying a single terminal error event.

	resp := f.do(t, "POST", "/v1/generations",
		`{"requesterId":"alice","capability":"text","model":"mock-model","prompt":"say hi"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(raw)
	assert.Contains(t, stream, "event: error")
	assert.Contains(t, stream, "insufficient_balance")
	assert.NotContains(t, stream, "event: chunk")
}
