package chi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kailas-cloud/therapist/internal/domain"
	healthuc "github.com/kailas-cloud/therapist/internal/usecase/health"
)

type stubAgent struct {
	tokens int
	calls  []string
	err    error
	panic  bool
}

func (a *stubAgent) Process(ctx context.Context, query string) (domain.ContextInfo, error) {
	return a.run(ctx, "sync", query)
}

func (a *stubAgent) ProcessAsync(ctx context.Context, query string) (domain.ContextInfo, error) {
	return a.run(ctx, "async", query)
}

func (a *stubAgent) run(ctx context.Context, mode, query string) (domain.ContextInfo, error) {
	if a.panic {
		panic("boom")
	}
	a.calls = append(a.calls, mode)
	domain.UsageFromContext(ctx).AddTokens(a.tokens)
	if a.err != nil {
		return domain.ContextInfo{}, a.err
	}
	return domain.NewContextInfo(query, "web:"+query, "vec:"+query), nil
}

type stubResponder struct {
	got domain.ContextInfo
	err error
}

func (r *stubResponder) Respond(_ context.Context, message string, info domain.ContextInfo) (string, error) {
	r.got = info
	if r.err != nil {
		return "", r.err
	}
	return "I hear you: " + message, nil
}

type stubHealth struct{ report healthuc.Report }

func (h stubHealth) Check(context.Context) healthuc.Report { return h.report }

func healthy() stubHealth {
	return stubHealth{report: healthuc.Report{
		Status:       healthuc.Healthy,
		Checks:       map[string]healthuc.CheckResult{"index": healthuc.CheckOK},
		IndexVectors: 12,
	}}
}

func newTestRouter(agent ContextGatherer, responder Responder, health HealthChecker, keys ...string) http.Handler {
	return NewRouter(NewServer(agent, responder, health, nil), RouterOptions{APIKeys: keys})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestGatherContext_Modes(t *testing.T) {
	tests := []struct {
		body string
		mode string
	}{
		{`{"query":"grief"}`, "async"},
		{`{"query":"grief","mode":"async"}`, "async"},
		{`{"query":"grief","mode":"sync"}`, "sync"},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			agent := &stubAgent{}
			rr := do(t, newTestRouter(agent, nil, healthy()), http.MethodPost, "/v1/context", tt.body)

			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, []string{tt.mode}, agent.calls)

			var raw map[string]string
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&raw))
			assert.Equal(t, "grief", raw["query"])
			assert.Equal(t, "web:grief", raw["web_context"])
			assert.Equal(t, "vec:grief", raw["vector_context"])
			assert.Equal(t, "web:grief\n\nvec:grief", raw["combined_context"])
		})
	}
}

func TestGatherContext_EmptyQueryAllowed(t *testing.T) {
	agent := &stubAgent{}
	rr := do(t, newTestRouter(agent, nil, healthy()), http.MethodPost, "/v1/context", `{"query":""}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, agent.calls, 1)
}

func TestGatherContext_BadRequests(t *testing.T) {
	for _, body := range []string{`{"query":"x","mode":"turbo"}`, `{"query":"x","extra":1}`, `not json`} {
		t.Run(body, func(t *testing.T) {
			agent := &stubAgent{}
			rr := do(t, newTestRouter(agent, nil, healthy()), http.MethodPost, "/v1/context", body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, CodeBadRequest, decodeError(t, rr).Code)
			assert.Empty(t, agent.calls)
		})
	}
}

func TestGatherContext_BodyTooLarge(t *testing.T) {
	body := fmt.Sprintf(`{"query":%q}`, strings.Repeat("a", maxBodyBytes+1))
	rr := do(t, newTestRouter(&stubAgent{}, nil, healthy()), http.MethodPost, "/v1/context", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGatherContext_DeadlineIsGatewayTimeout(t *testing.T) {
	agent := &stubAgent{err: context.DeadlineExceeded}
	rr := do(t, newTestRouter(agent, nil, healthy()), http.MethodPost, "/v1/context", `{"query":"x"}`)

	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.Equal(t, CodeTimeout, decodeError(t, rr).Code)
}

func TestGatherContext_UnknownErrorIsInternal(t *testing.T) {
	agent := &stubAgent{err: fmt.Errorf("disk on fire")}
	rr := do(t, newTestRouter(agent, nil, healthy()), http.MethodPost, "/v1/context", `{"query":"x"}`)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, CodeInternalError, resp.Code)
	assert.NotContains(t, resp.Message, "disk")
}

func TestGatherContext_ErrorLogCarriesRequestID(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	agent := &stubAgent{err: fmt.Errorf("disk on fire")}
	h := NewRouter(NewServer(agent, nil, healthy(), zap.NewNop()), RouterOptions{Logger: zap.New(core)})

	req := httptest.NewRequest(http.MethodPost, "/v1/context", strings.NewReader(`{"query":"x"}`))
	req.Header.Set("X-Request-Id", "req-7")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	entries := logs.FilterMessage("internal error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-7", entries[0].ContextMap()["request_id"])
}

func TestChat_NoResponder(t *testing.T) {
	rr := do(t, newTestRouter(&stubAgent{}, nil, healthy()), http.MethodPost, "/v1/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
	assert.Equal(t, CodeNotImplemented, decodeError(t, rr).Code)
}

func TestChat_Success(t *testing.T) {
	agent := &stubAgent{}
	responder := &stubResponder{}
	rr := do(t, newTestRouter(agent, responder, healthy()), http.MethodPost, "/v1/chat", `{"message":"I feel low"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp ChatResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "I hear you: I feel low", resp.Reply)
	assert.Equal(t, "web:I feel low", resp.Context.WebContext)
	assert.Equal(t, "vec:I feel low", responder.got.VectorContext)
}

func TestChat_EmptyMessage(t *testing.T) {
	rr := do(t, newTestRouter(&stubAgent{}, &stubResponder{}, healthy()), http.MethodPost, "/v1/chat", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChat_LLMFailure(t *testing.T) {
	responder := &stubResponder{err: fmt.Errorf("%w: upstream 500", domain.ErrLLM)}
	rr := do(t, newTestRouter(&stubAgent{}, responder, healthy()), http.MethodPost, "/v1/chat", `{"message":"hi"}`)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, CodeUpstreamError, resp.Code)
	assert.Equal(t, domain.ErrLLM.Error(), resp.Message)
}

func TestChat_RateLimited(t *testing.T) {
	responder := &stubResponder{err: fmt.Errorf("%w: %w", domain.ErrLLM, domain.ErrRateLimited)}
	rr := do(t, newTestRouter(&stubAgent{}, responder, healthy()), http.MethodPost, "/v1/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestHealthCheck(t *testing.T) {
	rr := do(t, newTestRouter(&stubAgent{}, nil, healthy()), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, healthuc.Healthy, resp.Status)
	assert.Equal(t, 12, resp.IndexVectors)

	degraded := stubHealth{report: healthuc.Report{
		Status: healthuc.Degraded,
		Checks: map[string]healthuc.CheckResult{"index": healthuc.CheckOK, "cache": healthuc.CheckError},
	}}
	rr = do(t, newTestRouter(&stubAgent{}, nil, degraded), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_AuthAppliesToAPIRoutes(t *testing.T) {
	h := newTestRouter(&stubAgent{}, nil, healthy(), "secret")

	rr := do(t, h, http.MethodPost, "/v1/context", `{"query":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/context", strings.NewReader(`{"query":"x"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_RequestIDHeader(t *testing.T) {
	rr := do(t, newTestRouter(&stubAgent{}, nil, healthy()), http.MethodGet, "/health", "")
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestRouter_PanicRecoveredAsJSON(t *testing.T) {
	rr := do(t, newTestRouter(&stubAgent{panic: true}, nil, healthy()), http.MethodPost, "/v1/context", `{"query":"x"}`)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, CodeInternalError, decodeError(t, rr).Code)
}

func TestRouter_Metrics(t *testing.T) {
	rr := do(t, newTestRouter(&stubAgent{}, nil, healthy()), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_NotFound(t *testing.T) {
	rr := do(t, newTestRouter(&stubAgent{}, nil, healthy()), http.MethodGet, "/collections", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGatherContext_EmbeddingTokensHeader(t *testing.T) {
	agent := &stubAgent{tokens: 7}
	rr := do(t, newTestRouter(agent, nil, healthy()), http.MethodPost, "/v1/context", `{"query":"x"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "7", rr.Header().Get(HeaderEmbeddingTokens))
}
