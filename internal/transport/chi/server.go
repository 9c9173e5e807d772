package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/therapist/internal/domain"
	logpkg "github.com/kailas-cloud/therapist/internal/logger"
	"github.com/kailas-cloud/therapist/internal/metrics"
	healthuc "github.com/kailas-cloud/therapist/internal/usecase/health"
)

const (
	maxBodyBytes = 1 << 20

	// HeaderEmbeddingTokens reports the embedding tokens spent on the query.
	HeaderEmbeddingTokens = "X-Embedding-Tokens"

	ModeSync  = "sync"
	ModeAsync = "async"
)

// ContextRequest is the body of POST /v1/context.
type ContextRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode,omitempty"` // sync | async, default async
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message string `json:"message"`
	Mode    string `json:"mode,omitempty"`
}

// ChatResponse is the answer of POST /v1/chat.
type ChatResponse struct {
	Reply   string             `json:"reply"`
	Context domain.ContextInfo `json:"context"`
}

// HealthResponse is the answer of GET /health.
type HealthResponse struct {
	Status       healthuc.Status                 `json:"status"`
	Checks       map[string]healthuc.CheckResult `json:"checks"`
	IndexVectors int                             `json:"index_vectors"`
}

// Server serves the context agent over HTTP.
type Server struct {
	agent         ContextGatherer
	responder     Responder
	health        HealthChecker
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server. responder may be nil, then /v1/chat answers 501.
func NewServer(agent ContextGatherer, responder Responder, health HealthChecker, logger *zap.Logger) *Server {
	return &Server{
		agent:         agent,
		responder:     responder,
		health:        health,
		logger:        logpkg.OrNop(logger),
		errorHandlers: defaultErrorHandlers,
	}
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	APIKeys []string
	Logger  *zap.Logger
}

// NewRouter mounts the server routes behind the standard middleware chain.
func NewRouter(s *Server, opts RouterOptions) http.Handler {
	logger := logpkg.OrNop(opts.Logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(BearerAuthMiddleware(opts.APIKeys))
	r.Use(metrics.Middleware())

	r.Post("/v1/context", s.GatherContext)
	r.Post("/v1/chat", s.Chat)
	r.Get("/health", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeBadRequest, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
	})
	return r
}

// GatherContext handles POST /v1/context. An empty query is valid.
func (s *Server) GatherContext(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if !decodeBody(w, r, &req) {
		return
	}

	info, err := s.gather(w, r, req.Query, req.Mode)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Chat handles POST /v1/chat.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	if s.responder == nil {
		writeError(w, http.StatusNotImplemented, CodeNotImplemented, "chat model is not configured")
		return
	}

	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "message is required")
		return
	}

	info, err := s.gather(w, r, req.Message, req.Mode)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	reply, err := s.responder.Respond(r.Context(), req.Message, info)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Reply: reply, Context: info})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	status := http.StatusOK
	if report.Status != healthuc.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{
		Status:       report.Status,
		Checks:       report.Checks,
		IndexVectors: report.IndexVectors,
	})
}

func (s *Server) gather(w http.ResponseWriter, r *http.Request, query, mode string) (domain.ContextInfo, error) {
	ctx, usage := domain.NewContextWithUsage(r.Context())

	var (
		info domain.ContextInfo
		err  error
	)
	switch mode {
	case ModeSync:
		info, err = s.agent.Process(ctx, query)
	case ModeAsync, "":
		info, err = s.agent.ProcessAsync(ctx, query)
	default:
		return domain.ContextInfo{}, badModeError(mode)
	}
	if usage.Used() {
		w.Header().Set(HeaderEmbeddingTokens, strconv.Itoa(usage.Tokens()))
	}
	return info, err
}

type badModeError string

func (e badModeError) Error() string {
	return fmt.Sprintf("mode must be %q or %q, got %q", ModeSync, ModeAsync, string(e))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	log := logpkg.FromContextOr(r.Context(), s.logger)

	var bm badModeError
	if errors.As(err, &bm) {
		writeError(w, http.StatusBadRequest, CodeBadRequest, bm.Error())
		return
	}

	log.Warn("request failed", zap.Error(err))
	for _, h := range s.errorHandlers {
		if h(w, err) {
			return
		}
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
