package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// ErrorCode is the machine readable part of an ErrorResponse.
type ErrorCode string

const (
	CodeBadRequest     ErrorCode = "bad_request"
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeNotImplemented ErrorCode = "not_implemented"
	CodeRateLimited    ErrorCode = "rate_limited"
	CodeUpstreamError  ErrorCode = "upstream_error"
	CodeTimeout        ErrorCode = "timeout"
	CodeInternalError  ErrorCode = "internal_error"
)

// ErrorResponse is the JSON body of every non-2xx answer.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, sentinel.Error())
		return true
	}
}

var defaultErrorHandlers = []errorHandler{
	sentinelHandler(domain.ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited),
	sentinelHandler(domain.ErrLLM, http.StatusBadGateway, CodeUpstreamError),
	sentinelHandler(domain.ErrEmbeddingProviderError, http.StatusBadGateway, CodeUpstreamError),
	sentinelHandler(context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout),
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
