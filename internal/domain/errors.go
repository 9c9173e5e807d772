package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoInputs signals that discovery found no PDF files under the input root.
	ErrNoInputs = errors.New("no PDF files found")
	// ErrIngestionFailed is the parent of every IngestionFailedError.
	ErrIngestionFailed = errors.New("ingestion failed")
	// ErrIndexCorrupt signals an index whose files disagree with each other or fail checksums.
	ErrIndexCorrupt = errors.New("index corrupt")
	// ErrIncompatibleIndex signals an index built with an unknown format, metric or embedding model.
	ErrIncompatibleIndex = errors.New("incompatible index")
	// ErrUntrustedFormat signals an index encoding that may only be opened from a trusted source.
	ErrUntrustedFormat = errors.New("index format requires a trusted source")
	// ErrWebRetrievalFailed signals a failed or timed out web search.
	ErrWebRetrievalFailed = errors.New("web retrieval failed")
	// ErrVectorRetrievalFailed signals a failed or timed out vector search.
	ErrVectorRetrievalFailed = errors.New("vector retrieval failed")
	// ErrConfiguration signals missing or invalid settings at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrVectorDimMismatch signals a vector dimension mismatch.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")
	// ErrRateLimited signals a rate limit hit.
	ErrRateLimited = errors.New("rate limited")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
	// ErrLLM signals a failed chat completion.
	ErrLLM = errors.New("llm generation failed")
)

// Ingestion stages reported by IngestionFailedError.
const (
	StageDiscover = "discover"
	StageLoad     = "load"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StagePersist  = "persist"
)

// IngestionFailedError wraps a pipeline failure with the stage it happened in.
type IngestionFailedError struct {
	Stage string
	Err   error
}

func (e *IngestionFailedError) Error() string {
	return fmt.Sprintf("%s at %s stage: %v", ErrIngestionFailed.Error(), e.Stage, e.Err)
}

func (e *IngestionFailedError) Unwrap() []error { return []error{ErrIngestionFailed, e.Err} }

// NewIngestionFailed creates an ingestion error for the given stage.
func NewIngestionFailed(stage string, err error) error {
	return &IngestionFailedError{Stage: stage, Err: err}
}

// ConfigError reports an invalid configuration value; it matches ErrConfiguration.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
