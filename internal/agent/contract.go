package agent

import (
	"context"

	"github.com/kailas-cloud/therapist/internal/domain"
	"github.com/kailas-cloud/therapist/internal/websearch"
)

// WebSearcher returns web results in provider order.
type WebSearcher interface {
	Invoke(ctx context.Context, query string) ([]websearch.Result, error)
}

// VectorSearcher returns the top passages already joined into one string.
type VectorSearcher interface {
	SearchString(ctx context.Context, query string) (string, error)
}

// AuditSink receives retrieval and context events. Must tolerate concurrent writers.
type AuditSink interface {
	Emit(event domain.AuditEvent)
}

// Retriever is a blocking retrieval behind a failure boundary.
// The agent decides whether it runs inline or on the worker pool.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, query string) (string, error)

// Retrieve calls f.
func (f RetrieverFunc) Retrieve(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}
