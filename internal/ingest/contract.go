package ingest

import (
	"context"

	"github.com/kailas-cloud/therapist/internal/domain"
	"github.com/kailas-cloud/therapist/internal/pdf"
)

// PageLoader extracts page text from one PDF.
type PageLoader interface {
	LoadPages(ctx context.Context, path string) ([]pdf.Page, error)
}

// Tokenizer maps text to token ids and back.
type Tokenizer interface {
	Name() string
	Encode(text string) []int
	Decode(ids []int) string
}

// AuditSink receives the ingestion summary event.
type AuditSink interface {
	Emit(event domain.AuditEvent)
}
