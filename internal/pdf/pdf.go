// Package pdf extracts page text from PDF files.
package pdf

import (
	"context"
	"errors"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// ErrPDFToolNotFound is returned when the pdftotext binary is missing from PATH.
var ErrPDFToolNotFound = errors.New("pdftotext not found in PATH")

// Page is the extracted text of one page. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// PageLoader extracts the pages of a PDF in page order.
type PageLoader interface {
	LoadPages(ctx context.Context, path string) ([]Page, error)
}

// NewLoader returns the loader configured by name: "native" or "pdftotext".
func NewLoader(name string) (PageLoader, error) {
	switch name {
	case "native", "":
		return NewNative(), nil
	case "pdftotext":
		return NewPDFToText(), nil
	default:
		return nil, domain.ConfigError("unknown pdf loader %q", name)
	}
}
