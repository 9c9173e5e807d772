package pdf

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// PDFToText shells out to poppler's pdftotext. pdftotext ends every page with a form feed.
type PDFToText struct {
	runner CommandRunner
}

// NewPDFToText creates a loader that runs the real binary.
func NewPDFToText() *PDFToText {
	return &PDFToText{runner: execRunner{}}
}

// NewPDFToTextWithRunner creates a loader with a custom runner.
func NewPDFToTextWithRunner(runner CommandRunner) *PDFToText {
	return &PDFToText{runner: runner}
}

// CheckAvailable verifies pdftotext is installed.
func CheckAvailable() error {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return ErrPDFToolNotFound
	}
	return nil
}

// LoadPages implements PageLoader.
func (l *PDFToText) LoadPages(ctx context.Context, path string) ([]Page, error) {
	out, err := l.runner.Run(ctx, "pdftotext", "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext failed for %s: %w", path, err)
	}
	return splitPages(string(out)), nil
}

func splitPages(out string) []Page {
	parts := strings.Split(out, "\f")
	// the form feed after the last page leaves an empty tail
	if len(parts) > 0 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}
	pages := make([]Page, 0, len(parts))
	for i, p := range parts {
		pages = append(pages, Page{Number: i + 1, Text: p})
	}
	return pages
}
