package pdf

import (
	"context"
	"fmt"

	lpdf "github.com/ledongthuc/pdf"
)

// Native reads PDFs in process.
type Native struct{}

// NewNative creates an in-process loader.
func NewNative() *Native { return &Native{} }

// LoadPages implements PageLoader. The parser panics on some malformed files;
// those panics come back as errors.
func (*Native) LoadPages(ctx context.Context, path string) (pages []Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("parse %s: %v", path, r)
		}
	}()

	f, r, err := lpdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	n := r.NumPage()
	pages = make([]Page, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d of %s: %w", i, path, err)
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}
