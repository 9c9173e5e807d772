// Package tokenizer splits text into token windows for chunking.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// Tokenizer maps text to token ids and back. Decoding the concatenation of the
// encodings of two strings yields the concatenation of the strings.
type Tokenizer interface {
	Name() string
	Encode(text string) []int
	Decode(ids []int) string
}

// New builds a tokenizer from its config name: "words" or "tiktoken:<encoding>".
func New(name string) (Tokenizer, error) {
	if name == "words" {
		return NewWords(), nil
	}
	if enc, ok := strings.CutPrefix(name, "tiktoken:"); ok {
		return NewTiktoken(enc)
	}
	return nil, domain.ConfigError("unknown tokenizer %q", name)
}

// Span is a half-open token range.
type Span struct {
	Start, End int
}

// Spans returns the window boundaries for n tokens. Every token is covered;
// the last window may be shorter than size.
func Spans(n, size, overlap int) ([]Span, error) {
	if size < 1 {
		return nil, fmt.Errorf("window size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap must be in [0, %d), got %d", size, overlap)
	}
	var spans []Span
	for start := 0; start < n; start += size - overlap {
		end := min(start+size, n)
		spans = append(spans, Span{Start: start, End: end})
		if end == n {
			break
		}
	}
	return spans, nil
}
