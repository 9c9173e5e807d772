package tokenizer

import (
	"regexp"
	"strings"
	"sync"
)

// wordPattern matches a word or a single punctuation rune together with its leading
// whitespace; a trailing whitespace run becomes its own token. Concatenating all
// matches reproduces the input.
var wordPattern = regexp.MustCompile(`\s*(?:\w+|[^\w\s])|\s+`)

// Words is a deterministic tokenizer that needs no vocabulary files.
// Ids are interned per instance and only meaningful to the instance that issued them.
type Words struct {
	mu    sync.RWMutex
	ids   map[string]int
	vocab []string
}

// NewWords creates a word-level tokenizer.
func NewWords() *Words {
	return &Words{ids: make(map[string]int)}
}

// Name implements Tokenizer.
func (*Words) Name() string { return "words" }

// Tokens returns the token strings of text.
func (*Words) Tokens(text string) []string {
	return wordPattern.FindAllString(text, -1)
}

// Encode implements Tokenizer.
func (w *Words) Encode(text string) []int {
	toks := w.Tokens(text)
	out := make([]int, len(toks))

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, tok := range toks {
		id, ok := w.ids[tok]
		if !ok {
			id = len(w.vocab)
			w.ids[tok] = id
			w.vocab = append(w.vocab, tok)
		}
		out[i] = id
	}
	return out
}

// Decode implements Tokenizer. Unknown ids are skipped.
func (w *Words) Decode(ids []int) string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var b strings.Builder
	for _, id := range ids {
		if id >= 0 && id < len(w.vocab) {
			b.WriteString(w.vocab[id])
		}
	}
	return b.String()
}
