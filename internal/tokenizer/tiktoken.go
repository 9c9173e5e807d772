package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

var loaderOnce sync.Once

// Tiktoken wraps a BPE encoding. Vocabularies are embedded, no network access is needed.
type Tiktoken struct {
	name string
	enc  *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding. "gpt2" shares its ranks with r50k_base.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	resolved := encoding
	if encoding == "gpt2" {
		resolved = "r50k_base"
	}
	enc, err := tiktoken.GetEncoding(resolved)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &Tiktoken{name: "tiktoken:" + encoding, enc: enc}, nil
}

// Name implements Tokenizer.
func (t *Tiktoken) Name() string { return t.name }

// Encode implements Tokenizer. Special tokens found in the text are encoded as
// specials; the library would panic on them otherwise.
func (t *Tiktoken) Encode(text string) []int {
	return t.enc.Encode(text, []string{"all"}, nil)
}

// Decode implements Tokenizer.
func (t *Tiktoken) Decode(ids []int) string {
	return t.enc.Decode(ids)
}
