// Package tokens estimates token costs for rehydration budgeting.
package tokens

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates the token cost of text.
type Counter interface {
	Count(text string) int
	Name() string
}

// Approx charges one token per four bytes, rounded up, with a floor of one.
type Approx struct{}

func (Approx) Name() string { return "approx" }

func (Approx) Count(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		return 1
	}
	return n
}

// Words charges per whitespace-separated word plus a per-rune surcharge
// for long words, which tracks BPE tokenizers more closely on code.
type Words struct{}

func (Words) Name() string { return "words" }

func (Words) Count(text string) int {
	n := 0
	for _, w := range strings.Fields(text) {
		n += 1 + utf8.RuneCountInString(w)/8
	}
	if n < 1 {
		return 1
	}
	return n
}

// DefaultEncoding is the BPE encoding used by the tiktoken counter.
const DefaultEncoding = "cl100k_base"

// BPE counts real tokens with a tiktoken encoding. Loading an encoding
// fetches its rank file on first use unless TIKTOKEN_CACHE_DIR holds it.
type BPE struct {
	enc  *tiktoken.Tiktoken
	name string
}

// NewBPE loads the named tiktoken encoding.
func NewBPE(encoding string) (*BPE, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &BPE{enc: enc, name: "tiktoken:" + encoding}, nil
}

func (b *BPE) Name() string { return b.name }

func (b *BPE) Count(text string) int {
	n := len(b.enc.Encode(text, nil, nil))
	if n < 1 {
		return 1
	}
	return n
}

// New returns the counter named by the rehydrate.tokenizer setting:
// approx, words, tiktoken or tiktoken:<encoding>.
func New(name string) (Counter, error) {
	switch {
	case name == "" || name == "approx":
		return Approx{}, nil
	case name == "words":
		return Words{}, nil
	case name == "tiktoken":
		return NewBPE(DefaultEncoding)
	case strings.HasPrefix(name, "tiktoken:"):
		return NewBPE(strings.TrimPrefix(name, "tiktoken:"))
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}
