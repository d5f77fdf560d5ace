// Package token provides token counting for prompt budget management.
package token

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// getEncoding lazily initializes the cl100k_base encoding. Loading the
// BPE ranks is expensive, so it happens once per process.
func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens returns the token count of text under cl100k_base.
// If the encoding is unavailable it falls back to EstimateFast.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding()
	if enc == nil {
		return EstimateFast(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountAll sums the token counts of all texts.
func CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += CountTokens(t)
	}
	return total
}

// EstimateFast approximates a token count without touching the encoder.
// English text averages roughly four characters per token; whitespace
// splitting catches pathological inputs with very long words.
func EstimateFast(text string) int {
	if text == "" {
		return 0
	}
	byRunes := utf8.RuneCountInString(text) / 4
	byWords := len(strings.Fields(text))
	if byWords > byRunes {
		return byWords
	}
	return byRunes
}
