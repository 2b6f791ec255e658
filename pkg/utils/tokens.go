// Package utils provides tiktoken-based token counting used when the endpoint omits usage data.
package utils

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

//nolint:gochecknoglobals // codec construction is expensive; build it once
var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func sharedCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		// Gemini has no public BPE; GPT-4 encoding is a close enough estimate.
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// CountTokens returns an estimated token count for text.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	c := sharedCodec()
	if c == nil {
		// Character-based estimate (4 chars ≈ 1 token)
		return len(text) / 4
	}
	count, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}
