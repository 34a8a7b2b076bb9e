package observability

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many model tokens a text occupies.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with a BPE encoding. The encoding is loaded on first use;
// when it cannot be loaded the counter falls back to a chars/4 estimate.
type TiktokenCounter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return EstimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateTokens is the rough chars/4 heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
