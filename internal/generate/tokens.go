package generate

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with cl100k_base, which is close enough across
// the provider catalog. When the encoding cannot be loaded it estimates
// four characters per token.
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTiktokenCounter() *TiktokenCounter { return &TiktokenCounter{} }

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}
