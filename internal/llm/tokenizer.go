package llm

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Tokenizer estimates token counts for a model.
type Tokenizer interface {
	EstimateTokens(model, text string) (int, error)
}

// TiktokenTokenizer picks a tiktoken encoding per model family and caches
// the codecs.
type TiktokenTokenizer struct {
	mu     sync.Mutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

var defaultTokenizer = &TiktokenTokenizer{}

// DefaultTokenizer returns the shared tiktoken-based tokenizer.
func DefaultTokenizer() Tokenizer {
	return defaultTokenizer
}

// encodingFor maps a model id to its encoding. Unknown models use
// cl100k_base, which is a reasonable approximation for most models.
func encodingFor(model string) tokenizer.Encoding {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	for _, prefix := range []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4"} {
		if strings.HasPrefix(m, prefix) {
			return tokenizer.O200kBase
		}
	}
	return tokenizer.Cl100kBase
}

func (t *TiktokenTokenizer) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.codecs[enc]; ok {
		return c, nil
	}
	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, err
	}
	if t.codecs == nil {
		t.codecs = make(map[tokenizer.Encoding]tokenizer.Codec)
	}
	t.codecs[enc] = c
	return c, nil
}

// EstimateTokens returns an approximate token count for the given text.
func (t *TiktokenTokenizer) EstimateTokens(model, text string) (int, error) {
	c, err := t.codec(encodingFor(model))
	if err != nil {
		return 0, err
	}

	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, err
	}

	return len(ids), nil
}

// EstimateTokensSimple returns token count, defaulting to 0 on error.
func EstimateTokensSimple(model, text string) int {
	count, err := defaultTokenizer.EstimateTokens(model, text)
	if err != nil {
		return 0
	}
	return count
}
