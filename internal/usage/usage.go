// Package usage turns a finished chat turn into a token total and a cost.
package usage

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tiktoken-go/tokenizer"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
)

// DefaultEncoding is used when no tokenizer encoding is configured.
const DefaultEncoding = tokenizer.Cl100kBase

// charsPerToken drives the estimate when no codec is available.
const charsPerToken = 4.0

// Counter estimates token counts with a tiktoken codec, falling back to a
// character heuristic when the encoding cannot be loaded.
type Counter struct {
	encoding tokenizer.Encoding

	once  sync.Once
	codec tokenizer.Codec
}

// NewCounter creates a counter for encoding. Empty selects DefaultEncoding.
func NewCounter(encoding string) *Counter {
	enc := tokenizer.Encoding(encoding)
	if encoding == "" {
		enc = DefaultEncoding
	}
	return &Counter{encoding: enc}
}

// Count returns the estimated number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}

	c.once.Do(func() {
		codec, err := tokenizer.Get(c.encoding)
		if err != nil {
			slog.Warn("tokenizer unavailable, using character estimate",
				slog.String("encoding", string(c.encoding)),
				slog.String("error", err.Error()))
			return
		}
		c.codec = codec
	})

	if c.codec != nil {
		if ids, _, err := c.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return int(float64(len(text))/charsPerToken + 0.5)
}

// Pricer converts tokens to cost.
type Pricer struct {
	perThousand decimal.Decimal
}

// NewPricer parses a price per 1000 tokens such as "0.002". Empty means free.
func NewPricer(pricePer1K string) (*Pricer, error) {
	if pricePer1K == "" {
		return &Pricer{perThousand: decimal.Zero}, nil
	}
	p, err := decimal.NewFromString(pricePer1K)
	if err != nil {
		return nil, fmt.Errorf("parse price_per_1k_tokens %q: %w", pricePer1K, err)
	}
	if p.IsNegative() {
		return nil, fmt.Errorf("price_per_1k_tokens must not be negative")
	}
	return &Pricer{perThousand: p}, nil
}

// Cost returns the price of tokens, rounded to 8 decimal places.
func (p *Pricer) Cost(tokens int) decimal.Decimal {
	return decimal.NewFromInt(int64(tokens)).
		Mul(p.perThousand).
		Div(decimal.NewFromInt(1000)).
		Round(8)
}

// Accountant combines a Counter and a Pricer.
type Accountant struct {
	counter *Counter
	pricer  *Pricer
}

// NewAccountant creates an accountant.
func NewAccountant(counter *Counter, pricer *Pricer) *Accountant {
	return &Accountant{counter: counter, pricer: pricer}
}

// Tally is the accounted usage of one turn.
type Tally struct {
	TotalTokens int
	Estimated   bool
	Cost        decimal.Decimal
}

// Account prefers the token total reported by the generation service and
// estimates from the prompt and response text otherwise.
func (a *Accountant) Account(prompt, response string, m *domain.Metrics) Tally {
	var t Tally
	switch {
	case m != nil && m.TotalTokens > 0:
		t.TotalTokens = m.TotalTokens
	case m != nil && m.PromptTokens+m.CompletionTokens > 0:
		t.TotalTokens = m.PromptTokens + m.CompletionTokens
	default:
		t.TotalTokens = a.counter.Count(prompt) + a.counter.Count(response)
		t.Estimated = true
	}
	t.Cost = a.pricer.Cost(t.TotalTokens)
	return t
}
