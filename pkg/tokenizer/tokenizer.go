// Package tokenizer estimates and counts manuscript tokens. The cheap
// heuristic serves the hot paths; the provider round-trip is reserved for
// call sites that warrant exact billing numbers.
package tokenizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bearing-app/consistency-engine/pkg/observability"
)

const (
	// charsPerToken is the heuristic character-to-token ratio
	charsPerToken = 4
	// promptOverheadTokens accounts for system instruction and framing
	promptOverheadTokens = 200
)

// Estimate approximates the token count of text as chars/4 plus a fixed
// prompt overhead. Estimate("") equals the overhead constant.
func Estimate(text string) int {
	return len(text)/charsPerToken + promptOverheadTokens
}

// PreciseCounter is the provider-backed exact count. *vertex.Client
// satisfies this.
type PreciseCounter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// Counter is the two-tier token counter: exact provider count with a
// heuristic fallback, memoized by content hash so repeated counts of an
// unchanged manuscript cost nothing.
type Counter struct {
	precise PreciseCounter
	memo    *lru.Cache[string, int]
	logger  observability.Logger
}

// NewCounter creates a Counter. precise may be nil, in which case every
// count degrades to the heuristic.
func NewCounter(precise PreciseCounter, logger observability.Logger) *Counter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	memo, _ := lru.New[string, int](256)
	return &Counter{
		precise: precise,
		memo:    memo,
		logger:  logger.WithPrefix("tokenizer"),
	}
}

// Count returns the provider's exact token count for text, falling back to
// the heuristic on any counting failure. A counting error never fails the
// caller.
func (c *Counter) Count(ctx context.Context, text string) int {
	if c.precise == nil {
		return Estimate(text)
	}

	key := contentKey(text)
	if n, ok := c.memo.Get(key); ok {
		return n
	}

	n, err := c.precise.CountTokens(ctx, text)
	if err != nil {
		c.logger.Warn("precise token count failed, using estimate", map[string]interface{}{
			"error": err.Error(),
		})
		return Estimate(text)
	}
	c.memo.Add(key, n)
	return n
}

// CountPrecise returns the provider's exact count or the error, for call
// sites that need deterministic behavior rather than the fallback tier.
func (c *Counter) CountPrecise(ctx context.Context, text string) (int, error) {
	if c.precise == nil {
		return 0, errNoPreciseCounter
	}
	key := contentKey(text)
	if n, ok := c.memo.Get(key); ok {
		return n, nil
	}
	n, err := c.precise.CountTokens(ctx, text)
	if err != nil {
		return 0, err
	}
	c.memo.Add(key, n)
	return n, nil
}

func contentKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
