package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// FallbackEmbedder tries the primary embedder under a soft budget and, on
// timeout or error, retries once against the fallback provider.
type FallbackEmbedder struct {
	primary  Embedder
	fallback Embedder
	budget   time.Duration
	logger   *slog.Logger
}

// NewFallbackEmbedder wraps a primary embedder with an optional fallback.
// A nil fallback leaves only the budget enforcement.
func NewFallbackEmbedder(primary, fallback Embedder, budget time.Duration, logger *slog.Logger) *FallbackEmbedder {
	if budget == 0 {
		budget = 500 * time.Millisecond
	}
	return &FallbackEmbedder{primary: primary, fallback: fallback, budget: budget, logger: logger}
}

var _ Embedder = (*FallbackEmbedder)(nil)

func (e *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()
	vec, err := e.primary.Embed(budgetCtx, text)
	if err == nil {
		return vec, nil
	}
	if e.fallback == nil {
		return nil, fmt.Errorf("primary embedder failed: %w", err)
	}
	e.logger.Warn("Primary embedder failed, trying fallback", "error", err)
	vec, ferr := e.fallback.Embed(ctx, text)
	if ferr != nil {
		return nil, fmt.Errorf("both embedders failed: primary: %v: %w", err, ferr)
	}
	return vec, nil
}

func (e *FallbackEmbedder) Dimensions() int { return e.primary.Dimensions() }
