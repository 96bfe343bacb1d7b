package domain

import "context"

type usageKey struct{}

// Usage collects token consumption for a single pipeline run. The handler
// puts a mutable pointer into the context before calling the executor;
// embedding and generation adapters write into it; the handler reads it
// back for response headers.
type Usage struct {
	EmbeddingTokens  int
	GenerationTokens int
}

// NewContextWithUsage returns a context with an embedded usage collector.
func NewContextWithUsage(ctx context.Context) (context.Context, *Usage) {
	u := &Usage{}
	return context.WithValue(ctx, usageKey{}, u), u
}

// UsageFromContext extracts the usage collector from context. Returns nil if not set.
func UsageFromContext(ctx context.Context) *Usage {
	u, _ := ctx.Value(usageKey{}).(*Usage)
	return u
}

// AddEmbeddingTokens records consumed embedding tokens.
func (u *Usage) AddEmbeddingTokens(n int) {
	if u != nil {
		u.EmbeddingTokens += n
	}
}

// AddGenerationTokens records consumed generation tokens.
func (u *Usage) AddGenerationTokens(n int) {
	if u != nil {
		u.GenerationTokens += n
	}
}
