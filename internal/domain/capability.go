package domain

import "context"

// Generator is the external text generation capability. Provider identity,
// timeouts and retries are the collaborator's concern; the core treats a
// failure as terminal for the current invocation.
type Generator interface {
	Generate(ctx context.Context, prompt string, params GenerateParams) (string, error)
}

// GenerateParams tunes a single generation call.
type GenerateParams struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// SearchHit is one result from the external search capability.
type SearchHit struct {
	Title   string
	URL     string
	Snippet string
	Score   float64
}

// Searcher is the external web search capability.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]SearchHit, error)
}
