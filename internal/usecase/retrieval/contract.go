package retrieval

import (
	"context"

	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/index"
)

// IndexSource provides the current immutable index revision.
type IndexSource interface {
	Load() *index.Revision
}

// Embedder vectorizes the query for the vector signal.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}
