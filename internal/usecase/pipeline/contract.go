package pipeline

import (
	"context"

	"github.com/jagalchi-dev/aicore/internal/domain"
)

// SnapshotStore persists immutable pipeline artifacts keyed by fingerprint.
type SnapshotStore interface {
	Get(ctx context.Context, pipeline string, fp domain.Fingerprint) (domain.Snapshot, error)
	Put(ctx context.Context, snap domain.Snapshot) error
}

// SemanticCache reuses prior fingerprints for similar queries.
type SemanticCache interface {
	Lookup(ctx context.Context, pipeline string, queryEmbedding []float32, threshold float64) (domain.Fingerprint, error)
	Register(pipeline string, queryEmbedding []float32, fp domain.Fingerprint)
}

// Retriever produces scored evidence for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, signals []string) ([]domain.Evidence, error)
}

// Embedder vectorizes the query for semantic cache lookups.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}

// SchemaValidator gates composed artifacts before persistence.
type SchemaValidator interface {
	Validate(pipeline, version string, payload map[string]any) error
}
