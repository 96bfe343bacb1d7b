package ingest

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/index"
)

// CacheEvictor drops semantic cache entries made stale by a corpus change.
type CacheEvictor interface {
	EvictPipeline(pipeline string)
}

// Service rebuilds the retrieval indices when upstream documents change.
// A rebuild produces a whole new revision and swaps it in atomically;
// in-flight queries keep reading the revision they started with, and no
// reader ever observes a half-rebuilt index.
type Service struct {
	holder    *index.Holder
	embed     domain.BatchEmbedder
	evictor   CacheEvictor
	pipelines []string
	seq       atomic.Uint64
	logger    *zap.Logger
}

// New creates an ingest service. pipelines lists every pipeline whose
// semantic cache entries must be evicted on a corpus change, because
// prior answers may cite documents that no longer exist. Providers with
// native batch support are used as-is; the rest embed text by text.
func New(holder *index.Holder, embed domain.Embedder, evictor CacheEvictor, pipelines []string, logger *zap.Logger) *Service {
	batch, ok := embed.(domain.BatchEmbedder)
	if !ok {
		batch = perTextBatcher{inner: embed}
	}
	return &Service{
		holder:    holder,
		embed:     batch,
		evictor:   evictor,
		pipelines: pipelines,
		logger:    logger,
	}
}

// perTextBatcher adapts a single-text embedder to the batch contract.
type perTextBatcher struct {
	inner domain.Embedder
}

func (p perTextBatcher) BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	return domain.BatchFallback(ctx, p.inner, texts)
}

// Rebuild replaces the current index revision wholesale. No incremental
// patching: entries are never edited in place mid-query.
func (s *Service) Rebuild(ctx context.Context, docs []index.Document, edges []index.Edge) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}

	var embeddings [][]float32
	if len(texts) > 0 {
		res, err := s.embed.BatchEmbed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed corpus: %w", err)
		}
		domain.UsageFromContext(ctx).AddEmbeddingTokens(res.TotalTokens)
		embeddings = res.Embeddings
	}

	rev := index.Build(s.seq.Add(1), docs, embeddings, edges)
	s.holder.Swap(rev)

	if s.evictor != nil {
		for _, p := range s.pipelines {
			s.evictor.EvictPipeline(p)
		}
	}

	s.logger.Info("Index revision rebuilt",
		zap.Uint64("revision", rev.Seq),
		zap.Int("documents", rev.Len()),
		zap.Int("edges", len(edges)),
	)
	return nil
}
