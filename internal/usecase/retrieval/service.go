package retrieval

import (
	"context"
	"fmt"

	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/index"
)

// Signal names a retrieval evidence source.
const (
	SignalLexical = "lexical"
	SignalVector  = "vector"
	SignalGraph   = "graph"
)

// Weights combines normalized per-signal scores into a final score.
// Pipeline-configurable, never hardcoded per call.
type Weights struct {
	Lexical float64
	Vector  float64
	Graph   float64
}

// DefaultWeights favor the lexical and vector signals equally with a
// smaller graph contribution.
func DefaultWeights() Weights {
	return Weights{Lexical: 0.4, Vector: 0.4, Graph: 0.2}
}

// Config tunes the hybrid retriever.
type Config struct {
	Weights Weights
	// GraphDecay scales a neighbor's score relative to its seed
	// (neighbor = decay * seed). Must be below 1.
	GraphDecay float64
}

// Service combines lexical, vector, and graph signals over an immutable
// index revision. Pure read: in-flight queries keep the revision they
// loaded even if a rebuild swaps in a new one.
type Service struct {
	indices IndexSource
	embed   Embedder
	cfg     Config
}

// New creates a hybrid retriever.
func New(indices IndexSource, embed Embedder, cfg Config) *Service {
	if cfg.GraphDecay <= 0 || cfg.GraphDecay >= 1 {
		cfg.GraphDecay = 0.5
	}
	return &Service{indices: indices, embed: embed, cfg: cfg}
}

// Retrieve returns at most topK evidence items for the query, combining
// the requested signals (all three when signals is empty). Fails with
// ErrEmptyIndex before the first index build — distinct from a
// legitimately empty result set.
func (s *Service) Retrieve(ctx context.Context, query string, topK int, signals []string) ([]domain.Evidence, error) {
	rev := s.indices.Load()
	if rev == nil || rev.Len() == 0 {
		return nil, domain.ErrEmptyIndex
	}
	if topK <= 0 {
		topK = 5
	}

	enabled := signalSet(signals)

	var lexical, vector map[string]float64
	if enabled[SignalLexical] {
		lexical = normalize(rev.Lexical.Search(query))
	}
	if enabled[SignalVector] {
		// Embedding usage is recorded by the caching embedder decorator;
		// charging it here again would double-count every vectorized query.
		embResult, err := s.embed.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("vectorize query: %w", err)
		}
		vector = normalize(rev.Vector.Search(embResult.Embedding))
	}

	combined := make(map[string]float64)
	for id, score := range lexical {
		combined[id] += s.cfg.Weights.Lexical * score
	}
	for id, score := range vector {
		combined[id] += s.cfg.Weights.Vector * score
	}

	graphOnly := make(map[string]float64)
	if enabled[SignalGraph] {
		for id, score := range s.expandGraph(rev, combined) {
			if _, direct := combined[id]; direct {
				combined[id] += s.cfg.Weights.Graph * score
			} else {
				graphOnly[id] = s.cfg.Weights.Graph * score
			}
		}
	}

	items := make([]domain.Evidence, 0, len(combined)+len(graphOnly))
	for id, score := range combined {
		items = append(items, s.evidence(rev, id, score, ""))
	}
	for id, score := range graphOnly {
		items = append(items, s.evidence(rev, id, score, SignalGraph))
	}

	domain.SortEvidence(items)
	if len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}

// expandGraph walks one hop from every directly scored candidate and
// assigns each neighbor a decayed seed score, keeping the best seed when
// several point at the same neighbor.
func (s *Service) expandGraph(rev *index.Revision, seeds map[string]float64) map[string]float64 {
	expanded := make(map[string]float64)
	for id, score := range seeds {
		decayed := s.cfg.GraphDecay * score
		for _, neighbor := range rev.Graph.Neighbors(id) {
			if decayed > expanded[neighbor] {
				expanded[neighbor] = decayed
			}
		}
	}
	return normalize(expanded)
}

// evidence builds an item from the indexed document. reason overrides the
// document's source kind for graph-expansion-only hits.
func (s *Service) evidence(rev *index.Revision, id string, score float64, reason string) domain.Evidence {
	kind := reason
	var snippet string
	if doc, ok := rev.Doc(id); ok {
		snippet = index.Snippet(doc.Text)
		if kind == "" {
			kind = doc.SourceKind
		}
	}
	return domain.Evidence{
		SourceKind: kind,
		SourceID:   id,
		Snippet:    snippet,
		Score:      score,
	}
}

// normalize scales positive scores into [0,1] by the maximum. Scores from
// different signals are never comparable before this step.
func normalize(scores map[string]float64) map[string]float64 {
	var max float64
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	if max == 0 {
		return scores
	}
	out := make(map[string]float64, len(scores))
	for id, s := range scores {
		out[id] = s / max
	}
	return out
}

func signalSet(signals []string) map[string]bool {
	if len(signals) == 0 {
		return map[string]bool{SignalLexical: true, SignalVector: true, SignalGraph: true}
	}
	set := make(map[string]bool, len(signals))
	for _, s := range signals {
		set[s] = true
	}
	return set
}
