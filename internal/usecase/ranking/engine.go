package ranking

import (
	"sort"

	"github.com/jagalchi-dev/aicore/internal/domain"
)

// Candidate carries named numeric features for scoring.
type Candidate struct {
	ID       string
	Features map[string]float64
}

// Ranked is a scored candidate with the per-feature contribution that
// produced the score, for explainability.
type Ranked struct {
	Candidate Candidate
	Score     float64
	Breakdown map[string]float64
}

// DefaultWeights are the roadmap-recommendation feature weights.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"tag_overlap":      0.2,
		"trust_score":      0.2,
		"completion_rate":  0.2,
		"freshness":        0.15,
		"popularity":       0.15,
		"difficulty_match": 0.1,
	}
}

// Engine scores candidates by a weighted sum of min-max-normalized
// features. Identical candidates and weights always yield identical order
// regardless of input order; ties break on candidate id.
type Engine struct {
	weights map[string]float64
}

// New creates a ranking engine with the given feature weights; nil falls
// back to DefaultWeights.
func New(weights map[string]float64) *Engine {
	if weights == nil {
		weights = DefaultWeights()
	}
	return &Engine{weights: weights}
}

// Rank orders candidates by descending score. Weights passed here override
// the engine's configured weights for this call; nil keeps them.
func (e *Engine) Rank(candidates []Candidate, weights map[string]float64) []Ranked {
	if weights == nil {
		weights = e.weights
	}

	bounds := featureBounds(candidates, weights)

	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		breakdown := make(map[string]float64, len(weights))
		var score float64
		for name, weight := range weights {
			value, ok := c.Features[name]
			if !ok {
				continue
			}
			contribution := weight * bounds[name].normalize(value)
			breakdown[name] = contribution
			score += contribution
		}
		ranked = append(ranked, Ranked{Candidate: c, Score: score, Breakdown: breakdown})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Candidate.ID < ranked[j].Candidate.ID
	})
	return ranked
}

// CandidatesFromEvidence adapts retrieval evidence into rankable
// candidates, exposing the retrieval score as a feature.
func CandidatesFromEvidence(items []domain.Evidence) []Candidate {
	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		out = append(out, Candidate{
			ID:       item.SourceID,
			Features: map[string]float64{"retrieval_score": item.Score},
		})
	}
	return out
}

type bound struct {
	min, max float64
	seen     bool
}

// normalize min-max scales a value to [0,1]; a constant feature
// contributes its full weight to every candidate that has it.
func (b bound) normalize(v float64) float64 {
	if !b.seen || b.max == b.min {
		return 1
	}
	return (v - b.min) / (b.max - b.min)
}

func featureBounds(candidates []Candidate, weights map[string]float64) map[string]bound {
	bounds := make(map[string]bound, len(weights))
	for name := range weights {
		for _, c := range candidates {
			v, ok := c.Features[name]
			if !ok {
				continue
			}
			b := bounds[name]
			if !b.seen {
				b = bound{min: v, max: v, seen: true}
			} else {
				if v < b.min {
					b.min = v
				}
				if v > b.max {
					b.max = v
				}
			}
			bounds[name] = b
		}
	}
	return bounds
}
