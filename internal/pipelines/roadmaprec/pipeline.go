package roadmaprec

import (
	"context"
	"fmt"

	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/domain/schema"
	pipelineuc "github.com/jagalchi-dev/aicore/internal/usecase/pipeline"
	"github.com/jagalchi-dev/aicore/internal/usecase/ranking"
)

// Pipeline identity and versions.
const (
	Name          = "related_roadmaps"
	SchemaVersion = "v1"
	ModelVersion  = "ranker_v1"
	PromptVersion = "ranker_v1"
)

// New builds the related-roadmaps recommendation pipeline. Both stages are
// pure: Judge ranks candidates with the weighted feature engine, Compose
// assembles the recommendation payload. No generation call is involved.
func New(engine *ranking.Engine) pipelineuc.Pipeline {
	p := &roadmapRec{engine: engine}
	return pipelineuc.Pipeline{
		Spec: pipelineuc.Spec{
			Name:          Name,
			SchemaVersion: SchemaVersion,
			ModelVersion:  ModelVersion,
			PromptVersion: PromptVersion,
			TopK:          10,
		},
		Judge:   p.judge,
		Compose: p.compose,
	}
}

// Schema declares the recommendation payload shape.
func Schema() schema.Schema {
	return schema.Schema{
		Pipeline: Name,
		Version:  SchemaVersion,
		Fields: map[string]schema.Kind{
			"roadmap_id":        schema.String,
			"candidates":        schema.List,
			"evidence_snapshot": schema.Object,
		},
	}
}

type roadmapRec struct {
	engine *ranking.Engine
}

// judge turns retrieval evidence into ranked candidates. Callers may attach
// behavioral features per candidate under params["features"]; the retrieval
// score always contributes the tag_overlap proxy when nothing richer exists.
func (r *roadmapRec) judge(_ context.Context, req pipelineuc.Request, evidence []domain.Evidence) (any, error) {
	provided := featureMap(req.Params["features"])

	candidates := make([]ranking.Candidate, 0, len(evidence))
	for _, ev := range evidence {
		features := map[string]float64{"tag_overlap": ev.Score}
		for name, value := range provided[ev.SourceID] {
			features[name] = value
		}
		candidates = append(candidates, ranking.Candidate{ID: ev.SourceID, Features: features})
	}

	return r.engine.Rank(candidates, nil), nil
}

// compose assembles the recommendation snapshot payload.
func (r *roadmapRec) compose(_ context.Context, req pipelineuc.Request, jv any, evidence []domain.Evidence) (map[string]any, error) {
	ranked, ok := jv.([]ranking.Ranked)
	if !ok {
		return nil, fmt.Errorf("unexpected judgment type %T", jv)
	}

	roadmapID, _ := req.Params["roadmap_id"].(string)

	items := make([]map[string]any, 0, len(ranked))
	for _, rc := range ranked {
		items = append(items, map[string]any{
			"related_roadmap_id": rc.Candidate.ID,
			"score":              rc.Score,
			"breakdown":          rc.Breakdown,
		})
	}

	return map[string]any{
		"roadmap_id": roadmapID,
		"candidates": items,
		"evidence_snapshot": map[string]any{
			"tracks":          []string{"lexical", "vector", "graph"},
			"candidate_count": len(items),
		},
	}, nil
}

// featureMap parses params["features"]: {candidate_id: {feature: value}}.
// The params map has already been canonicalized by fingerprinting, so
// numbers arrive as float64.
func featureMap(raw any) map[string]map[string]float64 {
	outer, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]map[string]float64, len(outer))
	for id, v := range outer {
		inner, ok := v.(map[string]any)
		if !ok {
			continue
		}
		features := make(map[string]float64, len(inner))
		for name, fv := range inner {
			switch n := fv.(type) {
			case float64:
				features[name] = n
			case int:
				features[name] = float64(n)
			}
		}
		out[id] = features
	}
	return out
}
