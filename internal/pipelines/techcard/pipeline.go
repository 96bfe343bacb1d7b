package techcard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/domain/schema"
	pipelineuc "github.com/jagalchi-dev/aicore/internal/usecase/pipeline"
)

// Pipeline identity and versions. Changing any of these yields new
// fingerprints and therefore fresh snapshots.
const (
	Name          = "tech_card"
	SchemaVersion = "v1"
	ModelVersion  = "compose_v1"
	PromptVersion = "tech_card_v1"
)

const defaultSourceScore = 0.45

// Config wires the tech-card pipeline's collaborators.
type Config struct {
	Generator domain.Generator
	Searcher  domain.Searcher // optional; nil disables web evidence
	Router    domain.ModelRouter
	Logger    *zap.Logger
}

// judgment is the pure evidence assessment computed before composition.
type judgment struct {
	Reliability map[string]any
	WebSources  []domain.SearchHit
}

// llmCard is the structured completion we ask the model for. A completion
// that fails to parse falls back to template content; the summary text is
// still used verbatim.
type llmCard struct {
	Summary      string   `json:"summary"`
	WhyItMatters []string `json:"why_it_matters"`
	WhenToUse    []string `json:"when_to_use"`
	Pitfalls     []string `json:"pitfalls"`
}

// New builds the tech-card pipeline: evidence reliability scoring in Judge,
// a routed generation call in Compose.
func New(cfg Config) pipelineuc.Pipeline {
	p := &techCard{cfg: cfg}
	return pipelineuc.Pipeline{
		Spec: pipelineuc.Spec{
			Name:          Name,
			SchemaVersion: SchemaVersion,
			ModelVersion:  ModelVersion,
			PromptVersion: PromptVersion,
			SemanticCache: true,
			TopK:          5,
			// A query with no local evidence still produces a card: judge
			// supplements thin evidence with web hits.
			AllowZeroEvidence: true,
		},
		Judge:   p.judge,
		Compose: p.compose,
	}
}

// Schema declares the tech-card payload shape. Envelope fields are added by
// the registry.
func Schema() schema.Schema {
	return schema.Schema{
		Pipeline: Name,
		Version:  SchemaVersion,
		Fields: map[string]schema.Kind{
			"tech_slug":      schema.String,
			"summary":        schema.String,
			"why_it_matters": schema.List,
			"when_to_use":    schema.List,
			"pitfalls":       schema.List,
			"reliability":    schema.Object,
			"web_sources":    schema.List,
			"routing":        schema.Object,
		},
	}
}

type techCard struct {
	cfg Config
}

// judge scores the retrieved evidence. Reliability grows with the average
// evidence score and the source count, capped at 100.
func (t *techCard) judge(ctx context.Context, req pipelineuc.Request, evidence []domain.Evidence) (any, error) {
	var sum float64
	for _, ev := range evidence {
		score := ev.Score
		if score == 0 {
			score = defaultSourceScore
		}
		sum += score
	}
	avg := defaultSourceScore
	if len(evidence) > 0 {
		avg = sum / float64(len(evidence))
	}
	community := 40 + avg*50 + float64(len(evidence))*3
	if community > 100 {
		community = 100
	}

	j := judgment{
		Reliability: map[string]any{
			"community_score": community,
			"source_count":    len(evidence),
		},
	}

	// Thin local evidence gets supplemented with fresh web hits; a search
	// failure degrades the card instead of failing the run.
	if t.cfg.Searcher != nil && len(evidence) < 2 {
		hits, err := t.cfg.Searcher.Search(ctx, req.Query+" official documentation", 3)
		if err != nil {
			t.cfg.Logger.Warn("Web evidence lookup failed, composing without it",
				zap.String("pipeline", Name),
				zap.Error(err),
			)
		} else {
			j.WebSources = hits
		}
	}
	return j, nil
}

// compose asks the routed model for a structured card and assembles the
// payload around it.
func (t *techCard) compose(ctx context.Context, req pipelineuc.Request, jv any, evidence []domain.Evidence) (map[string]any, error) {
	j, ok := jv.(judgment)
	if !ok {
		return nil, fmt.Errorf("unexpected judgment type %T", jv)
	}

	slug, _ := req.Params["tech_slug"].(string)
	if slug == "" {
		slug = req.Query
	}

	prompt := buildPrompt(slug, evidence, j.WebSources)
	decision := t.cfg.Router.ChooseModel(domain.TaskFeatures{
		TextLength: len(prompt),
		Complexity: len(evidence),
	})

	completion, err := t.cfg.Generator.Generate(ctx, prompt, domain.GenerateParams{
		Model:       decision.Model,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("compose tech card: %w", err)
	}

	card := parseCard(completion)

	webSources := make([]map[string]any, 0, len(j.WebSources))
	for _, hit := range j.WebSources {
		webSources = append(webSources, map[string]any{
			"title": hit.Title,
			"url":   hit.URL,
		})
	}

	return map[string]any{
		"tech_slug":      slug,
		"summary":        card.Summary,
		"why_it_matters": card.WhyItMatters,
		"when_to_use":    card.WhenToUse,
		"pitfalls":       card.Pitfalls,
		"reliability":    j.Reliability,
		"web_sources":    webSources,
		"routing": map[string]any{
			"model":  decision.Model,
			"reason": decision.Reason,
		},
	}, nil
}

func buildPrompt(slug string, evidence []domain.Evidence, web []domain.SearchHit) string {
	var b strings.Builder
	b.WriteString("Write a technology card for \"" + slug + "\" as JSON with keys ")
	b.WriteString(`"summary", "why_it_matters", "when_to_use", "pitfalls".` + "\n\nEvidence:\n")
	for _, ev := range evidence {
		b.WriteString("- [" + ev.SourceKind + "/" + ev.SourceID + "] " + ev.Snippet + "\n")
	}
	for _, hit := range web {
		b.WriteString("- [web] " + hit.Title + ": " + hit.Snippet + "\n")
	}
	return b.String()
}

// parseCard decodes the model completion. On malformed output the raw text
// becomes the summary and the list fields fall back to templates.
func parseCard(completion string) llmCard {
	trimmed := strings.TrimSpace(completion)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	var card llmCard
	if err := json.Unmarshal([]byte(trimmed), &card); err == nil && card.Summary != "" {
		if card.WhyItMatters == nil {
			card.WhyItMatters = []string{}
		}
		if card.WhenToUse == nil {
			card.WhenToUse = []string{}
		}
		if card.Pitfalls == nil {
			card.Pitfalls = []string{}
		}
		return card
	}

	return llmCard{
		Summary:      strings.TrimSpace(completion),
		WhyItMatters: []string{"Covers use cases close to the industry standard"},
		WhenToUse:    []string{"When the structure of a service has to scale quickly"},
		Pitfalls:     []string{},
	}
}
