package pipeline

import (
	"context"

	"github.com/jagalchi-dev/aicore/internal/domain"
)

// Request is a normalized pipeline input. Params must contain only
// primitives or canonicalizable structures; Sources are the raw payloads
// of every consulted source document, in a stable order.
type Request struct {
	Params  map[string]any
	Query   string
	Sources [][]byte
}

// JudgeFunc is the feature-supplied pure scoring function over retrieved
// evidence. It must not perform network or LLM calls (enforced by
// contract), so its failures are limited to bad-input errors.
type JudgeFunc func(ctx context.Context, req Request, evidence []domain.Evidence) (any, error)

// ComposeFunc is the feature-supplied composition function. It may call
// the external generation capability; failures are terminal for this
// invocation and retried only by the caller or the capability collaborator.
type ComposeFunc func(ctx context.Context, req Request, judgment any, evidence []domain.Evidence) (map[string]any, error)

// Spec declares a pipeline's identity, versions, and caching policy.
type Spec struct {
	Name          string
	SchemaVersion string
	ModelVersion  string
	PromptVersion string

	// SemanticCache enables near-duplicate reuse for this pipeline.
	SemanticCache bool
	// SemanticThreshold overrides the conservative default when above it;
	// zero keeps the default.
	SemanticThreshold float64
	// AllowZeroEvidence lets Compose run with an empty evidence list
	// instead of failing the pipeline.
	AllowZeroEvidence bool

	TopK    int
	Signals []string
}

// VersionTag is the pipeline/version component of the fingerprint: any
// schema, prompt, or model change yields new fingerprints and therefore
// new snapshots.
func (s Spec) VersionTag() string {
	return s.Name + "/" + s.SchemaVersion + "/" + s.ModelVersion + "/" + s.PromptVersion
}

// Pipeline binds a spec to its feature-supplied stage functions.
type Pipeline struct {
	Spec    Spec
	Judge   JudgeFunc
	Compose ComposeFunc
}

// CacheKind labels how a result was served.
type CacheKind string

// Cache outcomes.
const (
	CacheNone     CacheKind = ""
	CacheExact    CacheKind = "exact"
	CacheSemantic CacheKind = "semantic"
)

// Result is a pipeline outcome plus cache metadata. On a semantic hit,
// ReusedFingerprint points at the snapshot that actually served the
// payload.
type Result struct {
	Fingerprint       domain.Fingerprint
	Payload           map[string]any
	Evidence          []domain.Evidence
	CacheHit          bool
	CacheKind         CacheKind
	ReusedFingerprint domain.Fingerprint
}
