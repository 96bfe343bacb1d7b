package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	dbMemory "github.com/jagalchi-dev/aicore/internal/db/memory"
	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/domain/schema"
	"github.com/jagalchi-dev/aicore/internal/repository/embcache"
	"github.com/jagalchi-dev/aicore/internal/repository/semcache"
	snapshotrepo "github.com/jagalchi-dev/aicore/internal/repository/snapshot"
)

// fakeRetriever serves fixed evidence and counts calls.
type fakeRetriever struct {
	mu       sync.Mutex
	evidence []domain.Evidence
	err      error
	calls    int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ int, _ []string) ([]domain.Evidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.evidence, nil
}

func (f *fakeRetriever) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEmbedder maps query text to a fixed vector.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	if v, ok := f.vectors[text]; ok {
		return domain.EmbeddingResult{Embedding: v}, nil
	}
	return domain.EmbeddingResult{Embedding: []float32{0, 0, 1}}, nil
}

// harness bundles an executor with its real repositories over an in-memory
// store and call-counting stage functions.
type harness struct {
	executor  *Executor
	snapshots *snapshotrepo.Repo
	semantic  *semcache.Cache
	retriever *fakeRetriever
	schemas   *schema.Registry

	mu           sync.Mutex
	judgeCalls   int
	composeCalls int
	composeErr   error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		retriever: &fakeRetriever{
			evidence: []domain.Evidence{
				{SourceKind: "roadmap_node", SourceID: "node_react", Snippet: "React basics.", Score: 0.9},
			},
		},
	}
	h.snapshots = snapshotrepo.New(dbMemory.NewStore(), zap.NewNop())
	h.semantic = semcache.New(h.snapshots, nil, zap.NewNop())

	embed := &fakeEmbedder{vectors: map[string][]float32{
		"react basics":      {1, 0, 0},
		"basics of react":   {0.99, 0.1, 0},
		"quantum chemistry": {0, 1, 0},
	}}

	h.schemas = schema.NewRegistry()
	h.schemas.Register(schema.Schema{
		Pipeline: "test_pipeline",
		Version:  "v1",
		Fields:   map[string]schema.Kind{"answer": schema.String},
	})

	h.executor = NewExecutor(h.snapshots, h.semantic, h.retriever, embed, h.schemas, zap.NewNop())
	return h
}

func (h *harness) pipeline() Pipeline {
	return Pipeline{
		Spec: Spec{
			Name:          "test_pipeline",
			SchemaVersion: "v1",
			ModelVersion:  "m1",
			PromptVersion: "p1",
			SemanticCache: true,
			TopK:          5,
		},
		Judge: func(_ context.Context, _ Request, evidence []domain.Evidence) (any, error) {
			h.mu.Lock()
			h.judgeCalls++
			h.mu.Unlock()
			return len(evidence), nil
		},
		Compose: func(_ context.Context, _ Request, judgment any, _ []domain.Evidence) (map[string]any, error) {
			h.mu.Lock()
			h.composeCalls++
			err := h.composeErr
			h.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return map[string]any{"answer": fmt.Sprintf("judged %v items", judgment)}, nil
		},
	}
}

func (h *harness) counts() (judge, compose int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.judgeCalls, h.composeCalls
}

func testRequest() Request {
	return Request{
		Params:  map[string]any{"roadmap_id": "rm_frontend"},
		Query:   "react basics",
		Sources: [][]byte{[]byte("react docs")},
	}
}

func TestRun_ComputesAndPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.executor.Run(ctx, h.pipeline(), testRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CacheHit {
		t.Error("first run must not be a cache hit")
	}
	if res.Payload["answer"] != "judged 1 items" {
		t.Errorf("unexpected payload: %v", res.Payload)
	}

	// Envelope fields are injected before validation.
	for _, field := range []string{"model_version", "prompt_version", "created_at", "retrieval_evidence"} {
		if _, ok := res.Payload[field]; !ok {
			t.Errorf("missing envelope field %q", field)
		}
	}

	snap, err := h.snapshots.Get(ctx, "test_pipeline", res.Fingerprint)
	if err != nil {
		t.Fatalf("snapshot should be persisted: %v", err)
	}
	if snap.ModelVersion != "m1" || snap.PromptVersion != "p1" {
		t.Errorf("unexpected snapshot versions: %+v", snap)
	}
}

func TestRun_SecondRunIsPureCacheHit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.pipeline()

	first, err := h.executor.Run(ctx, p, testRequest())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	second, err := h.executor.Run(ctx, p, testRequest())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if !second.CacheHit || second.CacheKind != CacheExact {
		t.Errorf("second run should be an exact cache hit: %+v", second)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("fingerprints differ: %s != %s", first.Fingerprint, second.Fingerprint)
	}

	judge, compose := h.counts()
	if judge != 1 || compose != 1 {
		t.Errorf("stages re-ran on a cache hit: judge=%d compose=%d", judge, compose)
	}
	if h.retriever.callCount() != 1 {
		t.Errorf("retrieval re-ran on a cache hit: %d calls", h.retriever.callCount())
	}
}

func TestRun_SemanticHitCarriesProvenance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.pipeline()

	first, err := h.executor.Run(ctx, p, testRequest())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Same meaning, different wording: new fingerprint, near-identical
	// embedding.
	similar := testRequest()
	similar.Params = map[string]any{"roadmap_id": "rm_frontend_alt"}
	similar.Query = "basics of react"

	second, err := h.executor.Run(ctx, p, similar)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if !second.CacheHit || second.CacheKind != CacheSemantic {
		t.Fatalf("expected semantic hit: %+v", second)
	}
	if second.ReusedFingerprint != first.Fingerprint {
		t.Errorf("provenance should point at the serving snapshot: got %s, want %s",
			second.ReusedFingerprint, first.Fingerprint)
	}
	if second.Fingerprint == first.Fingerprint {
		t.Error("the new request keeps its own fingerprint")
	}

	_, compose := h.counts()
	if compose != 1 {
		t.Errorf("semantic hit must not recompute, compose ran %d times", compose)
	}
}

func TestRun_DissimilarQueryMisses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.pipeline()

	if _, err := h.executor.Run(ctx, p, testRequest()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	different := testRequest()
	different.Params = map[string]any{"roadmap_id": "rm_chemistry"}
	different.Query = "quantum chemistry"

	res, err := h.executor.Run(ctx, p, different)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.CacheHit {
		t.Errorf("orthogonal query must not reuse: %+v", res)
	}

	_, compose := h.counts()
	if compose != 2 {
		t.Errorf("expected 2 compositions, got %d", compose)
	}
}

func TestRun_ComposeFailureLeavesNoSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.pipeline()

	h.mu.Lock()
	h.composeErr = fmt.Errorf("model unavailable: %w", domain.ErrGeneration)
	h.mu.Unlock()

	_, err := h.executor.Run(ctx, p, testRequest())
	if err == nil {
		t.Fatal("expected compose failure")
	}

	var se *domain.StageError
	if !errors.As(err, &se) || se.Stage != domain.StageComposing {
		t.Fatalf("expected StageError at composing, got %v", err)
	}
	if !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("cause should unwrap: %v", err)
	}

	// No snapshot, no cache entry: the retry recomputes.
	h.mu.Lock()
	h.composeErr = nil
	h.mu.Unlock()

	res, err := h.executor.Run(ctx, p, testRequest())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.CacheHit {
		t.Error("retry after failure must not be a cache hit")
	}

	_, compose := h.counts()
	if compose != 2 {
		t.Errorf("expected failed + successful compose, got %d", compose)
	}
}

func TestRun_SchemaViolationNotPersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.pipeline()
	p.Compose = func(_ context.Context, _ Request, _ any, _ []domain.Evidence) (map[string]any, error) {
		return map[string]any{"answer": 42}, nil // number where the schema wants a string
	}

	_, err := h.executor.Run(ctx, p, testRequest())
	if !errors.Is(err, domain.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}

	var se *domain.StageError
	if !errors.As(err, &se) || se.Stage != domain.StageValidating {
		t.Fatalf("expected StageError at validating, got %v", err)
	}

	fp, _ := domain.ComputeFingerprint(testRequest().Params, testRequest().Sources, p.Spec.VersionTag())
	if _, err := h.snapshots.Get(ctx, "test_pipeline", fp); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("invalid artifact must never be persisted, got %v", err)
	}
}

func TestRun_ZeroEvidenceFailsByDefault(t *testing.T) {
	h := newHarness(t)
	h.retriever.evidence = nil

	_, err := h.executor.Run(context.Background(), h.pipeline(), testRequest())
	if !errors.Is(err, domain.ErrZeroEvidence) {
		t.Fatalf("expected ErrZeroEvidence, got %v", err)
	}

	judge, _ := h.counts()
	if judge != 0 {
		t.Error("judge must not run without evidence")
	}
}

func TestRun_ZeroEvidenceAllowedWhenOptedIn(t *testing.T) {
	h := newHarness(t)
	h.retriever.evidence = nil

	p := h.pipeline()
	p.Spec.AllowZeroEvidence = true

	res, err := h.executor.Run(context.Background(), p, testRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Payload["answer"] != "judged 0 items" {
		t.Errorf("unexpected payload: %v", res.Payload)
	}
}

// billingEmbedder bills a fixed token count on every provider call, like a
// real embedding API.
type billingEmbedder struct {
	mu     sync.Mutex
	tokens int
	calls  int
}

func (b *billingEmbedder) Embed(_ context.Context, _ string) (domain.EmbeddingResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return domain.EmbeddingResult{Embedding: []float32{1, 0, 0}, TotalTokens: b.tokens}, nil
}

func TestRun_EmbeddingTokensCountedOnce(t *testing.T) {
	h := newHarness(t)

	// The caching decorator is the single recording point for embedding
	// usage; the pipeline run embeds the query twice (semantic lookup,
	// cache registration) but only the first call reaches the provider.
	provider := &billingEmbedder{tokens: 7}
	cached := embcache.New(provider, dbMemory.NewStore(), nil, zap.NewNop())
	h.executor = NewExecutor(h.snapshots, h.semantic, h.retriever, cached, h.schemas, zap.NewNop())

	ctx, usage := domain.NewContextWithUsage(context.Background())
	if _, err := h.executor.Run(ctx, h.pipeline(), testRequest()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if provider.calls != 1 {
		t.Errorf("provider embedded %d times, want 1 (second embed served from cache)", provider.calls)
	}
	if usage.EmbeddingTokens != 7 {
		t.Errorf("usage recorded %d embedding tokens, want exactly what the provider billed (7)", usage.EmbeddingTokens)
	}
}

func TestRun_InvalidatedSnapshotMissesDespiteCacheEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.pipeline()

	first, err := h.executor.Run(ctx, p, testRequest())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Invalidate the snapshot but leave the semantic cache entry in place;
	// the weak reference must not resurrect the artifact.
	if err := h.snapshots.Invalidate(ctx, "test_pipeline", first.Fingerprint); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	second, err := h.executor.Run(ctx, p, testRequest())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.CacheHit {
		t.Errorf("invalidated snapshot must force recomputation: %+v", second)
	}

	_, compose := h.counts()
	if compose != 2 {
		t.Errorf("expected recomputation, compose ran %d times", compose)
	}
}

func TestRun_CancelledBeforeCompose(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline()

	ctx, cancel := context.WithCancel(context.Background())

	judgeDone := p.Judge
	p.Judge = func(jctx context.Context, req Request, ev []domain.Evidence) (any, error) {
		cancel() // request is cancelled while judging
		return judgeDone(jctx, req, ev)
	}

	_, err := h.executor.Run(ctx, p, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	_, compose := h.counts()
	if compose != 0 {
		t.Error("compose must not start after cancellation")
	}
}

func TestRun_InvalidParamsFailAtInit(t *testing.T) {
	h := newHarness(t)

	req := testRequest()
	req.Params = map[string]any{"bad": make(chan int)}

	_, err := h.executor.Run(context.Background(), h.pipeline(), req)
	if !errors.Is(err, domain.ErrInvalidInputKind) {
		t.Fatalf("expected ErrInvalidInputKind, got %v", err)
	}

	var se *domain.StageError
	if !errors.As(err, &se) || se.Stage != domain.StageInit {
		t.Fatalf("expected StageError at init, got %v", err)
	}
}

func TestRun_CoalescingSharesOneComputation(t *testing.T) {
	h := newHarness(t)
	h.executor.WithCoalescing()
	ctx := context.Background()
	p := h.pipeline()

	// Slow down compose so concurrent callers overlap.
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p.Compose = func(_ context.Context, _ Request, _ any, _ []domain.Evidence) (map[string]any, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		h.mu.Lock()
		h.composeCalls++
		h.mu.Unlock()
		return map[string]any{"answer": "shared"}, nil
	}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = h.executor.Run(ctx, p, testRequest())
	}()
	<-started

	// The first caller is parked inside compose; the second arrives while
	// the computation is in flight and must join it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = h.executor.Run(ctx, p, testRequest())
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
	}
	if results[0].Fingerprint != results[1].Fingerprint {
		t.Error("coalesced runs should agree on the fingerprint")
	}

	_, compose := h.counts()
	if compose > 1 {
		t.Errorf("concurrent identical requests should share one computation, compose ran %d times", compose)
	}
}
