package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/metrics"
)

// Executor runs the pipeline state machine:
//
//	Init -> CacheCheck -> (hit -> Done)
//	                   -> Retrieving -> Judging -> Composing
//	                   -> Validating -> Persisting -> Done
//
// Any stage failure is terminal for the invocation (Failed); the core
// performs no retries. Cache check and cache write are explicit steps,
// testable independently of the stage functions.
type Executor struct {
	snapshots SnapshotStore
	semantic  SemanticCache
	retriever Retriever
	embed     Embedder
	schemas   SchemaValidator
	logger    *zap.Logger

	coalesce bool
	inflight singleflight.Group
}

// NewExecutor creates a pipeline executor.
func NewExecutor(
	snapshots SnapshotStore,
	semantic SemanticCache,
	retriever Retriever,
	embed Embedder,
	schemas SchemaValidator,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		snapshots: snapshots,
		semantic:  semantic,
		retriever: retriever,
		embed:     embed,
		schemas:   schemas,
		logger:    logger,
	}
}

// WithCoalescing makes concurrent callers with the same fingerprint await
// the in-flight computation instead of starting a second one. An
// optimization only: the snapshot store's conflict/no-op rule already
// prevents divergent results.
func (e *Executor) WithCoalescing() *Executor {
	e.coalesce = true
	return e
}

// Run executes one request through the pipeline.
func (e *Executor) Run(ctx context.Context, p Pipeline, req Request) (Result, error) {
	start := time.Now()

	fp, err := domain.ComputeFingerprint(req.Params, req.Sources, p.Spec.VersionTag())
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues(p.Spec.Name, "failed").Inc()
		return Result{}, domain.NewStageError(domain.StageInit, "", err)
	}
	e.observeStage(p.Spec.Name, domain.StageInit, start)

	if res, ok, err := e.cacheCheck(ctx, p, req, fp); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues(p.Spec.Name, "failed").Inc()
		return Result{}, err
	} else if ok {
		metrics.PipelineRunsTotal.WithLabelValues(p.Spec.Name, "done").Inc()
		return res, nil
	}
	metrics.PipelineCacheTotal.WithLabelValues(p.Spec.Name, "miss").Inc()

	res, err := e.computeCoalesced(ctx, p, req, fp)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues(p.Spec.Name, "failed").Inc()
		return Result{}, err
	}
	metrics.PipelineRunsTotal.WithLabelValues(p.Spec.Name, "done").Inc()
	return res, nil
}

// cacheCheck looks for an exact snapshot first, then a semantic
// near-duplicate when the pipeline enables it.
func (e *Executor) cacheCheck(ctx context.Context, p Pipeline, req Request, fp domain.Fingerprint) (Result, bool, error) {
	start := time.Now()
	defer e.observeStage(p.Spec.Name, domain.StageCacheCheck, start)

	snap, err := e.snapshots.Get(ctx, p.Spec.Name, fp)
	if err == nil {
		metrics.PipelineCacheTotal.WithLabelValues(p.Spec.Name, "exact").Inc()
		return Result{
			Fingerprint: fp,
			Payload:     snap.Payload,
			Evidence:    snap.Evidence,
			CacheHit:    true,
			CacheKind:   CacheExact,
		}, true, nil
	}
	if !errors.Is(err, domain.ErrSnapshotNotFound) {
		return Result{}, false, domain.NewStageError(domain.StageCacheCheck, fp, err)
	}

	if !p.Spec.SemanticCache || req.Query == "" {
		return Result{}, false, nil
	}

	embResult, err := e.embed.Embed(ctx, req.Query)
	if err != nil {
		return Result{}, false, domain.NewStageError(domain.StageCacheCheck, fp, err)
	}

	reused, err := e.semantic.Lookup(ctx, p.Spec.Name, embResult.Embedding, p.Spec.SemanticThreshold)
	if errors.Is(err, domain.ErrCacheMiss) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, domain.NewStageError(domain.StageCacheCheck, fp, err)
	}

	snap, err = e.snapshots.Get(ctx, p.Spec.Name, reused)
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		// Invalidated between lookup and read; treat as a miss.
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, domain.NewStageError(domain.StageCacheCheck, fp, err)
	}

	metrics.PipelineCacheTotal.WithLabelValues(p.Spec.Name, "semantic").Inc()
	return Result{
		Fingerprint:       fp,
		Payload:           snap.Payload,
		Evidence:          snap.Evidence,
		CacheHit:          true,
		CacheKind:         CacheSemantic,
		ReusedFingerprint: reused,
	}, true, nil
}

// computeCoalesced runs the expensive stages, optionally deduplicating
// concurrent callers per fingerprint.
func (e *Executor) computeCoalesced(ctx context.Context, p Pipeline, req Request, fp domain.Fingerprint) (Result, error) {
	if !e.coalesce {
		return e.compute(ctx, p, req, fp)
	}

	v, err, shared := e.inflight.Do(p.Spec.Name+":"+string(fp), func() (any, error) {
		return e.compute(ctx, p, req, fp)
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		e.logger.Debug("Coalesced concurrent pipeline run",
			zap.String("pipeline", p.Spec.Name),
			zap.String("fingerprint", string(fp)),
		)
	}
	return v.(Result), nil
}

// compute runs Retrieving -> Judging -> Composing -> Validating ->
// Persisting for a cache miss.
func (e *Executor) compute(ctx context.Context, p Pipeline, req Request, fp domain.Fingerprint) (Result, error) {
	stageStart := time.Now()
	evidence, err := e.retriever.Retrieve(ctx, req.Query, p.Spec.TopK, p.Spec.Signals)
	if err != nil {
		return Result{}, domain.NewStageError(domain.StageRetrieving, fp, err)
	}
	if len(evidence) == 0 && !p.Spec.AllowZeroEvidence {
		return Result{}, domain.NewStageError(domain.StageRetrieving, fp, domain.ErrZeroEvidence)
	}
	e.observeStage(p.Spec.Name, domain.StageRetrieving, stageStart)

	stageStart = time.Now()
	judgment, err := p.Judge(ctx, req, evidence)
	if err != nil {
		return Result{}, domain.NewStageError(domain.StageJudging, fp, err)
	}
	e.observeStage(p.Spec.Name, domain.StageJudging, stageStart)

	// Cancellation is honored before the external generation call is
	// issued; afterwards the call runs to completion but the result is
	// discarded without persisting.
	if err := ctx.Err(); err != nil {
		return Result{}, domain.NewStageError(domain.StageComposing, fp, err)
	}

	stageStart = time.Now()
	payload, err := p.Compose(ctx, req, judgment, evidence)
	if err != nil {
		return Result{}, domain.NewStageError(domain.StageComposing, fp, err)
	}
	e.observeStage(p.Spec.Name, domain.StageComposing, stageStart)

	if err := ctx.Err(); err != nil {
		return Result{}, domain.NewStageError(domain.StageComposing, fp, err)
	}

	e.applyEnvelope(payload, p.Spec, evidence)

	stageStart = time.Now()
	if err := e.schemas.Validate(p.Spec.Name, p.Spec.SchemaVersion, payload); err != nil {
		return Result{}, domain.NewStageError(domain.StageValidating, fp, err)
	}
	e.observeStage(p.Spec.Name, domain.StageValidating, stageStart)

	res := Result{Fingerprint: fp, Payload: payload, Evidence: evidence}

	// Persistence failure is reported but the computed result is still
	// returned: availability over cache completeness.
	stageStart = time.Now()
	if err := e.persist(ctx, p, req, fp, payload, evidence); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return Result{}, domain.NewStageError(domain.StagePersisting, fp, err)
		}
		e.logger.Warn("Failed to persist pipeline snapshot",
			zap.String("pipeline", p.Spec.Name),
			zap.String("fingerprint", string(fp)),
			zap.Error(err),
		)
	}
	e.observeStage(p.Spec.Name, domain.StagePersisting, stageStart)

	return res, nil
}

func (e *Executor) persist(ctx context.Context, p Pipeline, req Request, fp domain.Fingerprint, payload map[string]any, evidence []domain.Evidence) error {
	snap := domain.Snapshot{
		Fingerprint:   fp,
		Pipeline:      p.Spec.Name,
		ModelVersion:  p.Spec.ModelVersion,
		PromptVersion: p.Spec.PromptVersion,
		Payload:       payload,
		Evidence:      evidence,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.snapshots.Put(ctx, snap); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}

	if p.Spec.SemanticCache && req.Query != "" {
		embResult, err := e.embed.Embed(ctx, req.Query)
		if err != nil {
			return fmt.Errorf("embed query for semantic cache: %w", err)
		}
		e.semantic.Register(p.Spec.Name, embResult.Embedding, fp)
	}
	return nil
}

// applyEnvelope injects the mandatory artifact envelope. Pipelines extend
// it with feature fields but never omit these four.
func (e *Executor) applyEnvelope(payload map[string]any, spec Spec, evidence []domain.Evidence) {
	payload["model_version"] = spec.ModelVersion
	payload["prompt_version"] = spec.PromptVersion
	payload["created_at"] = time.Now().UTC().Format(time.RFC3339)

	items := make([]map[string]any, 0, len(evidence))
	for _, ev := range evidence {
		items = append(items, map[string]any{
			"source":  ev.SourceKind,
			"id":      ev.SourceID,
			"snippet": ev.Snippet,
		})
	}
	payload["retrieval_evidence"] = items
}

func (e *Executor) observeStage(pipeline string, stage domain.Stage, start time.Time) {
	metrics.PipelineStageDuration.WithLabelValues(pipeline, string(stage)).Observe(time.Since(start).Seconds())
}
