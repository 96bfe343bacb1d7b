package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/index"
	pipelineuc "github.com/jagalchi-dev/aicore/internal/usecase/pipeline"
)

// Error codes surfaced to clients.
const (
	codeBadRequest       = "bad_request"
	codeUnauthorized     = "unauthorized"
	codeValidationFailed = "validation_failed"
	codePipelineNotFound = "pipeline_not_found"
	codeSnapshotNotFound = "snapshot_not_found"
	codeSnapshotConflict = "snapshot_conflict"
	codeZeroEvidence     = "zero_evidence"
	codeIndexNotReady    = "index_not_ready"
	codeSchemaViolation  = "schema_violation"
	codeGenerationError  = "generation_error"
	codeEmbeddingError   = "embedding_provider_error"
	codeSearchError      = "search_provider_error"
	codeRequestCancelled = "request_cancelled"
	codeInternalError    = "internal_error"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// snapshotReader is the read/invalidate surface the API needs from the
// snapshot repository.
type snapshotReader interface {
	Get(ctx context.Context, pipeline string, fp domain.Fingerprint) (domain.Snapshot, error)
	Invalidate(ctx context.Context, pipeline string, fp domain.Fingerprint) error
	ListByPrefix(ctx context.Context, pipeline string) ([]domain.Snapshot, error)
}

// cacheEvictor drops semantic cache entries for invalidated snapshots.
type cacheEvictor interface {
	Evict(fp domain.Fingerprint)
}

// corpusRebuilder replaces the retrieval index revision wholesale.
type corpusRebuilder interface {
	Rebuild(ctx context.Context, docs []index.Document, edges []index.Edge) error
}

// pinger reports backing store liveness for the health endpoint.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API: pipeline execution, snapshot management, and
// corpus ingestion.
type Server struct {
	executor      *pipelineuc.Executor
	pipelines     *pipelineuc.Registry
	snapshots     snapshotReader
	semantic      cacheEvictor
	ingest        corpusRebuilder
	store         pinger
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	executor *pipelineuc.Executor,
	pipelines *pipelineuc.Registry,
	snapshots snapshotReader,
	semantic cacheEvictor,
	ingest corpusRebuilder,
	store pinger,
	logger *zap.Logger,
) *Server {
	s := &Server{
		executor:  executor,
		pipelines: pipelines,
		snapshots: snapshots,
		semantic:  semantic,
		ingest:    ingest,
		store:     store,
		logger:    logger,
	}
	s.errorHandlers = []errorHandler{
		cancellationHandler,
		sentinelHandler(domain.ErrPipelineNotFound, http.StatusNotFound, codePipelineNotFound),
		sentinelHandler(domain.ErrSnapshotNotFound, http.StatusNotFound, codeSnapshotNotFound),
		sentinelHandler(domain.ErrConflict, http.StatusConflict, codeSnapshotConflict),
		sentinelHandler(domain.ErrInvalidInputKind, http.StatusBadRequest, codeValidationFailed),
		sentinelHandler(domain.ErrZeroEvidence, http.StatusUnprocessableEntity, codeZeroEvidence),
		sentinelHandler(domain.ErrEmptyIndex, http.StatusServiceUnavailable, codeIndexNotReady),
		sentinelHandler(domain.ErrSchemaViolation, http.StatusInternalServerError, codeSchemaViolation),
		sentinelHandler(domain.ErrGeneration, http.StatusBadGateway, codeGenerationError),
		sentinelHandler(domain.ErrEmbeddingProviderError, http.StatusBadGateway, codeEmbeddingError),
		sentinelHandler(domain.ErrSearchProvider, http.StatusBadGateway, codeSearchError),
	}
	return s
}

// Register mounts the API routes on the given router.
func (s *Server) Register(r chi.Router) {
	r.Get("/healthz", s.HealthCheck)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pipelines", s.ListPipelines)
		r.Post("/pipelines/{pipeline}/run", s.RunPipeline)
		r.Get("/pipelines/{pipeline}/snapshots", s.ListSnapshots)
		r.Get("/pipelines/{pipeline}/snapshots/{fingerprint}", s.GetSnapshot)
		r.Delete("/pipelines/{pipeline}/snapshots/{fingerprint}", s.InvalidateSnapshot)
		r.Post("/corpus/rebuild", s.RebuildCorpus)
	})
}

// RunRequest is the body of POST /v1/pipelines/{pipeline}/run. Sources are
// the raw payloads of every consulted source document, order-significant.
type RunRequest struct {
	Params  map[string]any `json:"params"`
	Query   string         `json:"query,omitempty"`
	Sources []string       `json:"sources,omitempty"`
}

// RunResponse is a pipeline result plus cache provenance.
type RunResponse struct {
	Fingerprint       string            `json:"fingerprint"`
	Payload           map[string]any    `json:"payload"`
	Evidence          []domain.Evidence `json:"evidence"`
	CacheHit          bool              `json:"cache_hit"`
	CacheKind         string            `json:"cache_kind,omitempty"`
	ReusedFingerprint string            `json:"reused_fingerprint,omitempty"`
}

// RunPipeline handles POST /v1/pipelines/{pipeline}/run.
func (s *Server) RunPipeline(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pipeline")

	p, err := s.pipelines.Get(name)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Params == nil {
		writeError(w, http.StatusBadRequest, codeValidationFailed, "params is required")
		return
	}

	sources := make([][]byte, len(req.Sources))
	for i, src := range req.Sources {
		sources[i] = []byte(src)
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	res, err := s.executor.Run(ctx, p, pipelineuc.Request{
		Params:  req.Params,
		Query:   req.Query,
		Sources: sources,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	setUsageHeaders(w, usage)
	writeJSON(w, http.StatusOK, RunResponse{
		Fingerprint:       string(res.Fingerprint),
		Payload:           res.Payload,
		Evidence:          res.Evidence,
		CacheHit:          res.CacheHit,
		CacheKind:         string(res.CacheKind),
		ReusedFingerprint: string(res.ReusedFingerprint),
	})
}

// ListPipelines handles GET /v1/pipelines.
func (s *Server) ListPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelines": s.pipelines.Names(),
	})
}

// GetSnapshot handles GET /v1/pipelines/{pipeline}/snapshots/{fingerprint}.
func (s *Server) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pipeline")
	fp := domain.Fingerprint(chi.URLParam(r, "fingerprint"))

	snap, err := s.snapshots.Get(r.Context(), name, fp)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListSnapshots handles GET /v1/pipelines/{pipeline}/snapshots. Snapshots
// come back in fingerprint order for stable batch recomputation.
func (s *Server) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pipeline")

	if _, err := s.pipelines.Get(name); err != nil {
		s.handleDomainError(w, err)
		return
	}

	snaps, err := s.snapshots.ListByPrefix(r.Context(), name)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": snaps,
		"total": len(snaps),
	})
}

// InvalidateSnapshot handles DELETE of a snapshot. The matching semantic
// cache entry goes with it, so a later near-duplicate query cannot resolve
// to the removed artifact.
func (s *Server) InvalidateSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pipeline")
	fp := domain.Fingerprint(chi.URLParam(r, "fingerprint"))

	if err := s.snapshots.Invalidate(r.Context(), name, fp); err != nil {
		s.handleDomainError(w, err)
		return
	}
	if s.semantic != nil {
		s.semantic.Evict(fp)
	}

	w.WriteHeader(http.StatusNoContent)
}

// RebuildRequest is the body of POST /v1/corpus/rebuild.
type RebuildRequest struct {
	Documents []RebuildDocument `json:"documents"`
	Edges     []RebuildEdge     `json:"edges,omitempty"`
}

// RebuildDocument is one corpus document.
type RebuildDocument struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// RebuildEdge is one directed relation between corpus documents.
type RebuildEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RebuildCorpus handles POST /v1/corpus/rebuild.
func (s *Server) RebuildCorpus(w http.ResponseWriter, r *http.Request) {
	var req RebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, codeValidationFailed, "documents must not be empty")
		return
	}

	docs := make([]index.Document, len(req.Documents))
	for i, d := range req.Documents {
		if d.ID == "" || d.Text == "" {
			writeError(w, http.StatusBadRequest, codeValidationFailed, "every document needs an id and text")
			return
		}
		docs[i] = index.Document{ID: d.ID, SourceKind: d.Source, Text: d.Text}
	}
	edges := make([]index.Edge, len(req.Edges))
	for i, e := range req.Edges {
		edges[i] = index.Edge{From: e.From, To: e.To}
	}

	ctx, usage := domain.NewContextWithUsage(r.Context())
	if err := s.ingest.Rebuild(ctx, docs, edges); err != nil {
		s.handleDomainError(w, err)
		return
	}

	setUsageHeaders(w, usage)
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": len(docs),
		"edges":     len(edges),
	})
}

// HealthCheck handles GET /healthz.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, map[string]string{"status": status})
}

func setUsageHeaders(w http.ResponseWriter, usage *domain.Usage) {
	if usage == nil {
		return
	}
	if usage.EmbeddingTokens > 0 {
		w.Header().Set("X-Embedding-Tokens", strconv.Itoa(usage.EmbeddingTokens))
	}
	if usage.GenerationTokens > 0 {
		w.Header().Set("X-Generation-Tokens", strconv.Itoa(usage.GenerationTokens))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without
// exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrPipelineNotFound,
		domain.ErrSnapshotNotFound,
		domain.ErrConflict,
		domain.ErrInvalidInputKind,
		domain.ErrZeroEvidence,
		domain.ErrEmptyIndex,
		domain.ErrSchemaViolation,
		domain.ErrGeneration,
		domain.ErrEmbeddingProviderError,
		domain.ErrSearchProvider,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel
// error. StageError wrapping is surfaced as the stage field in the body.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeJSON(w, status, ErrorResponse{
			Code:    code,
			Message: msg,
			Stage:   stageOf(err),
		})
		return true
	}
}

// cancellationHandler maps context cancellation and deadline expiry.
func cancellationHandler(w http.ResponseWriter, err error, _ string) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{
			Code:    codeRequestCancelled,
			Message: "request deadline exceeded",
			Stage:   stageOf(err),
		})
		return true
	case errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusRequestTimeout, ErrorResponse{
			Code:    codeRequestCancelled,
			Message: "request cancelled",
			Stage:   stageOf(err),
		})
		return true
	}
	return false
}

func stageOf(err error) string {
	var se *domain.StageError
	if errors.As(err, &se) {
		return string(se.Stage)
	}
	return ""
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
