package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jagalchi-dev/aicore/internal/config"
	"github.com/jagalchi-dev/aicore/internal/db"
	dbMemory "github.com/jagalchi-dev/aicore/internal/db/memory"
	dbRedis "github.com/jagalchi-dev/aicore/internal/db/redis"
	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/domain/schema"
	"github.com/jagalchi-dev/aicore/internal/index"
	logpkg "github.com/jagalchi-dev/aicore/internal/logger"
	"github.com/jagalchi-dev/aicore/internal/metrics"
	"github.com/jagalchi-dev/aicore/internal/pipelines/roadmaprec"
	"github.com/jagalchi-dev/aicore/internal/pipelines/techcard"
	"github.com/jagalchi-dev/aicore/internal/repository/embcache"
	"github.com/jagalchi-dev/aicore/internal/repository/semcache"
	snapshotrepo "github.com/jagalchi-dev/aicore/internal/repository/snapshot"
	chiTransport "github.com/jagalchi-dev/aicore/internal/transport/chi"
	openaiTransport "github.com/jagalchi-dev/aicore/internal/transport/openai"
	"github.com/jagalchi-dev/aicore/internal/transport/tavily"
	ingestuc "github.com/jagalchi-dev/aicore/internal/usecase/ingest"
	pipelineuc "github.com/jagalchi-dev/aicore/internal/usecase/pipeline"
	"github.com/jagalchi-dev/aicore/internal/usecase/ranking"
	retrievaluc "github.com/jagalchi-dev/aicore/internal/usecase/retrieval"
	"github.com/jagalchi-dev/aicore/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting aicore API server",
		zap.String("version", version.String()),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	// Create snapshot store backend based on driver
	var store db.Store
	switch cfg.Database.Driver {
	case "redis":
		store, err = dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Password: cfg.Database.Password,
		})
	case "memory":
		store = dbMemory.NewStore()
	default:
		logger.Fatal("Unknown database driver", zap.String("driver", cfg.Database.Driver))
	}
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	// Wait for database to be ready
	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Register pipeline metrics explicitly (no init())
	metrics.RegisterPipelineMetrics()

	// Embedder chain: OpenAI-compatible provider behind the embedding cache.
	baseEmbedder := openaiTransport.NewEmbedder(&openaiTransport.EmbedderConfig{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Logger:     logger,
	})
	cachedEmbedder := embcache.New(baseEmbedder, store, metrics.EmbeddingCacheTotal, logger)
	logger.Info("Embedder created",
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)

	generator := openaiTransport.NewGenerator(&openaiTransport.GeneratorConfig{
		APIKey:       cfg.Generation.APIKey,
		BaseURL:      cfg.Generation.BaseURL,
		DefaultModel: cfg.Generation.SmallModel,
		Provider:     cfg.Generation.Provider,
		Logger:       logger,
	})
	router := domain.ModelRouter{
		Small: cfg.Generation.SmallModel,
		Large: cfg.Generation.LargeModel,
	}

	// Web search is optional; without an API key the tech-card pipeline
	// composes from local evidence only.
	var searcher domain.Searcher
	if cfg.Search.APIKey != "" {
		searcher = tavily.New(tavily.Config{
			APIKey:  cfg.Search.APIKey,
			BaseURL: cfg.Search.BaseURL,
			Timeout: time.Duration(cfg.Search.TimeoutSec) * time.Second,
		})
	}

	// Repositories
	snapshots := snapshotrepo.New(store, logger)
	if cfg.Cache.RetentionHours > 0 {
		snapshots = snapshots.WithRetention(time.Duration(cfg.Cache.RetentionHours) * time.Hour)
	}
	semantic := semcache.New(snapshots, metrics.SemanticCacheTotal, logger)

	// Retrieval over the copy-on-write index revision
	holder := index.NewHolder()
	retriever := retrievaluc.New(holder, cachedEmbedder, retrievaluc.Config{
		Weights: retrievaluc.Weights{
			Lexical: cfg.Retrieval.LexicalWeight,
			Vector:  cfg.Retrieval.VectorWeight,
			Graph:   cfg.Retrieval.GraphWeight,
		},
		GraphDecay: cfg.Retrieval.GraphDecay,
	})

	// Pipelines and their payload schemas
	schemas := schema.NewRegistry()
	schemas.Register(techcard.Schema())
	schemas.Register(roadmaprec.Schema())

	registry := pipelineuc.NewRegistry()
	registry.Register(applyOverrides(techcard.New(techcard.Config{
		Generator: generator,
		Searcher:  searcher,
		Router:    router,
		Logger:    logger,
	}), cfg))
	registry.Register(applyOverrides(roadmaprec.New(ranking.New(nil)), cfg))

	executor := pipelineuc.NewExecutor(snapshots, semantic, retriever, cachedEmbedder, schemas, logger).
		WithCoalescing()

	ingest := ingestuc.New(holder, baseEmbedder, semantic, registry.Names(), logger)

	// Create chi server
	server := chiTransport.NewServer(executor, registry, snapshots, semantic, ingest, store, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Register(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// applyOverrides layers per-pipeline config on top of a pipeline's built-in
// spec. The global semantic threshold applies unless the pipeline set one.
func applyOverrides(p pipelineuc.Pipeline, cfg config.Config) pipelineuc.Pipeline {
	if p.Spec.SemanticThreshold == 0 {
		p.Spec.SemanticThreshold = cfg.Cache.SemanticThreshold
	}

	pc, ok := cfg.Pipelines[p.Spec.Name]
	if !ok {
		return p
	}
	if pc.SemanticCache != nil {
		p.Spec.SemanticCache = *pc.SemanticCache
	}
	if pc.AllowZeroEvidence != nil {
		p.Spec.AllowZeroEvidence = *pc.AllowZeroEvidence
	}
	if pc.TopK > 0 {
		p.Spec.TopK = pc.TopK
	}
	return p
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			// Set X-Request-ID in response header
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
