package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline and capability Prometheus metrics.
var (
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicore",
			Name:      "pipeline_runs_total",
			Help:      "Total pipeline executions by terminal state",
		},
		[]string{"pipeline", "outcome"}, // "done" / "failed"
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aicore",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each pipeline stage in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"pipeline", "stage"},
	)

	PipelineCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicore",
			Name:      "pipeline_cache_total",
			Help:      "Cache check outcomes per pipeline",
		},
		[]string{"pipeline", "result"}, // "exact" / "semantic" / "miss"
	)

	SemanticCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicore",
			Name:      "semantic_cache_total",
			Help:      "Semantic cache lookup outcomes",
		},
		[]string{"result"}, // "hit" / "miss" / "stale"
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicore",
			Name:      "embedding_cache_total",
			Help:      "Embedding cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	GenerationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicore",
			Name:      "generation_requests_total",
			Help:      "Total generation capability calls",
		},
		[]string{"provider", "model", "status"},
	)

	GenerationRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aicore",
			Name:      "generation_request_duration_seconds",
			Help:      "Generation request duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)
)

var pipelineMetricsRegistered bool

// RegisterPipelineMetrics registers Prometheus pipeline metrics. Must be called once from main.
func RegisterPipelineMetrics() {
	if pipelineMetricsRegistered {
		return
	}
	prometheus.MustRegister(PipelineRunsTotal)
	prometheus.MustRegister(PipelineStageDuration)
	prometheus.MustRegister(PipelineCacheTotal)
	prometheus.MustRegister(SemanticCacheTotal)
	prometheus.MustRegister(EmbeddingCacheTotal)
	prometheus.MustRegister(GenerationRequestsTotal)
	prometheus.MustRegister(GenerationRequestDuration)
	pipelineMetricsRegistered = true
}
