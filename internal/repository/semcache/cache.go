package semcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/index"
)

// DefaultThreshold is the conservative default cosine similarity for a
// near-duplicate hit. False negatives are acceptable; false positives are
// not, so pipelines may only raise it.
const DefaultThreshold = 0.92

// snapshotReader verifies that a cached fingerprint still resolves to a
// live snapshot. The cache holds weak references to snapshots, never
// ownership.
type snapshotReader interface {
	Get(ctx context.Context, pipeline string, fp domain.Fingerprint) (domain.Snapshot, error)
}

type entry struct {
	pipeline     string
	embedding    []float32
	fingerprint  domain.Fingerprint
	registeredAt time.Time
	seq          uint64
}

// Cache reuses prior pipeline outputs for semantically similar, not just
// byte-identical, queries. Entries live in process memory; the snapshots
// they point at are persisted by the snapshot store.
type Cache struct {
	mu        sync.RWMutex
	entries   []entry
	seq       uint64
	snapshots snapshotReader
	hitTotal  *prometheus.CounterVec
	logger    *zap.Logger
}

// New creates a semantic cache. hitTotal is a counter vec with label
// "result" ("hit"/"miss"/"stale"), passed explicitly.
func New(snapshots snapshotReader, hitTotal *prometheus.CounterVec, logger *zap.Logger) *Cache {
	return &Cache{snapshots: snapshots, hitTotal: hitTotal, logger: logger}
}

// Lookup returns the fingerprint of the most similar registered entry at
// or above threshold, verifying the snapshot still exists. Stale entries
// (snapshot invalidated or evicted) are removed and demoted to a miss.
// Ties break toward the most recently registered entry.
func (c *Cache) Lookup(ctx context.Context, pipeline string, queryEmbedding []float32, threshold float64) (domain.Fingerprint, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	for {
		best, ok := c.closest(pipeline, queryEmbedding, threshold)
		if !ok {
			c.inc("miss")
			return "", domain.ErrCacheMiss
		}

		_, err := c.snapshots.Get(ctx, pipeline, best.fingerprint)
		if err == nil {
			c.inc("hit")
			return best.fingerprint, nil
		}
		if !errors.Is(err, domain.ErrSnapshotNotFound) {
			return "", err
		}

		// Snapshot is gone; drop the stale entry and retry with the rest.
		c.inc("stale")
		c.logger.Debug("Dropping stale semantic cache entry",
			zap.String("pipeline", pipeline),
			zap.String("fingerprint", string(best.fingerprint)),
		)
		c.removeSeq(best.seq)
	}
}

// Register stores a query embedding pointing at a computed snapshot. Many
// entries may point at one fingerprint.
func (c *Cache) Register(pipeline string, queryEmbedding []float32, fp domain.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.entries = append(c.entries, entry{
		pipeline:     pipeline,
		embedding:    queryEmbedding,
		fingerprint:  fp,
		registeredAt: time.Now(),
		seq:          c.seq,
	})
}

// Evict removes every entry pointing at the given fingerprint. Called when
// the underlying snapshot is invalidated.
func (c *Cache) Evict(fp domain.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.fingerprint != fp {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// EvictPipeline removes every entry of a pipeline. Called when the corpus
// the pipeline retrieves over is rebuilt: prior answers may cite documents
// that no longer exist.
func (c *Cache) EvictPipeline(pipeline string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.pipeline != pipeline {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// Len returns the number of registered entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// closest scans the pipeline's entries and returns the one with the
// highest cosine similarity at or above threshold. Later registrations win
// exact ties.
func (c *Cache) closest(pipeline string, queryEmbedding []float32, threshold float64) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best entry
	bestScore := -1.0
	found := false
	for _, e := range c.entries {
		if e.pipeline != pipeline {
			continue
		}
		score := index.Cosine(queryEmbedding, e.embedding)
		if score < threshold {
			continue
		}
		if score > bestScore || (score == bestScore && e.seq > best.seq) {
			best = e
			bestScore = score
			found = true
		}
	}
	return best, found
}

func (c *Cache) removeSeq(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.seq != seq {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

func (c *Cache) inc(result string) {
	if c.hitTotal != nil {
		c.hitTotal.WithLabelValues(result).Inc()
	}
}
