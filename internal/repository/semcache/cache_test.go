package semcache

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/jagalchi-dev/aicore/internal/domain"
)

// fakeSnapshots marks which fingerprints still resolve to live snapshots.
type fakeSnapshots struct {
	live map[domain.Fingerprint]bool
}

func (f *fakeSnapshots) Get(_ context.Context, _ string, fp domain.Fingerprint) (domain.Snapshot, error) {
	if f.live[fp] {
		return domain.Snapshot{Fingerprint: fp}, nil
	}
	return domain.Snapshot{}, domain.ErrSnapshotNotFound
}

func newTestCache(live ...domain.Fingerprint) (*Cache, *fakeSnapshots) {
	snaps := &fakeSnapshots{live: make(map[domain.Fingerprint]bool)}
	for _, fp := range live {
		snaps.live[fp] = true
	}
	return New(snaps, nil, zap.NewNop()), snaps
}

func TestLookup_HitAboveThreshold(t *testing.T) {
	c, _ := newTestCache("fp1")
	c.Register("tech_card", []float32{1, 0, 0}, "fp1")

	// Slightly rotated query, cosine ~0.995.
	fp, err := c.Lookup(context.Background(), "tech_card", []float32{1, 0.1, 0}, 0.92)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp != "fp1" {
		t.Errorf("got %s, want fp1", fp)
	}
}

func TestLookup_MissBelowThreshold(t *testing.T) {
	c, _ := newTestCache("fp1")
	c.Register("tech_card", []float32{1, 0, 0}, "fp1")

	// Orthogonal query, cosine 0.
	_, err := c.Lookup(context.Background(), "tech_card", []float32{0, 1, 0}, 0.92)
	if !errors.Is(err, domain.ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

func TestLookup_PipelineScoped(t *testing.T) {
	c, _ := newTestCache("fp1")
	c.Register("tech_card", []float32{1, 0, 0}, "fp1")

	_, err := c.Lookup(context.Background(), "related_roadmaps", []float32{1, 0, 0}, 0.92)
	if !errors.Is(err, domain.ErrCacheMiss) {
		t.Fatalf("entries must not leak across pipelines, got %v", err)
	}
}

func TestLookup_StaleEntryRemoved(t *testing.T) {
	c, snaps := newTestCache("fp_live")
	c.Register("tech_card", []float32{1, 0, 0}, "fp_dead")
	c.Register("tech_card", []float32{0.9, 0.1, 0}, "fp_live")
	snaps.live["fp_dead"] = false

	// fp_dead is the closest match but its snapshot is gone; the lookup
	// must fall through to the live entry and drop the stale one.
	fp, err := c.Lookup(context.Background(), "tech_card", []float32{1, 0, 0}, 0.92)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp != "fp_live" {
		t.Errorf("got %s, want fp_live", fp)
	}
	if c.Len() != 1 {
		t.Errorf("stale entry should be removed, %d entries left", c.Len())
	}
}

func TestLookup_AllStaleIsMiss(t *testing.T) {
	c, _ := newTestCache() // nothing live
	c.Register("tech_card", []float32{1, 0, 0}, "fp_dead")

	_, err := c.Lookup(context.Background(), "tech_card", []float32{1, 0, 0}, 0.92)
	if !errors.Is(err, domain.ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("stale entry should be removed, %d entries left", c.Len())
	}
}

func TestLookup_TieBreaksToMostRecent(t *testing.T) {
	c, _ := newTestCache("fp_old", "fp_new")
	c.Register("tech_card", []float32{1, 0, 0}, "fp_old")
	c.Register("tech_card", []float32{1, 0, 0}, "fp_new")

	fp, err := c.Lookup(context.Background(), "tech_card", []float32{1, 0, 0}, 0.92)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp != "fp_new" {
		t.Errorf("exact tie should resolve to the most recent registration, got %s", fp)
	}
}

func TestLookup_ZeroThresholdUsesDefault(t *testing.T) {
	c, _ := newTestCache("fp1")
	c.Register("tech_card", []float32{1, 0, 0}, "fp1")

	// Cosine ~0.707, above zero but below the 0.92 default.
	_, err := c.Lookup(context.Background(), "tech_card", []float32{1, 1, 0}, 0)
	if !errors.Is(err, domain.ErrCacheMiss) {
		t.Fatalf("zero threshold must fall back to the conservative default, got %v", err)
	}
}

func TestEvict(t *testing.T) {
	c, _ := newTestCache("fp1", "fp2")
	c.Register("tech_card", []float32{1, 0, 0}, "fp1")
	c.Register("tech_card", []float32{0, 1, 0}, "fp1")
	c.Register("tech_card", []float32{0, 0, 1}, "fp2")

	c.Evict("fp1")

	if c.Len() != 1 {
		t.Fatalf("expected 1 entry after evict, got %d", c.Len())
	}
	fp, err := c.Lookup(context.Background(), "tech_card", []float32{0, 0, 1}, 0.92)
	if err != nil || fp != "fp2" {
		t.Errorf("surviving entry should still hit: fp=%s err=%v", fp, err)
	}
}

func TestEvictPipeline(t *testing.T) {
	c, _ := newTestCache("fp1", "fp2")
	c.Register("tech_card", []float32{1, 0, 0}, "fp1")
	c.Register("related_roadmaps", []float32{1, 0, 0}, "fp2")

	c.EvictPipeline("tech_card")

	if _, err := c.Lookup(context.Background(), "tech_card", []float32{1, 0, 0}, 0.92); !errors.Is(err, domain.ErrCacheMiss) {
		t.Fatalf("tech_card entries should be gone, got %v", err)
	}
	if fp, err := c.Lookup(context.Background(), "related_roadmaps", []float32{1, 0, 0}, 0.92); err != nil || fp != "fp2" {
		t.Errorf("other pipeline should be untouched: fp=%s err=%v", fp, err)
	}
}
