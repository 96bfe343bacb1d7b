package embcache

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"

	dbMemory "github.com/jagalchi-dev/aicore/internal/db/memory"
	"github.com/jagalchi-dev/aicore/internal/domain"
)

type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	c.calls++
	return domain.EmbeddingResult{
		Embedding:   []float32{0.25, -1.5, float32(len(text))},
		TotalTokens: 7,
	}, nil
}

func TestEmbed_CachesSecondCall(t *testing.T) {
	inner := &countingEmbedder{}
	cached := New(inner, dbMemory.NewStore(), nil, zap.NewNop())
	ctx := context.Background()

	first, err := cached.Embed(ctx, "react basics")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if first.TotalTokens != 7 {
		t.Errorf("miss should report real token usage, got %d", first.TotalTokens)
	}

	second, err := cached.Embed(ctx, "react basics")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner embedder called %d times, want 1", inner.calls)
	}
	if !reflect.DeepEqual(first.Embedding, second.Embedding) {
		t.Errorf("cached vector differs:\n%v\n%v", first.Embedding, second.Embedding)
	}
	if second.TotalTokens != 0 {
		t.Errorf("cache hit must report zero tokens, got %d", second.TotalTokens)
	}
}

func TestEmbed_DistinctTextsDistinctKeys(t *testing.T) {
	inner := &countingEmbedder{}
	cached := New(inner, dbMemory.NewStore(), nil, zap.NewNop())
	ctx := context.Background()

	_, _ = cached.Embed(ctx, "react")
	_, _ = cached.Embed(ctx, "vue")

	if inner.calls != 2 {
		t.Errorf("distinct texts must both reach the provider, got %d calls", inner.calls)
	}
}

func TestEmbed_RecordsUsageOnMissOnly(t *testing.T) {
	inner := &countingEmbedder{}
	cached := New(inner, dbMemory.NewStore(), nil, zap.NewNop())

	ctx, usage := domain.NewContextWithUsage(context.Background())
	_, _ = cached.Embed(ctx, "react")
	_, _ = cached.Embed(ctx, "react")

	if usage.EmbeddingTokens != 7 {
		t.Errorf("expected 7 tokens (one real call), got %d", usage.EmbeddingTokens)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0, -0.5, 3.1415927, 1e-9}

	got, err := bytesToVector(vectorToCacheBytes(vec))
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if !reflect.DeepEqual(vec, got) {
		t.Errorf("round trip mismatch:\n%v\n%v", vec, got)
	}

	if _, err := bytesToVector([]byte{1, 2, 3}); err == nil {
		t.Error("truncated data should fail to parse")
	}
}
