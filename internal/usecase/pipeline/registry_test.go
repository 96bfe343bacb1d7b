package pipeline

import (
	"errors"
	"reflect"
	"testing"

	"github.com/jagalchi-dev/aicore/internal/domain"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(Pipeline{Spec: Spec{Name: "tech_card", SchemaVersion: "v1"}})
	r.Register(Pipeline{Spec: Spec{Name: "related_roadmaps", SchemaVersion: "v1"}})

	p, err := r.Get("tech_card")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Spec.Name != "tech_card" {
		t.Errorf("got %q", p.Spec.Name)
	}

	if _, err := r.Get("unknown"); !errors.Is(err, domain.ErrPipelineNotFound) {
		t.Fatalf("expected ErrPipelineNotFound, got %v", err)
	}

	names := r.Names()
	want := []string{"related_roadmaps", "tech_card"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("names: got %v, want %v", names, want)
	}
}

func TestRegistry_ReRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register(Pipeline{Spec: Spec{Name: "tech_card", SchemaVersion: "v1"}})
	r.Register(Pipeline{Spec: Spec{Name: "tech_card", SchemaVersion: "v2"}})

	p, err := r.Get("tech_card")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Spec.SchemaVersion != "v2" {
		t.Errorf("expected replacement, got %q", p.Spec.SchemaVersion)
	}
}

func TestVersionTag(t *testing.T) {
	spec := Spec{Name: "tech_card", SchemaVersion: "v1", ModelVersion: "m1", PromptVersion: "p1"}
	if got := spec.VersionTag(); got != "tech_card/v1/m1/p1" {
		t.Errorf("got %q", got)
	}
}
