package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jagalchi-dev/aicore/internal/domain"
)

// Registry holds the pipelines known to this process. Registration happens
// at startup from the composition root; lookups happen per request.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
}

// NewRegistry creates an empty pipeline registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]Pipeline)}
}

// Register adds a pipeline under its spec name. Re-registering a name
// replaces the previous pipeline.
func (r *Registry) Register(p Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Spec.Name] = p
}

// Get returns the pipeline by name, or ErrPipelineNotFound.
func (r *Registry) Get(name string) (Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[name]
	if !ok {
		return Pipeline{}, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, name)
	}
	return p, nil
}

// Names returns the registered pipeline names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
