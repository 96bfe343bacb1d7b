package schema

import (
	"fmt"

	"github.com/jagalchi-dev/aicore/internal/domain"
)

// Kind is the expected JSON kind of a payload field.
type Kind string

// Supported field kinds.
const (
	String Kind = "string"
	Number Kind = "number"
	Bool   Kind = "bool"
	Object Kind = "object"
	List   Kind = "list"
	Any    Kind = "any"
)

// Schema is a closed set of required payload fields with expected kinds,
// identified by pipeline name and schema version.
type Schema struct {
	Pipeline string
	Version  string
	Fields   map[string]Kind
}

// envelopeFields are mandatory for every pipeline artifact. Individual
// pipelines extend the envelope but never omit these.
var envelopeFields = map[string]Kind{
	"model_version":      String,
	"prompt_version":     String,
	"created_at":         String,
	"retrieval_evidence": List,
}

// Registry holds the declared schema for each (pipeline, version) pair.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register declares a schema. Envelope fields are added implicitly.
func (r *Registry) Register(s Schema) {
	if s.Fields == nil {
		s.Fields = make(map[string]Kind)
	}
	for name, kind := range envelopeFields {
		if _, ok := s.Fields[name]; !ok {
			s.Fields[name] = kind
		}
	}
	r.schemas[schemaKey(s.Pipeline, s.Version)] = s
}

// Validate checks payload shape and field kinds against the declared
// schema. All violations are reported, wrapped in ErrSchemaViolation.
func (r *Registry) Validate(pipeline, version string, payload map[string]any) error {
	s, ok := r.schemas[schemaKey(pipeline, version)]
	if !ok {
		return fmt.Errorf("%w: no schema registered for %s@%s", domain.ErrSchemaViolation, pipeline, version)
	}

	var missing, mismatched []string
	for name, kind := range s.Fields {
		value, present := payload[name]
		if !present {
			missing = append(missing, name)
			continue
		}
		if !matchesKind(value, kind) {
			mismatched = append(mismatched, name)
		}
	}

	if len(missing) > 0 || len(mismatched) > 0 {
		return fmt.Errorf("%w: %s@%s missing=%v mismatched=%v",
			domain.ErrSchemaViolation, pipeline, version, missing, mismatched)
	}
	return nil
}

func schemaKey(pipeline, version string) string {
	return pipeline + "@" + version
}

func matchesKind(v any, kind Kind) bool {
	switch kind {
	case String:
		_, ok := v.(string)
		return ok
	case Number:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case Bool:
		_, ok := v.(bool)
		return ok
	case Object:
		_, ok := v.(map[string]any)
		return ok
	case List:
		switch v.(type) {
		case []any, []string, []map[string]any, []domain.Evidence:
			return true
		}
		return false
	case Any:
		return true
	}
	return false
}
