// Package stagecache decides whether a requested stage execution can reuse
// a prior result, must wait for one in flight, or has to run. Each stage
// declares its contract statically: which input fields identify the work,
// which output fields a trusted result must carry, and which outputs are
// artifact paths. Static declarations replace any "looks like a path"
// guessing, so the contract is testable per stage.
package stagecache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidInput marks schema rejections so callers can tell a bad request
// apart from an internal failure.
var ErrInvalidInput = errors.New("stagecache: invalid input")

// Spec is the static contract of one stage.
type Spec struct {
	// Name is the stage name, the unit at which reuse decisions are made.
	Name string
	// CacheKeyFields are the input fields that determine whether two calls
	// are the same work.
	CacheKeyFields []string
	// RequiredOutputFields must be present and non-empty on a SUCCESS
	// record for it to be trusted as a reuse candidate.
	RequiredOutputFields []string
	// ArtifactFields are output fields holding local artifact paths that
	// get uploaded to blob storage after a successful run.
	ArtifactFields []string
	// InputSchemaJSON optionally carries a JSON schema the submit boundary
	// validates input against. Empty means no validation.
	InputSchemaJSON string

	schema *jsonschema.Schema
}

// Registry holds the stage specs known to this deployment.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a spec, compiling its input schema if declared. Duplicate
// names are rejected.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("stagecache: spec name is required")
	}
	if spec.InputSchemaJSON != "" {
		schema, err := jsonschema.CompileString(spec.Name+".schema.json", spec.InputSchemaJSON)
		if err != nil {
			return fmt.Errorf("stagecache: compile input schema for %s: %w", spec.Name, err)
		}
		spec.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("stagecache: stage %q already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Get returns the spec for a stage name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns all registered stage names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}

// ValidateInput checks input against the spec's declared schema, if any.
func (spec Spec) ValidateInput(input map[string]any) error {
	if spec.schema == nil {
		return nil
	}
	// jsonschema validates generic decoded JSON; map[string]any qualifies.
	if err := spec.schema.Validate(toJSONValue(input)); err != nil {
		return fmt.Errorf("%w: input for %s rejected: %v", ErrInvalidInput, spec.Name, err)
	}
	return nil
}

// toJSONValue normalizes Go-native values into the shapes the validator
// expects (json.Unmarshal equivalents).
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONValue(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
