package jobdef

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ErikWegner/jqm/runtime"
)

// HandlerFunc is a type-erased handler that accepts the merged parameter
// mapping (§4.6 step 2) as a JSON object. The typed Definition[T] is
// converted to a HandlerFunc at registration time by closing over a
// JSON round-trip plus the typed handler.
type HandlerFunc func(ctx runtime.JobContext, parameters map[string]string) error

// Registry maps entry point names to type-erased handler functions. It
// is the Go realization of §9's classloading re-architecture: instead of
// an isolated classloader rooted at a dynamically fetched artifact, an
// entry point is a Go function registered ahead of time by the process
// that links this module in. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty entry-point registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// RegisterDefinition registers a typed job definition. The generic
// handler is wrapped in a closure that JSON round-trips the merged
// parameter mapping into T before calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx runtime.JobContext, parameters map[string]string) error {
		var t T
		if len(parameters) > 0 {
			raw, err := json.Marshal(parameters)
			if err != nil {
				return fmt.Errorf("jobdef: marshal parameters for %q: %w", def.Name, err)
			}
			if err := json.Unmarshal(raw, &t); err != nil {
				return fmt.Errorf("jobdef: unmarshal parameters for %q: %w", def.Name, err)
			}
		}

		return def.Handler(ctx, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = handler
}

// Get returns the handler registered for the given entry point name.
// Returns false if none is registered.
func (r *Registry) Get(entryPoint string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[entryPoint]

	return h, ok
}

// Names returns all registered entry point names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}

	return names
}
