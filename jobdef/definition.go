package jobdef

import "github.com/ErikWegner/jqm/runtime"

// Definition is a typed job definition with a handler function. T is the
// payload type (must be JSON-serializable). Name is used as
// JobDefinition.EntryPointClass: the engine never loads code dynamically
// (§9), it looks up an already-registered Go function by this name.
type Definition[T any] struct {
	// Name is the unique entry-point identifier for this handler.
	Name string

	// Handler is the function that processes the instance's parameters.
	// ctx carries the JobContext capability object (§4.6 step 4).
	Handler func(ctx runtime.JobContext, payload T) error

	// Opts configures the JobDefinition this handler is registered
	// under when auto-provisioned via a Store.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](name string, handler func(ctx runtime.JobContext, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}

	return def
}
