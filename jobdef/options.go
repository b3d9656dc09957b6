package jobdef

import "time"

// Options configures the JobDefinition attributes a Definition installs
// when it is first registered against a Store (CreateOptions), separate
// from the per-enqueue RuntimeParameters merge described in §4.6 step 2.
type Options struct {
	// Queue is the default queue this definition enqueues to when the
	// caller does not specify one.
	Queue string

	// CanRestart is JobDefinition.CanRestart (§3).
	CanRestart bool

	// HighlanderMode is JobDefinition.HighlanderMode (§3).
	HighlanderMode bool

	// DefaultParameters seeds JobDefinition.DefaultParameters.
	DefaultParameters map[string]string

	// Timeout seeds JobDefinition.Timeout; zero means unbounded.
	Timeout time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Queue:      "default",
		CanRestart: false,
	}
}

// Option is a functional option configuring a Definition.
type Option func(*Options)

// WithQueue sets the default queue for the definition.
func WithQueue(q string) Option {
	return func(o *Options) { o.Queue = q }
}

// WithCanRestart sets whether crashed instances of this definition may
// be restarted.
func WithCanRestart(b bool) Option {
	return func(o *Options) { o.CanRestart = b }
}

// WithHighlanderMode enables the "there can be only one" invariant
// (§3 invariant 3) for this definition.
func WithHighlanderMode(b bool) Option {
	return func(o *Options) { o.HighlanderMode = b }
}

// WithDefaultParameters sets the parameters merged under any
// RuntimeParameters at execution time (§4.6 step 2).
func WithDefaultParameters(p map[string]string) Option {
	return func(o *Options) { o.DefaultParameters = p }
}

// WithTimeout bounds how long a single instance may stay RUNNING before
// it is killed with Reason "timeout" (§4.6).
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}
