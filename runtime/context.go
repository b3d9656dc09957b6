// Package runtime defines JobContext, the narrow capability object
// passed to a payload's entry point (§4.6 step 4). It is the Go
// realization of the classloading re-architecture (§9): a payload never
// receives a handle to the Runner, the Store, or the Supervisor, only
// this interface.
package runtime

import "context"

// Cancelled is returned by Yield when the instance's pending-kill
// marker is set. A payload that receives it should return promptly;
// the Runner drives the actual transition to KILLED.
var Cancelled = errCancelled{}

type errCancelled struct{}

func (errCancelled) Error() string { return "jqm: instance cancelled" }

// ChildSpec describes an instance to enqueue as a child of the current
// one (§4.6 step 4's enqueue(childSpec)).
type ChildSpec struct {
	EntryPointClass string
	QueueName       string
	Priority        int
	Parameters      map[string]string
}

// JobContext is the capability surface available to a running payload.
// Every method except Context and Parameters observes the pending-kill
// marker internally (§6), so a payload calling any of them cooperates
// with cancellation for free.
type JobContext interface {
	// Context returns the ambient context.Context for the invocation;
	// its deadline is the job definition's timeout, if any. A kill
	// request does not cancel it; kills are observed through Yield.
	Context() context.Context

	// Parameters returns the immutable merged parameter mapping
	// (JobDef defaults overridden by RuntimeParameters, §4.6 step 2).
	Parameters() map[string]string

	// SendMessage appends text to the instance's message log (§4.8).
	SendMessage(text string)

	// SendProgress reports progress in [0,100]; out-of-range values are
	// clamped (§4.8).
	SendProgress(n int)

	// AddDeliverable moves the file at srcPath into the node's
	// deliverable store under label and returns its new id.
	AddDeliverable(srcPath, label string) (string, error)

	// GetWorkDir returns the instance's private scratch directory,
	// purged after Finalize (§4.6 step 6).
	GetWorkDir() string

	// Enqueue submits a child instance with parentInstance set to the
	// current one (§4.6 step 4) and returns its id.
	Enqueue(spec ChildSpec) (string, error)

	// Yield is the cooperative cancellation checkpoint (§5). A payload
	// is expected to call it periodically during long-running work; it
	// returns Cancelled once the pending-kill marker has been observed.
	Yield() error
}
