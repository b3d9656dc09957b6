// Package ext defines the extension system: extensions are notified of
// instance lifecycle events (enqueued, attributed, started, ended,
// crashed, killed, cancelled, restart scheduled, dead-lettered) and the
// Supervisor's own shutdown, and can react to them — logging, metrics,
// tracing, and similar cross-cutting concerns.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/ErikWegner/jqm/instance"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// InstanceEnqueued is called after an instance is successfully enqueued.
type InstanceEnqueued interface {
	OnInstanceEnqueued(ctx context.Context, inst *instance.Instance) error
}

// InstanceAttributed is called when a Poller reserves an instance for a node.
type InstanceAttributed interface {
	OnInstanceAttributed(ctx context.Context, inst *instance.Instance) error
}

// InstanceStarted is called when a Runner begins invoking the payload.
type InstanceStarted interface {
	OnInstanceStarted(ctx context.Context, inst *instance.Instance) error
}

// InstanceEnded is called after an instance finishes successfully.
type InstanceEnded interface {
	OnInstanceEnded(ctx context.Context, inst *instance.Instance, elapsed time.Duration) error
}

// InstanceCrashed is called when an instance's payload fails or its
// node is found dead at boot recovery.
type InstanceCrashed interface {
	OnInstanceCrashed(ctx context.Context, inst *instance.Instance, err error) error
}

// InstanceKilled is called when a kill or timeout is observed at yield().
type InstanceKilled interface {
	OnInstanceKilled(ctx context.Context, inst *instance.Instance) error
}

// InstanceCancelled is called when a SUBMITTED/HOLD instance is cancelled.
type InstanceCancelled interface {
	OnInstanceCancelled(ctx context.Context, inst *instance.Instance) error
}

// RestartScheduled is called when a crashed instance is re-enqueued as a
// restart-chain child.
type RestartScheduled interface {
	OnRestartScheduled(ctx context.Context, parent, child *instance.Instance) error
}

// DeadLettered is called when a restart chain exhausts its cap.
type DeadLettered interface {
	OnDeadLettered(ctx context.Context, inst *instance.Instance) error
}

// Shutdown is called during graceful Supervisor shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
