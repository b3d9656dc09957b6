package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/ErikWegner/jqm/instance"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type instanceEnqueuedEntry struct {
	name string
	hook InstanceEnqueued
}

type instanceAttributedEntry struct {
	name string
	hook InstanceAttributed
}

type instanceStartedEntry struct {
	name string
	hook InstanceStarted
}

type instanceEndedEntry struct {
	name string
	hook InstanceEnded
}

type instanceCrashedEntry struct {
	name string
	hook InstanceCrashed
}

type instanceKilledEntry struct {
	name string
	hook InstanceKilled
}

type instanceCancelledEntry struct {
	name string
	hook InstanceCancelled
}

type restartScheduledEntry struct {
	name string
	hook RestartScheduled
}

type deadLetteredEntry struct {
	name string
	hook DeadLettered
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	instanceEnqueued   []instanceEnqueuedEntry
	instanceAttributed []instanceAttributedEntry
	instanceStarted    []instanceStartedEntry
	instanceEnded      []instanceEndedEntry
	instanceCrashed    []instanceCrashedEntry
	instanceKilled     []instanceKilledEntry
	instanceCancelled  []instanceCancelledEntry
	restartScheduled   []restartScheduledEntry
	deadLettered       []deadLetteredEntry
	shutdown           []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(InstanceEnqueued); ok {
		r.instanceEnqueued = append(r.instanceEnqueued, instanceEnqueuedEntry{name, h})
	}
	if h, ok := e.(InstanceAttributed); ok {
		r.instanceAttributed = append(r.instanceAttributed, instanceAttributedEntry{name, h})
	}
	if h, ok := e.(InstanceStarted); ok {
		r.instanceStarted = append(r.instanceStarted, instanceStartedEntry{name, h})
	}
	if h, ok := e.(InstanceEnded); ok {
		r.instanceEnded = append(r.instanceEnded, instanceEndedEntry{name, h})
	}
	if h, ok := e.(InstanceCrashed); ok {
		r.instanceCrashed = append(r.instanceCrashed, instanceCrashedEntry{name, h})
	}
	if h, ok := e.(InstanceKilled); ok {
		r.instanceKilled = append(r.instanceKilled, instanceKilledEntry{name, h})
	}
	if h, ok := e.(InstanceCancelled); ok {
		r.instanceCancelled = append(r.instanceCancelled, instanceCancelledEntry{name, h})
	}
	if h, ok := e.(RestartScheduled); ok {
		r.restartScheduled = append(r.restartScheduled, restartScheduledEntry{name, h})
	}
	if h, ok := e.(DeadLettered); ok {
		r.deadLettered = append(r.deadLettered, deadLetteredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitInstanceEnqueued notifies all extensions that implement InstanceEnqueued.
func (r *Registry) EmitInstanceEnqueued(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.instanceEnqueued {
		if err := e.hook.OnInstanceEnqueued(ctx, inst); err != nil {
			r.logHookError("OnInstanceEnqueued", e.name, err)
		}
	}
}

// EmitInstanceAttributed notifies all extensions that implement InstanceAttributed.
func (r *Registry) EmitInstanceAttributed(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.instanceAttributed {
		if err := e.hook.OnInstanceAttributed(ctx, inst); err != nil {
			r.logHookError("OnInstanceAttributed", e.name, err)
		}
	}
}

// EmitInstanceStarted notifies all extensions that implement InstanceStarted.
func (r *Registry) EmitInstanceStarted(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.instanceStarted {
		if err := e.hook.OnInstanceStarted(ctx, inst); err != nil {
			r.logHookError("OnInstanceStarted", e.name, err)
		}
	}
}

// EmitInstanceEnded notifies all extensions that implement InstanceEnded.
func (r *Registry) EmitInstanceEnded(ctx context.Context, inst *instance.Instance, elapsed time.Duration) {
	for _, e := range r.instanceEnded {
		if err := e.hook.OnInstanceEnded(ctx, inst, elapsed); err != nil {
			r.logHookError("OnInstanceEnded", e.name, err)
		}
	}
}

// EmitInstanceCrashed notifies all extensions that implement InstanceCrashed.
func (r *Registry) EmitInstanceCrashed(ctx context.Context, inst *instance.Instance, instErr error) {
	for _, e := range r.instanceCrashed {
		if err := e.hook.OnInstanceCrashed(ctx, inst, instErr); err != nil {
			r.logHookError("OnInstanceCrashed", e.name, err)
		}
	}
}

// EmitInstanceKilled notifies all extensions that implement InstanceKilled.
func (r *Registry) EmitInstanceKilled(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.instanceKilled {
		if err := e.hook.OnInstanceKilled(ctx, inst); err != nil {
			r.logHookError("OnInstanceKilled", e.name, err)
		}
	}
}

// EmitInstanceCancelled notifies all extensions that implement InstanceCancelled.
func (r *Registry) EmitInstanceCancelled(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.instanceCancelled {
		if err := e.hook.OnInstanceCancelled(ctx, inst); err != nil {
			r.logHookError("OnInstanceCancelled", e.name, err)
		}
	}
}

// EmitRestartScheduled notifies all extensions that implement RestartScheduled.
func (r *Registry) EmitRestartScheduled(ctx context.Context, parent, child *instance.Instance) {
	for _, e := range r.restartScheduled {
		if err := e.hook.OnRestartScheduled(ctx, parent, child); err != nil {
			r.logHookError("OnRestartScheduled", e.name, err)
		}
	}
}

// EmitDeadLettered notifies all extensions that implement DeadLettered.
func (r *Registry) EmitDeadLettered(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.deadLettered {
		if err := e.hook.OnDeadLettered(ctx, inst); err != nil {
			r.logHookError("OnDeadLettered", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
