// Package ext defines the extension system.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnInstanceEnded(ctx context.Context, inst *instance.Instance, elapsed time.Duration) error {
//	    log.Printf("instance %s ended in %s", inst.ID, elapsed)
//	    return nil
//	}
//
// # Instance Lifecycle Hooks
//
//   - [InstanceEnqueued] — instance was accepted into the queue
//   - [InstanceAttributed] — a Poller reserved the instance for a node
//   - [InstanceStarted] — the Runner began invoking the payload
//   - [InstanceEnded] — instance finished successfully
//   - [InstanceCrashed] — instance's payload failed, or was recovered dead at boot
//   - [InstanceKilled] — a kill or timeout was observed at yield()
//   - [InstanceCancelled] — a SUBMITTED/HOLD instance was cancelled
//   - [RestartScheduled] — a crashed instance was re-enqueued as a restart-chain child
//   - [DeadLettered] — a restart chain exhausted its configured cap
//
// # Other Hooks
//
//   - [Shutdown] — the Supervisor is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
