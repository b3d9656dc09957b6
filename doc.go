// Package jqm is a persistent, distributed batch-execution engine.
//
// Producers submit execution requests referencing a job definition; a pool
// of worker nodes pulls runnable requests from queues according to
// deployment bindings, executes the corresponding registered handler under
// a capability-scoped runtime, and records outcomes (state, messages,
// progress, deliverable files).
//
// jqm is designed as a library. Construct a store, register job
// definitions as ordinary Go functions via jobdef.RegisterDefinition, and
// build a supervisor.Supervisor to run them:
//
//	registry := jobdef.NewRegistry()
//	jobdef.RegisterDefinition(registry, jobdef.NewDefinition("send-email", handler))
//	r := runner.New(runner.Options{Registry: registry /* , stores, ... */})
//	sup := supervisor.New(supervisor.Options{Runner: r, Config: jqm.DefaultConfig() /* , stores, ... */})
//	err := sup.Boot(ctx)
//	// ...
//	err = sup.Shutdown(ctx)
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers, see package id.
package jqm
