// Package deployment defines the DeploymentBinding entity and the
// Deployment Registry (C3): the only way a queue is consumed. Bindings
// are mutable at runtime; a Registry never caches beyond one poll tick
// so admin changes propagate within PollIntervalMs (§4.3).
package deployment
