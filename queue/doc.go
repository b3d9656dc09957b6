// Package queue defines the Queue entity (§3) and the Persistence
// Gateway's queue-facing operations: the ordering discipline and the
// count-with-predicate used for size enforcement (§4.2).
package queue
