// Package instance defines the JobInstance/JobRequest entity (§3), its
// state machine (§4.7), and the Store realizing both the Persistence
// Gateway (C1) and the Queue Store's ordering discipline (C2).
//
// Transition performs a compare-and-swap on (id, state): losers of the
// CAS must not perform the transition's side effects (§4.7). Hold,
// Resume, Cancel, ReserveNext, RecoverCrashed and ArchiveTerminal check
// or change state through their own Store methods rather than through
// Transition. RuntimeParameters
// (§3) are represented as the flat Instance.Parameters map rather than
// a separate child table, since a key/value list has no useful identity
// beyond its owning instance.
package instance
