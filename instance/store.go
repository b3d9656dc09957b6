package instance

import (
	"context"

	"github.com/ErikWegner/jqm/id"
)

// Store realizes the Persistence Gateway (C1) and the Queue Store's
// ordering discipline (C2), with read-committed isolation and
// pessimistic row locking on ReserveNext (§4.1).
type Store interface {
	// Enqueue inserts a new instance in state SUBMITTED. Transactional:
	// the queue's size bound (invariant 5) is checked in the same
	// transaction as the insert; violating it fails with
	// jqm.ErrQueueFull.
	Enqueue(ctx context.Context, req EnqueueRequest) (*Instance, error)

	// ReserveNext selects up to limit instances in state SUBMITTED for
	// queueID, ordered by (priority DESC, enqueueTime ASC, id ASC),
	// acquires a row-level lock, transitions each to ATTRIBUTED with
	// AttributedNode=nodeID, commits, and returns them. Rows whose
	// JobDefinition is Highlander-mode and already has an
	// ATTRIBUTED/RUNNING instance are skipped, not locked (invariant 3).
	ReserveNext(ctx context.Context, nodeID id.NodeID, queueID id.QueueID, limit int) ([]*Instance, error)

	// Transition performs a CAS on (instanceID, from). If the observed
	// state does not equal from, it fails with jqm.ErrStateConflict and
	// mutate is not called. On success mutate may set to-state-specific
	// fields (StartTime, EndTime, Reason, ...) on the in-flight copy
	// before it is persisted.
	Transition(ctx context.Context, instanceID id.InstanceID, from State, to State, mutate func(*Instance)) error

	// RequestKill sets the pending-kill marker (§5). It does not itself
	// transition the instance; the Runner observes the marker at the
	// next yield() and drives the KILLED transition.
	RequestKill(ctx context.Context, instanceID id.InstanceID) error

	// Hold transitions SUBMITTED -> HOLD (admin action, §4.7).
	Hold(ctx context.Context, instanceID id.InstanceID) error

	// Resume transitions HOLD -> SUBMITTED (§4.7).
	Resume(ctx context.Context, instanceID id.InstanceID) error

	// Cancel transitions SUBMITTED or HOLD -> CANCELLED (§4.7).
	Cancel(ctx context.Context, instanceID id.InstanceID) error

	// SetPriority updates Priority on a non-terminal instance.
	SetPriority(ctx context.Context, instanceID id.InstanceID, priority int) error

	// UpdateProgress clamps n to [0,100] and overwrites Progress
	// (§4.8).
	UpdateProgress(ctx context.Context, instanceID id.InstanceID, n int) error

	// ArchiveTerminal moves the instance row into HistoryRecord
	// atomically (§4.1, invariant 6). It is a separate call, made by the
	// Runner after the terminal Transition has succeeded, and runs in its
	// own transaction.
	ArchiveTerminal(ctx context.Context, instanceID id.InstanceID) error

	// RecoverCrashed transitions every instance with
	// AttributedNode=nodeID and state in {ATTRIBUTED, RUNNING} to
	// CRASHED. Called once at Supervisor boot, before any new
	// reservation happens on nodeID (§4.1, §4.9).
	RecoverCrashed(ctx context.Context, nodeID id.NodeID) ([]*Instance, error)

	GetInstance(ctx context.Context, instanceID id.InstanceID) (*Instance, error)
	ListInstances(ctx context.Context, filter ListFilter) ([]*Instance, error)
}
