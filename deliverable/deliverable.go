// Package deliverable defines the Deliverable entity (§4.8) and the
// move-then-commit semantics resolving Open Question 3: a payload file
// is moved into the node's deliverable repository before its row is
// ever inserted, so a crash mid-move never leaves a Deliverable record
// pointing at a missing file.
package deliverable

import (
	"context"
	"time"

	"github.com/ErikWegner/jqm/id"
)

// Deliverable is a persisted side-effect of a run: a file moved into
// the node's deliverable store, addressed by content hash.
type Deliverable struct {
	ID         id.DeliverableID `json:"id"`
	InstanceID id.InstanceID    `json:"instance_id"`
	Label      string           `json:"label"`
	Path       string           `json:"path"`
	Hash       string           `json:"hash"`
	SizeBytes  int64            `json:"size_bytes"`
	Implicit   bool             `json:"implicit"` // captured stdout/stderr, not payload-added
	CreatedAt  time.Time        `json:"created_at"`
}

// Store persists Deliverable rows. Insert is only ever called after the
// underlying file move has fully succeeded (§4.8).
//
// ListDeliverables and GetDeliverable carry entity-specific names,
// rather than the shorter List/Get, because a single backend
// implements this Store alongside several sibling Store interfaces
// that would otherwise collide on the same method name.
type Store interface {
	Insert(ctx context.Context, d *Deliverable) error
	ListDeliverables(ctx context.Context, instanceID id.InstanceID) ([]*Deliverable, error)
	GetDeliverable(ctx context.Context, id id.DeliverableID) (*Deliverable, error)
}
