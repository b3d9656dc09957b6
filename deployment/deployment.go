package deployment

import (
	"context"
	"time"

	"github.com/ErikWegner/jqm/id"
)

// Binding is a DeploymentBinding: (Node, Queue, maxConcurrent,
// pollIntervalMs, enabled) — the only way a queue is consumed (§3).
type Binding struct {
	ID             id.BindingID `json:"id"`
	NodeID         id.NodeID    `json:"node_id"`
	QueueID        id.QueueID   `json:"queue_id"`
	MaxConcurrent  int          `json:"max_concurrent"`
	PollInterval   time.Duration `json:"poll_interval"`
	Enabled        bool         `json:"enabled"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Store defines the persistence contract for deployment bindings.
type Store interface {
	CreateBinding(ctx context.Context, b *Binding) error
	UpdateBinding(ctx context.Context, b *Binding) error
	GetBinding(ctx context.Context, id id.BindingID) (*Binding, error)
	DeleteBinding(ctx context.Context, id id.BindingID) error

	// ListByNode returns every binding for the given node, regardless
	// of Enabled — callers apply the enabled/maxConcurrent=0 check
	// themselves (§4.4 step 1).
	ListByNode(ctx context.Context, nodeID id.NodeID) ([]*Binding, error)
}

// Registry returns the current set of deployment bindings for a node,
// reloaded fresh on every call — deliberately uncached, per §4.3.
type Registry struct {
	store Store
}

// NewRegistry constructs a Registry over the given Store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// BindingsFor returns the bindings currently configured for nodeID.
// Callers (one Poller per binding) are expected to call this once per
// tick so that administrative changes are visible within one
// PollInterval.
func (r *Registry) BindingsFor(ctx context.Context, nodeID id.NodeID) ([]*Binding, error) {
	return r.store.ListByNode(ctx, nodeID)
}
