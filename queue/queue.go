package queue

import (
	"context"
	"time"

	"github.com/ErikWegner/jqm/id"
)

// Queue is a named FIFO with priority tiebreakers (§3). Lifecycle:
// long-lived, created once and referenced by many JobDefinitions and
// instances.
type Queue struct {
	ID              id.QueueID `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	DefaultPriority int        `json:"default_priority"`
	// MaxSize is invariant 5's bound on the number of SUBMITTED
	// instances. Zero means unbounded.
	MaxSize   int       `json:"max_size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the persistence contract for queues.
type Store interface {
	CreateQueue(ctx context.Context, q *Queue) error
	GetQueue(ctx context.Context, id id.QueueID) (*Queue, error)
	GetQueueByName(ctx context.Context, name string) (*Queue, error)
	ListQueues(ctx context.Context) ([]*Queue, error)

	// CountSubmitted returns the number of instances currently in state
	// SUBMITTED on the given queue, for invariant 5's enforcement.
	CountSubmitted(ctx context.Context, queueID id.QueueID) (int, error)
}
