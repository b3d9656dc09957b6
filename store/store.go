// Package store defines the aggregate persistence interface: the
// Persistence Gateway (C1) as the rest of the module actually consumes
// it. Each entity owns its own store interface; a single backend
// (Postgres, Memory) implements them all.
package store

import (
	"context"

	"github.com/ErikWegner/jqm/deadletter"
	"github.com/ErikWegner/jqm/deliverable"
	"github.com/ErikWegner/jqm/deployment"
	"github.com/ErikWegner/jqm/history"
	"github.com/ErikWegner/jqm/instance"
	"github.com/ErikWegner/jqm/jobdef"
	"github.com/ErikWegner/jqm/message"
	"github.com/ErikWegner/jqm/node"
	"github.com/ErikWegner/jqm/queue"
)

// Store is the aggregate persistence interface. Every subsystem store
// is a separate composable interface, same pattern as each entity
// package's own Store; a single backend implements all of them behind
// one transactional connection pool.
type Store interface {
	jobdef.Store
	queue.Store
	node.Store
	deployment.Store
	instance.Store
	message.Store
	deliverable.Store
	deadletter.Store
	history.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
