package jobdef

import (
	"context"

	"github.com/ErikWegner/jqm/id"
)

// Store defines the persistence contract for JobDefinitions.
type Store interface {
	// CreateJobDefinition persists a new definition. Fails if
	// ApplicationName is already taken.
	CreateJobDefinition(ctx context.Context, def *JobDefinition) error

	// GetJobDefinition retrieves a definition by ID.
	GetJobDefinition(ctx context.Context, id id.JobDefinitionID) (*JobDefinition, error)

	// GetJobDefinitionByName retrieves a definition by its unique
	// ApplicationName.
	GetJobDefinitionByName(ctx context.Context, applicationName string) (*JobDefinition, error)

	// ListJobDefinitions returns every registered definition.
	ListJobDefinitions(ctx context.Context) ([]*JobDefinition, error)

	// DeleteJobDefinition removes a definition. Callers must ensure no
	// instance references it first (§3 lifecycle: "deletion only when
	// no instance references it").
	DeleteJobDefinition(ctx context.Context, id id.JobDefinitionID) error
}
