package jobdef

import (
	"time"

	"github.com/ErikWegner/jqm/id"
)

// JobDefinition is the application: the template for an execution (§3).
// It is immutable while any instance references it and is created out of
// band by an administrator, not by the engine itself.
type JobDefinition struct {
	ID                id.JobDefinitionID `json:"id"`
	ApplicationName   string             `json:"application_name"`
	EntryPointClass   string             `json:"entry_point_class"`
	ArtifactPath      string             `json:"artifact_path"`
	DefaultQueue      string             `json:"default_queue"`
	CanRestart        bool               `json:"can_restart"`
	HighlanderMode    bool               `json:"highlander_mode"`
	DefaultParameters map[string]string  `json:"default_parameters,omitempty"`

	// Timeout, if non-zero, bounds a single instance's RUNNING duration;
	// exceeding it kills the instance with Reason "timeout" (§4.6).
	Timeout time.Duration `json:"timeout,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
