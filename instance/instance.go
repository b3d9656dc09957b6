package instance

import (
	"time"

	"github.com/ErikWegner/jqm/id"
)

// State represents the lifecycle state of an instance (§4.7).
type State string

const (
	StateSubmitted  State = "SUBMITTED"
	StateHold       State = "HOLD"
	StateAttributed State = "ATTRIBUTED"
	StateRunning    State = "RUNNING"
	StateEnded      State = "ENDED"    // terminal
	StateCrashed    State = "CRASHED"  // terminal
	StateKilled     State = "KILLED"   // terminal
	StateCancelled  State = "CANCELLED" // terminal
)

// Terminal reports whether s is one of the terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateCrashed, StateKilled, StateCancelled:
		return true
	default:
		return false
	}
}

// UserTags are the opaque, application-defined annotations carried by
// every instance (§3), also usable as a listInstances filter (SPEC_FULL
// §1.3).
type UserTags struct {
	Application string `json:"application,omitempty"`
	Module      string `json:"module,omitempty"`
	Keyword1    string `json:"keyword1,omitempty"`
	Keyword2    string `json:"keyword2,omitempty"`
	Keyword3    string `json:"keyword3,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	User        string `json:"user,omitempty"`
	Mail        string `json:"mail,omitempty"`
}

// Instance is one execution: the fusion of §3's JobRequest and
// JobInstance (the source models them as the same row before and after
// attribution; this module does too).
type Instance struct {
	ID              id.InstanceID     `json:"id"`
	JobDefinitionID id.JobDefinitionID `json:"job_definition_id"`
	QueueID         id.QueueID        `json:"queue_id"`
	State           State             `json:"state"`
	Priority        int               `json:"priority"`

	EnqueueTime     time.Time  `json:"enqueue_time"`
	AttributionTime *time.Time `json:"attribution_time,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`

	AttributedNode id.NodeID `json:"attributed_node,omitempty"`

	// Progress is 0-100, nil until the payload calls sendProgress.
	Progress *int `json:"progress,omitempty"`

	UserTags   UserTags          `json:"user_tags"`
	Parameters map[string]string `json:"parameters,omitempty"`

	// ParentInstance is set on restart-chain children and on children
	// spawned by JobContext.Enqueue (§4.6 step 4).
	ParentInstance id.InstanceID `json:"parent_instance,omitempty"`

	// ChainLength is 0 for an original submission and
	// parent.ChainLength+1 for a restart, so Open Question 2's cap can
	// be enforced without walking the full ancestor chain.
	ChainLength int `json:"chain_length"`

	// HighlanderMode is copied from the JobDefinition at enqueue time so
	// reserveNext and the Postgres partial unique index can evaluate
	// invariant 3 without a join (§4.1).
	HighlanderMode bool `json:"highlander_mode"`

	// KillRequested is the pending-kill marker observed at yield()
	// (§5). Setting it is the only effect of a kill request; the
	// transition to KILLED still happens inside the Runner. A timeout
	// does not set it: the Timeout middleware puts a deadline on the
	// invocation context, Yield returns that context's error, and the
	// Runner records KILLED with reason "timeout".
	KillRequested bool `json:"kill_requested"`

	// Reason records why a terminal transition happened — the engine
	// never terminates silently (§7).
	Reason string `json:"reason,omitempty"`

	// Timeout is copied from the JobDefinition by the Runner before
	// invocation; not persisted, since it is a property of the
	// definition, not the instance (§4.6, §4.9).
	Timeout time.Duration `json:"-"`
}

// ListFilter narrows ListInstances (SPEC_FULL §1.3's queryable
// userTags filter set).
type ListFilter struct {
	JobDefinitionID id.JobDefinitionID
	QueueID         id.QueueID
	State           State
	Application     string
	Keyword1        string
	Keyword2        string
	Keyword3        string
	SessionID       string
	User            string
	Limit           int
	Offset          int
}

// EnqueueRequest is the input to Store.Enqueue.
type EnqueueRequest struct {
	JobDefinitionID id.JobDefinitionID
	QueueID         id.QueueID
	Priority        int
	UserTags        UserTags
	Parameters      map[string]string
	ParentInstance  id.InstanceID
	ChainLength     int
	HighlanderMode  bool
}
