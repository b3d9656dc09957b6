// Package history defines HistoryRecord (§3): the immutable terminal
// snapshot an instance leaves behind so it can be queried after the
// live instance row is garbage-collected (invariant 6). Writing a
// record is the concern of instance.Store.ArchiveTerminal, kept out of
// this package's own Store interface to avoid an import cycle;
// history.Store here is a read-only query surface over what
// ArchiveTerminal produced.
package history

import (
	"context"
	"time"

	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
)

// Record is the immutable terminal snapshot of one instance.
type Record struct {
	InstanceID      id.InstanceID      `json:"instance_id"`
	JobDefinitionID id.JobDefinitionID `json:"job_definition_id"`
	QueueID         id.QueueID         `json:"queue_id"`
	FinalState      instance.State     `json:"final_state"`
	Priority        int                `json:"priority"`
	EnqueueTime     time.Time          `json:"enqueue_time"`
	AttributionTime *time.Time         `json:"attribution_time,omitempty"`
	StartTime       *time.Time         `json:"start_time,omitempty"`
	EndTime         time.Time          `json:"end_time"`
	AttributedNode  id.NodeID          `json:"attributed_node,omitempty"`
	UserTags        instance.UserTags  `json:"user_tags"`
	ParentInstance  id.InstanceID      `json:"parent_instance,omitempty"`
	ChainLength     int                `json:"chain_length"`
	Reason          string             `json:"reason,omitempty"`
}

// FromInstance builds the archival snapshot for a terminal instance.
func FromInstance(inst *instance.Instance) *Record {
	end := time.Now().UTC()
	if inst.EndTime != nil {
		end = *inst.EndTime
	}

	return &Record{
		InstanceID:      inst.ID,
		JobDefinitionID: inst.JobDefinitionID,
		QueueID:         inst.QueueID,
		FinalState:      inst.State,
		Priority:        inst.Priority,
		EnqueueTime:     inst.EnqueueTime,
		AttributionTime: inst.AttributionTime,
		StartTime:       inst.StartTime,
		EndTime:         end,
		AttributedNode:  inst.AttributedNode,
		UserTags:        inst.UserTags,
		ParentInstance:  inst.ParentInstance,
		ChainLength:     inst.ChainLength,
		Reason:          inst.Reason,
	}
}

// Filter narrows Store.ListHistory.
type Filter struct {
	JobDefinitionID id.JobDefinitionID
	QueueID         id.QueueID
	FinalState      instance.State
	Limit           int
	Offset          int
}

// Store is the read-only query surface over archived instances.
//
// GetHistory and ListHistory carry entity-specific names rather than
// Get/List since a single backend implements this Store alongside
// several sibling Store interfaces that would otherwise collide.
type Store interface {
	GetHistory(ctx context.Context, instanceID id.InstanceID) (*Record, error)
	ListHistory(ctx context.Context, filter Filter) ([]*Record, error)
}
