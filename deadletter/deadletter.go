// Package deadletter provides a place for instances whose restart
// chain has exhausted Config.MaxRestartChain (SPEC_FULL §1.3): the
// source has no equivalent, but the restart-chain cap in Open Question
// 2 needs somewhere for a chain to land instead of restarting forever
// or vanishing silently.
package deadletter

import (
	"context"
	"time"

	"github.com/ErikWegner/jqm/id"
)

// Entry is a chain of restarted instances that hit MaxRestartChain
// without ending successfully.
type Entry struct {
	ID               id.DeadLetterID    `json:"id"`
	OriginalInstance id.InstanceID      `json:"original_instance"`
	LastInstance     id.InstanceID      `json:"last_instance"`
	JobDefinitionID  id.JobDefinitionID `json:"job_definition_id"`
	ChainLength      int                `json:"chain_length"`
	LastReason       string             `json:"last_reason"`
	CreatedAt        time.Time          `json:"created_at"`
	ReplayedAt       *time.Time         `json:"replayed_at,omitempty"`
}

// Store persists dead-lettered chains.
//
// ListDeadLetters and GetDeadLetter carry entity-specific names rather
// than List/Get since a single backend implements this Store alongside
// several sibling Store interfaces that would otherwise collide.
type Store interface {
	Push(ctx context.Context, e *Entry) error
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*Entry, error)
	GetDeadLetter(ctx context.Context, id id.DeadLetterID) (*Entry, error)
	MarkReplayed(ctx context.Context, id id.DeadLetterID) error
}
