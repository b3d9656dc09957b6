package deadletter

import (
	"context"
	"time"

	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
)

// Service provides high-level dead-letter operations over a Store.
type Service struct {
	store         Store
	instanceStore instance.Store
}

// NewService creates a dead-letter service.
func NewService(store Store, instanceStore instance.Store) *Service {
	return &Service{store: store, instanceStore: instanceStore}
}

// Push records a chain that hit its restart cap. Called by the Runner
// and by the Supervisor's boot recovery instead of re-enqueueing once
// inst.ChainLength >= Config.MaxRestartChain.
func (s *Service) Push(ctx context.Context, inst *instance.Instance) error {
	e := &Entry{
		ID:               id.NewDeadLetterID(),
		OriginalInstance: rootOf(inst),
		LastInstance:     inst.ID,
		JobDefinitionID:  inst.JobDefinitionID,
		ChainLength:      inst.ChainLength,
		LastReason:       inst.Reason,
		CreatedAt:        time.Now().UTC(),
	}

	return s.store.Push(ctx, e)
}

// rootOf returns inst's immediate parent, or inst itself when it has
// none. Only the parent link is available here, so for a chain of more
// than two instances the result is not the chain's first instance; it
// is a best-effort label, not a materialized chain.
func rootOf(inst *instance.Instance) id.InstanceID {
	if !inst.ParentInstance.IsNil() {
		return inst.ParentInstance
	}

	return inst.ID
}

// Replay re-enqueues a fresh instance (ChainLength reset to 0) from the
// dead-lettered entry's JobDefinition and marks the entry replayed.
func (s *Service) Replay(ctx context.Context, entryID id.DeadLetterID, queueID id.QueueID) (*instance.Instance, error) {
	entry, err := s.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return nil, err
	}

	inst, err := s.instanceStore.Enqueue(ctx, instance.EnqueueRequest{
		JobDefinitionID: entry.JobDefinitionID,
		QueueID:         queueID,
		ChainLength:     0,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.MarkReplayed(ctx, entryID); err != nil {
		return inst, err
	}

	return inst, nil
}
