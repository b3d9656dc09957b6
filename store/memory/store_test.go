package memory_test

import (
	"context"
	"testing"
	"time"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
	"github.com/ErikWegner/jqm/node"
	"github.com/ErikWegner/jqm/queue"
	"github.com/ErikWegner/jqm/store/memory"
)

func TestStore_EnqueueRejectsOverQueueMaxSize(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	q := &queue.Queue{ID: id.NewQueueID(), Name: "q", MaxSize: 1}
	if err := s.CreateQueue(ctx, q); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	defID := id.NewJobDefinitionID()
	if _, err := s.Enqueue(ctx, instance.EnqueueRequest{JobDefinitionID: defID, QueueID: q.ID}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	_, err := s.Enqueue(ctx, instance.EnqueueRequest{JobDefinitionID: defID, QueueID: q.ID})
	if err != jqm.ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestStore_ReserveNextSkipsHighlanderConflict(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	queueID := id.NewQueueID()
	defID := id.NewJobDefinitionID()
	nodeID := id.NewNodeID()

	first, err := s.Enqueue(ctx, instance.EnqueueRequest{JobDefinitionID: defID, QueueID: queueID, HighlanderMode: true})
	if err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if _, err := s.Enqueue(ctx, instance.EnqueueRequest{JobDefinitionID: defID, QueueID: queueID, HighlanderMode: true}); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	reserved, err := s.ReserveNext(ctx, nodeID, queueID, 10)
	if err != nil {
		t.Fatalf("ReserveNext: %v", err)
	}
	if len(reserved) != 1 || reserved[0].ID != first.ID {
		t.Fatalf("expected only the first instance reserved, got %+v", reserved)
	}

	again, err := s.ReserveNext(ctx, nodeID, queueID, 10)
	if err != nil {
		t.Fatalf("second ReserveNext: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected the still-SUBMITTED sibling to stay skipped while the first is ATTRIBUTED, got %+v", again)
	}
}

// TestStore_ReserveNextSortsByPriorityThenEnqueueTime mirrors
// store/postgres's TestSortByPriorityThenEnqueue: ReserveNext must
// order candidates by (priority DESC, enqueueTime ASC), regardless of
// insertion order.
func TestStore_ReserveNextSortsByPriorityThenEnqueueTime(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	queueID := id.NewQueueID()
	defID := id.NewJobDefinitionID()
	nodeID := id.NewNodeID()

	low, err := s.Enqueue(ctx, instance.EnqueueRequest{JobDefinitionID: defID, QueueID: queueID, Priority: 1})
	if err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	highEarlier, err := s.Enqueue(ctx, instance.EnqueueRequest{JobDefinitionID: defID, QueueID: queueID, Priority: 5})
	if err != nil {
		t.Fatalf("Enqueue highEarlier: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	highLater, err := s.Enqueue(ctx, instance.EnqueueRequest{JobDefinitionID: defID, QueueID: queueID, Priority: 5})
	if err != nil {
		t.Fatalf("Enqueue highLater: %v", err)
	}

	reserved, err := s.ReserveNext(ctx, nodeID, queueID, 10)
	if err != nil {
		t.Fatalf("ReserveNext: %v", err)
	}
	if len(reserved) != 3 {
		t.Fatalf("expected 3 reserved instances, got %d", len(reserved))
	}
	if reserved[0].ID != highEarlier.ID || reserved[1].ID != highLater.ID || reserved[2].ID != low.ID {
		t.Fatalf("expected (priority DESC, enqueueTime ASC) order [%s, %s, %s], got [%s, %s, %s]",
			highEarlier.ID, highLater.ID, low.ID, reserved[0].ID, reserved[1].ID, reserved[2].ID)
	}
}

func TestStore_TransitionCASFailsOnStaleState(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	inst, err := s.Enqueue(ctx, instance.EnqueueRequest{JobDefinitionID: id.NewJobDefinitionID(), QueueID: id.NewQueueID()})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	err = s.Transition(ctx, inst.ID, instance.StateAttributed, instance.StateRunning, nil)
	if err != jqm.ErrStateConflict {
		t.Fatalf("expected ErrStateConflict transitioning from wrong state, got %v", err)
	}

	if err := s.Transition(ctx, inst.ID, instance.StateSubmitted, instance.StateAttributed, nil); err != nil {
		t.Fatalf("valid Transition: %v", err)
	}
}

func TestStore_ArchiveTerminalMovesInstanceToHistory(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	inst, err := s.Enqueue(ctx, instance.EnqueueRequest{JobDefinitionID: id.NewJobDefinitionID(), QueueID: id.NewQueueID()})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Cancel(ctx, inst.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.ArchiveTerminal(ctx, inst.ID); err != nil {
		t.Fatalf("ArchiveTerminal: %v", err)
	}

	if _, err := s.GetInstance(ctx, inst.ID); err != jqm.ErrInstanceNotFound {
		t.Fatalf("expected instance gone after archive, got %v", err)
	}

	record, err := s.GetHistory(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if record.FinalState != instance.StateCancelled {
		t.Errorf("expected archived FinalState CANCELLED, got %s", record.FinalState)
	}
}

func TestStore_RecoverCrashedOnlyTouchesNodesOwnAttributedInstances(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	nodeA := id.NewNodeID()
	nodeB := id.NewNodeID()

	inst, err := s.Enqueue(ctx, instance.EnqueueRequest{JobDefinitionID: id.NewJobDefinitionID(), QueueID: id.NewQueueID()})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ReserveNext(ctx, nodeA, inst.QueueID, 10); err != nil {
		t.Fatalf("ReserveNext: %v", err)
	}

	recovered, err := s.RecoverCrashed(ctx, nodeB)
	if err != nil {
		t.Fatalf("RecoverCrashed(nodeB): %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("expected no instances recovered for unrelated node, got %+v", recovered)
	}

	recovered, err = s.RecoverCrashed(ctx, nodeA)
	if err != nil {
		t.Fatalf("RecoverCrashed(nodeA): %v", err)
	}
	if len(recovered) != 1 || recovered[0].State != instance.StateCrashed {
		t.Fatalf("expected the attributed instance recovered as CRASHED, got %+v", recovered)
	}
}

func TestStore_NodeHeartbeatAndReapDead(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	n := &node.Node{ID: id.NewNodeID(), Name: "n1"}
	if err := s.Register(ctx, n); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := s.Heartbeat(ctx, n.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	dead, err := s.ReapDead(ctx, 0)
	if err != nil {
		t.Fatalf("ReapDead: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected the node to be reapable with a zero threshold, got %+v", dead)
	}
}
