package supervisor_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/deadletter"
	"github.com/ErikWegner/jqm/deployment"
	"github.com/ErikWegner/jqm/ext"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
	"github.com/ErikWegner/jqm/jobdef"
	"github.com/ErikWegner/jqm/supervisor"
)

type fakeInstanceStore struct {
	mu        sync.Mutex
	crashed   []*instance.Instance
	archived  []id.InstanceID
	enqueued  []instance.EnqueueRequest
}

func (f *fakeInstanceStore) Enqueue(_ context.Context, req instance.EnqueueRequest) (*instance.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, req)
	return &instance.Instance{ID: id.NewInstanceID(), JobDefinitionID: req.JobDefinitionID, State: instance.StateSubmitted}, nil
}

func (f *fakeInstanceStore) ReserveNext(context.Context, id.NodeID, id.QueueID, int) ([]*instance.Instance, error) {
	return nil, nil
}
func (f *fakeInstanceStore) Transition(context.Context, id.InstanceID, instance.State, instance.State, func(*instance.Instance)) error {
	return nil
}
func (f *fakeInstanceStore) RequestKill(context.Context, id.InstanceID) error   { return nil }
func (f *fakeInstanceStore) Hold(context.Context, id.InstanceID) error         { return nil }
func (f *fakeInstanceStore) Resume(context.Context, id.InstanceID) error       { return nil }
func (f *fakeInstanceStore) Cancel(context.Context, id.InstanceID) error       { return nil }
func (f *fakeInstanceStore) SetPriority(context.Context, id.InstanceID, int) error { return nil }
func (f *fakeInstanceStore) UpdateProgress(context.Context, id.InstanceID, int) error { return nil }

func (f *fakeInstanceStore) ArchiveTerminal(_ context.Context, instanceID id.InstanceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, instanceID)
	return nil
}

func (f *fakeInstanceStore) RecoverCrashed(context.Context, id.NodeID) ([]*instance.Instance, error) {
	return f.crashed, nil
}

func (f *fakeInstanceStore) GetInstance(context.Context, id.InstanceID) (*instance.Instance, error) {
	return nil, nil
}
func (f *fakeInstanceStore) ListInstances(context.Context, instance.ListFilter) ([]*instance.Instance, error) {
	return nil, nil
}

type fakeJobDefStore struct {
	defs map[id.JobDefinitionID]*jobdef.JobDefinition
}

func (f *fakeJobDefStore) GetJobDefinition(_ context.Context, defID id.JobDefinitionID) (*jobdef.JobDefinition, error) {
	return f.defs[defID], nil
}
func (f *fakeJobDefStore) GetJobDefinitionByName(context.Context, string) (*jobdef.JobDefinition, error) {
	return nil, nil
}
func (f *fakeJobDefStore) CreateJobDefinition(context.Context, *jobdef.JobDefinition) error { return nil }
func (f *fakeJobDefStore) DeleteJobDefinition(context.Context, id.JobDefinitionID) error    { return nil }
func (f *fakeJobDefStore) ListJobDefinitions(context.Context) ([]*jobdef.JobDefinition, error) {
	return nil, nil
}

type fakeDeadLetterStore struct {
	mu     sync.Mutex
	pushed []*deadletter.Entry
}

func (f *fakeDeadLetterStore) Push(_ context.Context, e *deadletter.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, e)
	return nil
}
func (f *fakeDeadLetterStore) ListDeadLetters(context.Context, int, int) ([]*deadletter.Entry, error) {
	return nil, nil
}
func (f *fakeDeadLetterStore) GetDeadLetter(context.Context, id.DeadLetterID) (*deadletter.Entry, error) {
	return nil, nil
}
func (f *fakeDeadLetterStore) MarkReplayed(context.Context, id.DeadLetterID) error { return nil }

type fakeBindingStore struct {
	bindings []*deployment.Binding
}

func (f *fakeBindingStore) CreateBinding(context.Context, *deployment.Binding) error { return nil }
func (f *fakeBindingStore) UpdateBinding(context.Context, *deployment.Binding) error { return nil }
func (f *fakeBindingStore) GetBinding(context.Context, id.BindingID) (*deployment.Binding, error) {
	return nil, nil
}
func (f *fakeBindingStore) DeleteBinding(context.Context, id.BindingID) error { return nil }
func (f *fakeBindingStore) ListByNode(context.Context, id.NodeID) ([]*deployment.Binding, error) {
	return f.bindings, nil
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, *instance.Instance) {}

func TestSupervisor_BootRecoversCrashedAndRestarts(t *testing.T) {
	defID := id.New(id.PrefixJobDefinition)
	instances := &fakeInstanceStore{
		crashed: []*instance.Instance{
			{ID: id.NewInstanceID(), JobDefinitionID: defID, State: instance.StateCrashed, ChainLength: 0},
		},
	}
	jobdefs := &fakeJobDefStore{defs: map[id.JobDefinitionID]*jobdef.JobDefinition{
		defID: {ID: defID, CanRestart: true},
	}}
	deadLetters := deadletter.NewService(&fakeDeadLetterStore{}, instances)
	bindings := &fakeBindingStore{}

	s := supervisor.New(supervisor.Options{
		NodeID:      id.New(id.PrefixNode),
		Bindings:    bindings,
		Instances:   instances,
		JobDefs:     jobdefs,
		DeadLetters: deadLetters,
		Extensions:  ext.NewRegistry(slog.Default()),
		Runner:      noopRunner{},
		Config:      jqm.DefaultConfig(),
	})

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if len(instances.archived) != 1 {
		t.Fatalf("expected 1 archived instance, got %d", len(instances.archived))
	}
	if len(instances.enqueued) != 1 {
		t.Fatalf("expected 1 restart enqueued, got %d", len(instances.enqueued))
	}
	if instances.enqueued[0].ChainLength != 1 {
		t.Errorf("expected restarted child ChainLength=1, got %d", instances.enqueued[0].ChainLength)
	}

	_ = s.Shutdown(context.Background())
}

func TestSupervisor_BootDeadLettersWhenChainCapReached(t *testing.T) {
	defID := id.New(id.PrefixJobDefinition)
	dlStore := &fakeDeadLetterStore{}
	instances := &fakeInstanceStore{
		crashed: []*instance.Instance{
			{ID: id.NewInstanceID(), JobDefinitionID: defID, State: instance.StateCrashed, ChainLength: 1},
		},
	}
	jobdefs := &fakeJobDefStore{defs: map[id.JobDefinitionID]*jobdef.JobDefinition{
		defID: {ID: defID, CanRestart: true},
	}}
	deadLetters := deadletter.NewService(dlStore, instances)

	s := supervisor.New(supervisor.Options{
		NodeID:      id.New(id.PrefixNode),
		Bindings:    &fakeBindingStore{},
		Instances:   instances,
		JobDefs:     jobdefs,
		DeadLetters: deadLetters,
		Extensions:  ext.NewRegistry(slog.Default()),
		Runner:      noopRunner{},
		Config:      jqm.Config{MaxRestartChain: 1},
	})

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if len(instances.enqueued) != 0 {
		t.Errorf("expected no restart once chain cap reached, got %d", len(instances.enqueued))
	}
	if len(dlStore.pushed) != 1 {
		t.Errorf("expected 1 dead-lettered instance, got %d", len(dlStore.pushed))
	}

	_ = s.Shutdown(context.Background())
}

func TestSupervisor_ReconfigureStartsAndStopsBindings(t *testing.T) {
	nodeID := id.New(id.PrefixNode)
	binding := &deployment.Binding{
		ID: id.New(id.PrefixBinding), NodeID: nodeID, MaxConcurrent: 2,
		PollInterval: time.Millisecond, Enabled: true,
	}
	bindings := &fakeBindingStore{bindings: []*deployment.Binding{binding}}

	s := supervisor.New(supervisor.Options{
		NodeID:      nodeID,
		Bindings:    bindings,
		Instances:   &fakeInstanceStore{},
		JobDefs:     &fakeJobDefStore{defs: map[id.JobDefinitionID]*jobdef.JobDefinition{}},
		DeadLetters: deadletter.NewService(&fakeDeadLetterStore{}, &fakeInstanceStore{}),
		Extensions:  ext.NewRegistry(slog.Default()),
		Runner:      noopRunner{},
		Config:      jqm.DefaultConfig(),
	})

	if err := s.Reconfigure(context.Background()); err != nil {
		t.Fatalf("Reconfigure (start): %v", err)
	}

	bindings.bindings = nil
	if err := s.Reconfigure(context.Background()); err != nil {
		t.Fatalf("Reconfigure (stop): %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = s.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return promptly")
	}
}
