package runner_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/deadletter"
	"github.com/ErikWegner/jqm/deliverable"
	"github.com/ErikWegner/jqm/ext"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
	"github.com/ErikWegner/jqm/jobdef"
	"github.com/ErikWegner/jqm/message"
	"github.com/ErikWegner/jqm/queue"
	"github.com/ErikWegner/jqm/runner"
	"github.com/ErikWegner/jqm/runtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeJobDefStore struct {
	jobdef.Store
	byID   map[id.JobDefinitionID]*jobdef.JobDefinition
	byName map[string]*jobdef.JobDefinition
}

func newFakeJobDefStore() *fakeJobDefStore {
	return &fakeJobDefStore{
		byID:   make(map[id.JobDefinitionID]*jobdef.JobDefinition),
		byName: make(map[string]*jobdef.JobDefinition),
	}
}

func (f *fakeJobDefStore) put(def *jobdef.JobDefinition) {
	f.byID[def.ID] = def
	f.byName[def.ApplicationName] = def
}

func (f *fakeJobDefStore) GetJobDefinition(_ context.Context, id id.JobDefinitionID) (*jobdef.JobDefinition, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, jqm.ErrJobDefinitionNotFound
	}
	return d, nil
}

func (f *fakeJobDefStore) GetJobDefinitionByName(_ context.Context, name string) (*jobdef.JobDefinition, error) {
	d, ok := f.byName[name]
	if !ok {
		return nil, jqm.ErrJobDefinitionNotFound
	}
	return d, nil
}

type fakeInstanceStore struct {
	instance.Store

	mu        sync.Mutex
	instances map[id.InstanceID]*instance.Instance
	enqueued  []instance.EnqueueRequest
	archived  []id.InstanceID
}

func newFakeInstanceStore() *fakeInstanceStore {
	return &fakeInstanceStore{instances: make(map[id.InstanceID]*instance.Instance)}
}

func (f *fakeInstanceStore) put(inst *instance.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID] = inst
}

func (f *fakeInstanceStore) Transition(_ context.Context, instanceID id.InstanceID, from, to instance.State, mutate func(*instance.Instance)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok || inst.State != from {
		return jqm.ErrStateConflict
	}
	mutate(inst)
	inst.State = to
	return nil
}

func (f *fakeInstanceStore) UpdateProgress(_ context.Context, instanceID id.InstanceID, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return jqm.ErrInstanceNotFound
	}
	inst.Progress = &n
	return nil
}

func (f *fakeInstanceStore) ArchiveTerminal(_ context.Context, instanceID id.InstanceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, instanceID)
	return nil
}

func (f *fakeInstanceStore) GetInstance(_ context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, jqm.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeInstanceStore) Enqueue(_ context.Context, req instance.EnqueueRequest) (*instance.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, req)
	inst := &instance.Instance{
		ID:              id.NewInstanceID(),
		JobDefinitionID: req.JobDefinitionID,
		QueueID:         req.QueueID,
		State:           instance.StateSubmitted,
		ParentInstance:  req.ParentInstance,
		ChainLength:     req.ChainLength,
		HighlanderMode:  req.HighlanderMode,
	}
	f.instances[inst.ID] = inst
	return inst, nil
}

type fakeQueueStore struct {
	queue.Store
}

func (fakeQueueStore) GetQueueByName(_ context.Context, name string) (*queue.Queue, error) {
	return &queue.Queue{ID: id.NewQueueID(), Name: name}, nil
}

type fakeMessageStore struct {
	message.Store
	mu       sync.Mutex
	messages []*message.Message
}

func (f *fakeMessageStore) Append(_ context.Context, m *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

type fakeDeliverableStore struct {
	deliverable.Store
	mu   sync.Mutex
	rows []*deliverable.Deliverable
}

func (f *fakeDeliverableStore) Insert(_ context.Context, d *deliverable.Deliverable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, d)
	return nil
}

type fakeDeadLetterStore struct {
	deadletter.Store
	pushed []*deadletter.Entry
}

func (f *fakeDeadLetterStore) Push(_ context.Context, e *deadletter.Entry) error {
	f.pushed = append(f.pushed, e)
	return nil
}

type fakeArtifactLoader struct{ path string }

func (f fakeArtifactLoader) Load(_ context.Context, _, _ string) (string, error) { return f.path, nil }

type failingArtifactLoader struct{ err error }

func (f failingArtifactLoader) Load(_ context.Context, _, _ string) (string, error) {
	return "", f.err
}

func newHarness(t *testing.T) (*runner.Runner, *fakeInstanceStore, *fakeJobDefStore, *jobdef.Registry) {
	t.Helper()
	tmpDir := t.TempDir()

	jobdefs := newFakeJobDefStore()
	instances := newFakeInstanceStore()
	registry := jobdef.NewRegistry()

	deliverables := deliverable.NewRepository(&fakeDeliverableStore{}, t.TempDir())
	deadLetters := deadletter.NewService(&fakeDeadLetterStore{}, instances)

	r := runner.New(runner.Options{
		NodeID:          id.NewNodeID(),
		TmpDir:          tmpDir,
		JobDefs:         jobdefs,
		Instances:       instances,
		Queues:          fakeQueueStore{},
		Messages:        &fakeMessageStore{},
		Deliverables:    deliverables,
		DeadLetters:     deadLetters,
		Registry:        registry,
		Artifacts:       fakeArtifactLoader{path: "/artifacts/noop"},
		Extensions:      ext.NewRegistry(discardLogger()),
		Logger:          discardLogger(),
		MaxRestartChain: 1,
		MaxMessageChars: message.MaxChars,
	})

	return r, instances, jobdefs, registry
}

func attributedInstance(defID id.JobDefinitionID, queueID id.QueueID) *instance.Instance {
	now := time.Now().UTC()
	return &instance.Instance{
		ID:              id.NewInstanceID(),
		JobDefinitionID: defID,
		QueueID:         queueID,
		State:           instance.StateAttributed,
		EnqueueTime:     now,
		AttributionTime: &now,
	}
}

func TestRunner_SuccessfulRunEndsInstance(t *testing.T) {
	r, instances, jobdefs, registry := newHarness(t)

	def := &jobdef.JobDefinition{ID: id.NewJobDefinitionID(), ApplicationName: "noop-app", EntryPointClass: "noop"}
	jobdefs.put(def)
	jobdef.RegisterDefinition(registry, jobdef.NewDefinition("noop", func(ctx runtime.JobContext, _ struct{}) error {
		ctx.SendMessage("hello")
		ctx.SendProgress(50)
		return nil
	}))

	inst := attributedInstance(def.ID, id.NewQueueID())
	instances.put(inst)

	r.Run(context.Background(), inst)

	got, err := instances.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.State != instance.StateEnded {
		t.Errorf("expected ENDED, got %s", got.State)
	}
	if len(instances.archived) != 1 {
		t.Errorf("expected instance to be archived, got %d archive calls", len(instances.archived))
	}
}

func TestRunner_CrashWithoutRestartByDefault(t *testing.T) {
	r, instances, jobdefs, registry := newHarness(t)

	def := &jobdef.JobDefinition{ID: id.NewJobDefinitionID(), ApplicationName: "boom-app", EntryPointClass: "boom", CanRestart: false}
	jobdefs.put(def)
	jobdef.RegisterDefinition(registry, jobdef.NewDefinition("boom", func(_ runtime.JobContext, _ struct{}) error {
		return errors.New("boom")
	}))

	inst := attributedInstance(def.ID, id.NewQueueID())
	instances.put(inst)

	r.Run(context.Background(), inst)

	got, _ := instances.GetInstance(context.Background(), inst.ID)
	if got.State != instance.StateCrashed {
		t.Errorf("expected CRASHED, got %s", got.State)
	}
	if len(instances.enqueued) != 0 {
		t.Errorf("expected no restart enqueued, got %d", len(instances.enqueued))
	}
}

func TestRunner_CrashWithRestartEnqueuesChild(t *testing.T) {
	r, instances, jobdefs, registry := newHarness(t)

	def := &jobdef.JobDefinition{ID: id.NewJobDefinitionID(), ApplicationName: "retry-app", EntryPointClass: "retry", CanRestart: true}
	jobdefs.put(def)
	jobdef.RegisterDefinition(registry, jobdef.NewDefinition("retry", func(_ runtime.JobContext, _ struct{}) error {
		return errors.New("transient failure")
	}))

	inst := attributedInstance(def.ID, id.NewQueueID())
	instances.put(inst)

	r.Run(context.Background(), inst)

	if len(instances.enqueued) != 1 {
		t.Fatalf("expected one restart to be enqueued, got %d", len(instances.enqueued))
	}
	if instances.enqueued[0].ParentInstance != inst.ID {
		t.Errorf("expected restart's ParentInstance to be %s, got %s", inst.ID, instances.enqueued[0].ParentInstance)
	}
	if instances.enqueued[0].ChainLength != 1 {
		t.Errorf("expected restart ChainLength=1, got %d", instances.enqueued[0].ChainLength)
	}
}

func TestRunner_RestartChainCapDeadLetters(t *testing.T) {
	r, instances, jobdefs, registry := newHarness(t)

	def := &jobdef.JobDefinition{ID: id.NewJobDefinitionID(), ApplicationName: "cap-app", EntryPointClass: "cap", CanRestart: true}
	jobdefs.put(def)
	jobdef.RegisterDefinition(registry, jobdef.NewDefinition("cap", func(_ runtime.JobContext, _ struct{}) error {
		return errors.New("still failing")
	}))

	inst := attributedInstance(def.ID, id.NewQueueID())
	inst.ChainLength = 1 // already at MaxRestartChain
	instances.put(inst)

	r.Run(context.Background(), inst)

	if len(instances.enqueued) != 0 {
		t.Errorf("expected no further restart once chain cap reached, got %d", len(instances.enqueued))
	}
}

func TestRunner_ArtifactLoadFailureCrashesWithoutRestart(t *testing.T) {
	_, instances, jobdefs, registry := newHarness(t)

	def := &jobdef.JobDefinition{ID: id.NewJobDefinitionID(), ApplicationName: "missing-app", EntryPointClass: "missing", CanRestart: true}
	jobdefs.put(def)

	inst := attributedInstance(def.ID, id.NewQueueID())
	instances.put(inst)

	// Swap in a failing artifact loader via a fresh runner instance.
	tmpDir := t.TempDir()
	failingRunner := runner.New(runner.Options{
		NodeID:          id.NewNodeID(),
		TmpDir:          tmpDir,
		JobDefs:         jobdefs,
		Instances:       instances,
		Queues:          fakeQueueStore{},
		Messages:        &fakeMessageStore{},
		Deliverables:    deliverable.NewRepository(&fakeDeliverableStore{}, t.TempDir()),
		DeadLetters:     deadletter.NewService(&fakeDeadLetterStore{}, instances),
		Registry:        registry,
		Artifacts:       failingArtifactLoader{err: errors.New("network unreachable")},
		Extensions:      ext.NewRegistry(discardLogger()),
		Logger:          discardLogger(),
		MaxRestartChain: 1,
		MaxMessageChars: message.MaxChars,
	})

	failingRunner.Run(context.Background(), inst)

	got, _ := instances.GetInstance(context.Background(), inst.ID)
	if got.State != instance.StateCrashed {
		t.Errorf("expected CRASHED, got %s", got.State)
	}
	if len(instances.enqueued) != 0 {
		t.Errorf("expected no restart on artifact load failure, got %d", len(instances.enqueued))
	}
}

func TestRunner_KillRequestedYieldsKilled(t *testing.T) {
	r, instances, jobdefs, registry := newHarness(t)

	started := make(chan struct{})
	def := &jobdef.JobDefinition{ID: id.NewJobDefinitionID(), ApplicationName: "kill-app", EntryPointClass: "kill", CanRestart: true}
	jobdefs.put(def)
	jobdef.RegisterDefinition(registry, jobdef.NewDefinition("kill", func(ctx runtime.JobContext, _ struct{}) error {
		close(started)
		for i := 0; i < 100; i++ {
			if err := ctx.Yield(); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	}))

	inst := attributedInstance(def.ID, id.NewQueueID())
	instances.put(inst)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), inst)
		close(done)
	}()

	<-started
	time.Sleep(2 * time.Millisecond)
	instances.mu.Lock()
	instances.instances[inst.ID].KillRequested = true
	instances.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not finish after kill request")
	}

	got, _ := instances.GetInstance(context.Background(), inst.ID)
	if got.State != instance.StateKilled {
		t.Errorf("expected KILLED, got %s", got.State)
	}
	if len(instances.enqueued) != 0 {
		t.Errorf("expected no restart after kill, got %d", len(instances.enqueued))
	}
}

// TestRunner_NonYieldingPayloadIgnoresKillRequest is the negative half
// of the cooperative cancellation contract: a payload that never calls
// Yield is not interruptible and must stay RUNNING until it finishes
// on its own, even after KillRequested is set (§5).
func TestRunner_NonYieldingPayloadIgnoresKillRequest(t *testing.T) {
	r, instances, jobdefs, registry := newHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})
	def := &jobdef.JobDefinition{ID: id.NewJobDefinitionID(), ApplicationName: "stubborn-app", EntryPointClass: "stubborn", CanRestart: true}
	jobdefs.put(def)
	jobdef.RegisterDefinition(registry, jobdef.NewDefinition("stubborn", func(_ runtime.JobContext, _ struct{}) error {
		close(started)
		<-release
		return nil
	}))

	inst := attributedInstance(def.ID, id.NewQueueID())
	instances.put(inst)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), inst)
		close(done)
	}()

	<-started
	instances.mu.Lock()
	instances.instances[inst.ID].KillRequested = true
	instances.mu.Unlock()

	// A kill request alone must never finish the run; only the
	// payload's own return does.
	select {
	case <-done:
		t.Fatal("runner finished before the non-yielding payload returned on its own")
	case <-time.After(50 * time.Millisecond):
	}

	got, _ := instances.GetInstance(context.Background(), inst.ID)
	if got.State != instance.StateRunning {
		t.Errorf("expected the instance to remain RUNNING, got %s", got.State)
	}

	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not finish after the payload returned")
	}

	got, _ = instances.GetInstance(context.Background(), inst.ID)
	if got.State != instance.StateEnded {
		t.Errorf("expected ENDED once the payload finished, got %s", got.State)
	}
}

func TestRunner_CASLossAbortsCleanly(t *testing.T) {
	r, instances, jobdefs, registry := newHarness(t)

	def := &jobdef.JobDefinition{ID: id.NewJobDefinitionID(), ApplicationName: "cas-app", EntryPointClass: "cas"}
	jobdefs.put(def)
	jobdef.RegisterDefinition(registry, jobdef.NewDefinition("cas", func(_ runtime.JobContext, _ struct{}) error {
		t.Error("handler should not run when the ATTRIBUTED->RUNNING CAS loses")
		return nil
	}))

	inst := attributedInstance(def.ID, id.NewQueueID())
	inst.State = instance.StateCancelled // already moved on
	instances.put(inst)

	r.Run(context.Background(), inst)

	if len(instances.archived) != 0 {
		t.Errorf("expected no archive on CAS loss, got %d", len(instances.archived))
	}
}

func TestRunner_QuietPayloadEnds(t *testing.T) {
	r, instances, jobdefs, registry := newHarness(t)

	def := &jobdef.JobDefinition{ID: id.NewJobDefinitionID(), ApplicationName: "quiet-app", EntryPointClass: "quiet"}
	jobdefs.put(def)
	jobdef.RegisterDefinition(registry, jobdef.NewDefinition("quiet", func(_ runtime.JobContext, _ struct{}) error {
		return nil
	}))

	inst := attributedInstance(def.ID, id.NewQueueID())
	instances.put(inst)

	r.Run(context.Background(), inst)

	// stdout.log is written to by the Runner itself ("instance %s
	// finished"), so it is non-empty even for a payload that prints
	// nothing; this test checks that such a run still ends normally.
	got, _ := instances.GetInstance(context.Background(), inst.ID)
	if got.State != instance.StateEnded {
		t.Fatalf("expected ENDED, got %s", got.State)
	}
}
