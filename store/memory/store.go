// Package memory is a fully in-memory implementation of store.Store:
// single mutex, map-of-pointers, sorted-copy-on-read. Intended for unit
// tests and local development, not production use (§8.1).
package memory

import (
	"sort"
	"sync"
	"time"

	"context"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/deadletter"
	"github.com/ErikWegner/jqm/deliverable"
	"github.com/ErikWegner/jqm/deployment"
	"github.com/ErikWegner/jqm/history"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
	"github.com/ErikWegner/jqm/jobdef"
	"github.com/ErikWegner/jqm/message"
	"github.com/ErikWegner/jqm/node"
	"github.com/ErikWegner/jqm/queue"
)

// Ensure Store implements every subsystem's Store at compile time. We
// can't import the store package here (import cycle), so each
// interface is checked individually.
var (
	_ jobdef.Store      = (*Store)(nil)
	_ queue.Store       = (*Store)(nil)
	_ node.Store        = (*Store)(nil)
	_ deployment.Store  = (*Store)(nil)
	_ instance.Store    = (*Store)(nil)
	_ message.Store     = (*Store)(nil)
	_ deliverable.Store = (*Store)(nil)
	_ deadletter.Store  = (*Store)(nil)
	_ history.Store     = (*Store)(nil)
)

// Store is a fully in-memory implementation of every JQM store
// interface. Safe for concurrent access.
type Store struct {
	mu sync.RWMutex

	jobDefs      map[string]*jobdef.JobDefinition
	queues       map[string]*queue.Queue
	nodes        map[string]*node.Node
	bindings     map[string]*deployment.Binding
	instances    map[string]*instance.Instance
	messages     map[string][]*message.Message
	msgSeq       map[string]int
	deliverables map[string]*deliverable.Deliverable
	deadLetters  map[string]*deadletter.Entry
	history      map[string]*history.Record
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobDefs:      make(map[string]*jobdef.JobDefinition),
		queues:       make(map[string]*queue.Queue),
		nodes:        make(map[string]*node.Node),
		bindings:     make(map[string]*deployment.Binding),
		instances:    make(map[string]*instance.Instance),
		messages:     make(map[string][]*message.Message),
		msgSeq:       make(map[string]int),
		deliverables: make(map[string]*deliverable.Deliverable),
		deadLetters:  make(map[string]*deadletter.Entry),
		history:      make(map[string]*history.Record),
	}
}

// ── Lifecycle ──

func (m *Store) Migrate(_ context.Context) error { return nil }
func (m *Store) Ping(_ context.Context) error    { return nil }
func (m *Store) Close() error                    { return nil }

// ── JobDefinition Store ──

func (m *Store) CreateJobDefinition(_ context.Context, def *jobdef.JobDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.jobDefs {
		if existing.ApplicationName == def.ApplicationName {
			return jqm.ErrJobDefinitionExists
		}
	}

	cp := *def
	m.jobDefs[def.ID.String()] = &cp
	return nil
}

func (m *Store) GetJobDefinition(_ context.Context, defID id.JobDefinitionID) (*jobdef.JobDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.jobDefs[defID.String()]
	if !ok {
		return nil, jqm.ErrJobDefinitionNotFound
	}
	cp := *def
	return &cp, nil
}

func (m *Store) GetJobDefinitionByName(_ context.Context, applicationName string) (*jobdef.JobDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, def := range m.jobDefs {
		if def.ApplicationName == applicationName {
			cp := *def
			return &cp, nil
		}
	}
	return nil, jqm.ErrJobDefinitionNotFound
}

func (m *Store) ListJobDefinitions(_ context.Context) ([]*jobdef.JobDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*jobdef.JobDefinition, 0, len(m.jobDefs))
	for _, def := range m.jobDefs {
		cp := *def
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].ApplicationName < result[k].ApplicationName })
	return result, nil
}

func (m *Store) DeleteJobDefinition(_ context.Context, defID id.JobDefinitionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := defID.String()
	if _, ok := m.jobDefs[key]; !ok {
		return jqm.ErrJobDefinitionNotFound
	}
	delete(m.jobDefs, key)
	return nil
}

// ── Queue Store ──

func (m *Store) CreateQueue(_ context.Context, q *queue.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *q
	m.queues[q.ID.String()] = &cp
	return nil
}

func (m *Store) GetQueue(_ context.Context, queueID id.QueueID) (*queue.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[queueID.String()]
	if !ok {
		return nil, jqm.ErrQueueNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *Store) GetQueueByName(_ context.Context, name string) (*queue.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, q := range m.queues {
		if q.Name == name {
			cp := *q
			return &cp, nil
		}
	}
	return nil, jqm.ErrQueueNotFound
}

func (m *Store) ListQueues(_ context.Context) ([]*queue.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		cp := *q
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Name < result[k].Name })
	return result, nil
}

func (m *Store) CountSubmitted(_ context.Context, queueID id.QueueID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.countSubmittedLocked(queueID), nil
}

func (m *Store) countSubmittedLocked(queueID id.QueueID) int {
	count := 0
	for _, inst := range m.instances {
		if inst.QueueID == queueID && inst.State == instance.StateSubmitted {
			count++
		}
	}
	return count
}

// ── Node Store ──

func (m *Store) Register(_ context.Context, n *node.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *n
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.LastSeen = time.Now().UTC()
	m.nodes[n.ID.String()] = &cp
	return nil
}

func (m *Store) Deregister(_ context.Context, nodeID id.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nodeID.String()
	if _, ok := m.nodes[key]; !ok {
		return jqm.ErrNodeNotFound
	}
	delete(m.nodes, key)
	return nil
}

func (m *Store) Heartbeat(_ context.Context, nodeID id.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID.String()]
	if !ok {
		return jqm.ErrNodeNotFound
	}
	n.LastSeen = time.Now().UTC()
	return nil
}

func (m *Store) Get(_ context.Context, nodeID id.NodeID) (*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[nodeID.String()]
	if !ok {
		return nil, jqm.ErrNodeNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *Store) List(_ context.Context) ([]*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*node.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })
	return result, nil
}

func (m *Store) ReapDead(_ context.Context, threshold time.Duration) ([]*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*node.Node
	for _, n := range m.nodes {
		if n.LastSeen.Before(cutoff) {
			cp := *n
			dead = append(dead, &cp)
		}
	}
	return dead, nil
}

// ── Deployment Store ──

func (m *Store) CreateBinding(_ context.Context, b *deployment.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *b
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.bindings[b.ID.String()] = &cp
	return nil
}

func (m *Store) UpdateBinding(_ context.Context, b *deployment.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := b.ID.String()
	if _, ok := m.bindings[key]; !ok {
		return jqm.ErrBindingNotFound
	}
	cp := *b
	cp.UpdatedAt = time.Now().UTC()
	m.bindings[key] = &cp
	return nil
}

func (m *Store) GetBinding(_ context.Context, bindingID id.BindingID) (*deployment.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bindings[bindingID.String()]
	if !ok {
		return nil, jqm.ErrBindingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Store) DeleteBinding(_ context.Context, bindingID id.BindingID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bindingID.String()
	if _, ok := m.bindings[key]; !ok {
		return jqm.ErrBindingNotFound
	}
	delete(m.bindings, key)
	return nil
}

func (m *Store) ListByNode(_ context.Context, nodeID id.NodeID) ([]*deployment.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*deployment.Binding, 0)
	for _, b := range m.bindings {
		if b.NodeID == nodeID {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })
	return result, nil
}

// ── Instance Store ──

func (m *Store) Enqueue(_ context.Context, req instance.EnqueueRequest) (*instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[req.QueueID.String()]; ok && q.MaxSize > 0 {
		if m.countSubmittedLocked(req.QueueID) >= q.MaxSize {
			return nil, jqm.ErrQueueFull
		}
	}

	inst := &instance.Instance{
		ID:              id.NewInstanceID(),
		JobDefinitionID: req.JobDefinitionID,
		QueueID:         req.QueueID,
		State:           instance.StateSubmitted,
		Priority:        req.Priority,
		EnqueueTime:     time.Now().UTC(),
		UserTags:        req.UserTags,
		Parameters:      req.Parameters,
		ParentInstance:  req.ParentInstance,
		ChainLength:     req.ChainLength,
		HighlanderMode:  req.HighlanderMode,
	}

	m.instances[inst.ID.String()] = inst
	cp := *inst
	return &cp, nil
}

func (m *Store) ReserveNext(_ context.Context, nodeID id.NodeID, queueID id.QueueID, limit int) ([]*instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*instance.Instance, 0)
	for _, inst := range m.instances {
		if inst.QueueID == queueID && inst.State == instance.StateSubmitted {
			candidates = append(candidates, inst)
		}
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		if !candidates[i].EnqueueTime.Equal(candidates[k].EnqueueTime) {
			return candidates[i].EnqueueTime.Before(candidates[k].EnqueueTime)
		}
		return candidates[i].ID.String() < candidates[k].ID.String()
	})

	result := make([]*instance.Instance, 0, limit)
	for _, inst := range candidates {
		if limit > 0 && len(result) >= limit {
			break
		}
		if inst.HighlanderMode && m.hasActiveHighlanderLocked(inst.JobDefinitionID) {
			continue
		}

		now := time.Now().UTC()
		inst.State = instance.StateAttributed
		inst.AttributedNode = nodeID
		inst.AttributionTime = &now

		cp := *inst
		result = append(result, &cp)
	}

	return result, nil
}

// hasActiveHighlanderLocked reports whether defID already has an
// instance in ATTRIBUTED or RUNNING (invariant 3). Caller holds m.mu.
func (m *Store) hasActiveHighlanderLocked(defID id.JobDefinitionID) bool {
	for _, inst := range m.instances {
		if inst.JobDefinitionID != defID {
			continue
		}
		if inst.State == instance.StateAttributed || inst.State == instance.StateRunning {
			return true
		}
	}
	return false
}

func (m *Store) Transition(_ context.Context, instanceID id.InstanceID, from, to instance.State, mutate func(*instance.Instance)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return jqm.ErrInstanceNotFound
	}
	if inst.State != from {
		return jqm.ErrStateConflict
	}

	inst.State = to
	if mutate != nil {
		mutate(inst)
	}
	return nil
}

func (m *Store) RequestKill(_ context.Context, instanceID id.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return jqm.ErrInstanceNotFound
	}
	inst.KillRequested = true
	return nil
}

func (m *Store) Hold(_ context.Context, instanceID id.InstanceID) error {
	return m.simpleCAS(instanceID, instance.StateSubmitted, instance.StateHold)
}

func (m *Store) Resume(_ context.Context, instanceID id.InstanceID) error {
	return m.simpleCAS(instanceID, instance.StateHold, instance.StateSubmitted)
}

func (m *Store) Cancel(_ context.Context, instanceID id.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return jqm.ErrInstanceNotFound
	}
	if inst.State != instance.StateSubmitted && inst.State != instance.StateHold {
		return jqm.ErrStateConflict
	}
	inst.State = instance.StateCancelled
	now := time.Now().UTC()
	inst.EndTime = &now
	return nil
}

func (m *Store) simpleCAS(instanceID id.InstanceID, from, to instance.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return jqm.ErrInstanceNotFound
	}
	if inst.State != from {
		return jqm.ErrStateConflict
	}
	inst.State = to
	return nil
}

func (m *Store) SetPriority(_ context.Context, instanceID id.InstanceID, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return jqm.ErrInstanceNotFound
	}
	if inst.State.Terminal() {
		return jqm.ErrStateConflict
	}
	inst.Priority = priority
	return nil
}

func (m *Store) UpdateProgress(_ context.Context, instanceID id.InstanceID, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return jqm.ErrInstanceNotFound
	}
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	inst.Progress = &n
	return nil
}

func (m *Store) ArchiveTerminal(_ context.Context, instanceID id.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return jqm.ErrInstanceNotFound
	}
	if !inst.State.Terminal() {
		return jqm.ErrStateConflict
	}

	m.history[instanceID.String()] = history.FromInstance(inst)
	delete(m.instances, instanceID.String())
	return nil
}

func (m *Store) RecoverCrashed(_ context.Context, nodeID id.NodeID) ([]*instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recovered []*instance.Instance
	for _, inst := range m.instances {
		if inst.AttributedNode != nodeID {
			continue
		}
		if inst.State != instance.StateAttributed && inst.State != instance.StateRunning {
			continue
		}
		inst.State = instance.StateCrashed
		now := time.Now().UTC()
		inst.EndTime = &now
		inst.Reason = "node crash"

		cp := *inst
		recovered = append(recovered, &cp)
	}
	return recovered, nil
}

func (m *Store) GetInstance(_ context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return nil, jqm.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *Store) ListInstances(_ context.Context, filter instance.ListFilter) ([]*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*instance.Instance, 0)
	for _, inst := range m.instances {
		if !matchesFilter(inst, filter) {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool { return result[i].EnqueueTime.Before(result[k].EnqueueTime) })

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchesFilter(inst *instance.Instance, f instance.ListFilter) bool {
	if !f.JobDefinitionID.IsNil() && inst.JobDefinitionID != f.JobDefinitionID {
		return false
	}
	if !f.QueueID.IsNil() && inst.QueueID != f.QueueID {
		return false
	}
	if f.State != "" && inst.State != f.State {
		return false
	}
	if f.Application != "" && inst.UserTags.Application != f.Application {
		return false
	}
	if f.Keyword1 != "" && inst.UserTags.Keyword1 != f.Keyword1 {
		return false
	}
	if f.Keyword2 != "" && inst.UserTags.Keyword2 != f.Keyword2 {
		return false
	}
	if f.Keyword3 != "" && inst.UserTags.Keyword3 != f.Keyword3 {
		return false
	}
	if f.SessionID != "" && inst.UserTags.SessionID != f.SessionID {
		return false
	}
	if f.User != "" && inst.UserTags.User != f.User {
		return false
	}
	return true
}

// ── Message Store ──

func (m *Store) Append(_ context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msg.InstanceID.String()
	m.msgSeq[key]++
	cp := *msg
	cp.Sequence = m.msgSeq[key]
	m.messages[key] = append(m.messages[key], &cp)
	return nil
}

func (m *Store) ListByInstance(_ context.Context, instanceID id.InstanceID) ([]*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[instanceID.String()]
	result := make([]*message.Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		result[i] = &cp
	}
	return result, nil
}

// ── Deliverable Store ──

func (m *Store) Insert(_ context.Context, d *deliverable.Deliverable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.deliverables[d.ID.String()] = &cp
	return nil
}

func (m *Store) GetDeliverable(_ context.Context, deliverableID id.DeliverableID) (*deliverable.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliverables[deliverableID.String()]
	if !ok {
		return nil, jqm.ErrDeliverableNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Store) ListDeliverables(_ context.Context, instanceID id.InstanceID) ([]*deliverable.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*deliverable.Deliverable, 0)
	for _, d := range m.deliverables {
		if d.InstanceID == instanceID {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })
	return result, nil
}

// ── Dead-Letter Store ──

func (m *Store) Push(_ context.Context, e *deadletter.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.deadLetters[e.ID.String()] = &cp
	return nil
}

func (m *Store) ListDeadLetters(_ context.Context, limit, offset int) ([]*deadletter.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*deadletter.Entry, 0, len(m.deadLetters))
	for _, e := range m.deadLetters {
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })

	if offset > 0 {
		if offset >= len(result) {
			return nil, nil
		}
		result = result[offset:]
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Store) GetDeadLetter(_ context.Context, deadLetterID id.DeadLetterID) (*deadletter.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.deadLetters[deadLetterID.String()]
	if !ok {
		return nil, jqm.ErrDeadLetterNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Store) MarkReplayed(_ context.Context, deadLetterID id.DeadLetterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.deadLetters[deadLetterID.String()]
	if !ok {
		return jqm.ErrDeadLetterNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// ── History Store ──

func (m *Store) GetHistory(_ context.Context, instanceID id.InstanceID) (*history.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.history[instanceID.String()]
	if !ok {
		return nil, jqm.ErrInstanceNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Store) ListHistory(_ context.Context, filter history.Filter) ([]*history.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*history.Record, 0)
	for _, r := range m.history {
		if !filter.JobDefinitionID.IsNil() && r.JobDefinitionID != filter.JobDefinitionID {
			continue
		}
		if !filter.QueueID.IsNil() && r.QueueID != filter.QueueID {
			continue
		}
		if filter.FinalState != "" && r.FinalState != filter.FinalState {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool { return result[i].EndTime.Before(result[k].EndTime) })

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}
