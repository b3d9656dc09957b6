// Package supervisor implements the Engine Supervisor (C9, §4.9): boot
// crash recovery, starting and stopping one Poller+Dispatcher pair per
// deployment binding assigned to this node, reconfiguration on binding
// changes, and graceful shutdown.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/deadletter"
	"github.com/ErikWegner/jqm/deployment"
	"github.com/ErikWegner/jqm/dispatcher"
	"github.com/ErikWegner/jqm/ext"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
	"github.com/ErikWegner/jqm/jobdef"
	"github.com/ErikWegner/jqm/node"
	"github.com/ErikWegner/jqm/poller"
	"golang.org/x/sync/errgroup"
)

// Runner is the subset of runner.Runner the Supervisor needs: a
// dispatcher.RunFunc to hand to every Dispatcher it creates.
type Runner interface {
	Run(ctx context.Context, inst *instance.Instance)
}

// running pairs one Poller with the Dispatcher it feeds, keyed by
// binding so Reconfigure can diff against the current set.
type running struct {
	binding    *deployment.Binding
	poller     *poller.Poller
	dispatcher *dispatcher.Dispatcher
}

// Supervisor owns every Poller/Dispatcher pair for one node.
type Supervisor struct {
	nodeID id.NodeID

	nodes        node.Store
	bindings     *deployment.Registry
	bindingStore deployment.Store
	instances    instance.Store
	jobdefs      jobdef.Store
	deadLetters  *deadletter.Service
	extensions   *ext.Registry
	runner       Runner
	logger       *slog.Logger
	cfg          jqm.Config

	closer interface{ Close() error }

	mu      sync.Mutex
	running map[id.BindingID]*running

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// Options configures a Supervisor.
type Options struct {
	NodeID       id.NodeID
	Nodes        node.Store
	Bindings     deployment.Store
	Instances    instance.Store
	JobDefs      jobdef.Store
	DeadLetters  *deadletter.Service
	Extensions   *ext.Registry
	Runner       Runner
	Logger       *slog.Logger
	Config       jqm.Config
	Closer       interface{ Close() error }
}

// New constructs a Supervisor for one node.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		nodeID:       opts.NodeID,
		nodes:        opts.Nodes,
		bindings:     deployment.NewRegistry(opts.Bindings),
		bindingStore: opts.Bindings,
		instances:    opts.Instances,
		jobdefs:      opts.JobDefs,
		deadLetters:  opts.DeadLetters,
		extensions:   opts.Extensions,
		runner:       opts.Runner,
		logger:       logger,
		cfg:          opts.Config,
		closer:       opts.Closer,
		running:      make(map[id.BindingID]*running),
	}
}

// Boot recovers instances orphaned by a previous crash of this node,
// then starts a Poller/Dispatcher pair for every currently enabled
// deployment binding (§4.9).
func (s *Supervisor) Boot(ctx context.Context) error {
	if err := s.recoverCrashed(ctx); err != nil {
		return err
	}

	if err := s.Reconfigure(ctx); err != nil {
		return err
	}

	s.startHeartbeat(ctx)

	return nil
}

// recoverCrashed transitions every ATTRIBUTED/RUNNING instance still
// attributed to this node to CRASHED, archives it, and applies the same
// restart-or-dead-letter policy a live Runner would have applied on a
// normal crash (§4.1, §4.9).
func (s *Supervisor) recoverCrashed(ctx context.Context) error {
	recovered, err := s.instances.RecoverCrashed(ctx, s.nodeID)
	if err != nil {
		return err
	}

	for _, inst := range recovered {
		s.logger.Warn("supervisor: recovered orphaned instance at boot",
			slog.String("instance_id", inst.ID.String()))

		if err := s.instances.ArchiveTerminal(ctx, inst.ID); err != nil {
			s.logger.Error("supervisor: archive recovered instance failed",
				slog.String("instance_id", inst.ID.String()), slog.Any("error", err))
		}
		s.extensions.EmitInstanceCrashed(ctx, inst, errBootRecovery)

		def, err := s.jobdefs.GetJobDefinition(ctx, inst.JobDefinitionID)
		if err != nil || !def.CanRestart {
			continue
		}

		if inst.ChainLength >= s.cfg.MaxRestartChain {
			if err := s.deadLetters.Push(ctx, inst); err != nil {
				s.logger.Error("supervisor: dead-letter push failed",
					slog.String("instance_id", inst.ID.String()), slog.Any("error", err))
			} else {
				s.extensions.EmitDeadLettered(ctx, inst)
			}
			continue
		}

		child, err := s.instances.Enqueue(ctx, instance.EnqueueRequest{
			JobDefinitionID: inst.JobDefinitionID,
			QueueID:         inst.QueueID,
			Priority:        inst.Priority,
			UserTags:        inst.UserTags,
			Parameters:      inst.Parameters,
			ParentInstance:  inst.ID,
			ChainLength:     inst.ChainLength + 1,
			HighlanderMode:  inst.HighlanderMode,
		})
		if err != nil {
			s.logger.Error("supervisor: boot-recovery restart failed",
				slog.String("instance_id", inst.ID.String()), slog.Any("error", err))
			continue
		}
		s.extensions.EmitRestartScheduled(ctx, inst, child)
	}

	return nil
}

// Reconfigure diffs the current running set against the bindings
// currently assigned to this node: stops pairs for removed or disabled
// bindings, starts pairs for new ones, and restarts a pair whose
// MaxConcurrent changed (the Dispatcher's capacity is fixed at
// construction, §4.9).
func (s *Supervisor) Reconfigure(ctx context.Context) error {
	bindings, err := s.bindings.BindingsFor(ctx, s.nodeID)
	if err != nil {
		return err
	}

	wanted := make(map[id.BindingID]*deployment.Binding, len(bindings))
	for _, b := range bindings {
		if b.Enabled && b.MaxConcurrent > 0 {
			wanted[b.ID] = b
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for bindingID, r := range s.running {
		next, stillWanted := wanted[bindingID]
		if !stillWanted || next.MaxConcurrent != r.binding.MaxConcurrent {
			s.stopLocked(r)
			delete(s.running, bindingID)
		}
	}

	for bindingID, b := range wanted {
		if _, ok := s.running[bindingID]; ok {
			continue
		}
		s.running[bindingID] = s.startPair(ctx, b)
	}

	return nil
}

func (s *Supervisor) startPair(ctx context.Context, b *deployment.Binding) *running {
	maxConcurrent := b.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = s.cfg.NodeMaxConcurrentDefault
	}
	if b.PollInterval <= 0 {
		b.PollInterval = s.cfg.NodePollIntervalDefault
	}

	d := dispatcher.New(maxConcurrent, s.runner.Run, s.logger)
	p := poller.New(s.nodeID, b.ID, s.bindingStore, s.instances, d, s.logger)
	p.Start(ctx)

	s.logger.Info("supervisor: started poller",
		slog.String("binding_id", b.ID.String()), slog.Int("max_concurrent", maxConcurrent))

	return &running{binding: b, poller: p, dispatcher: d}
}

func (s *Supervisor) stopLocked(r *running) {
	r.poller.Stop()
	r.dispatcher.Drain(s.cfg.DrainTimeout)
	s.logger.Info("supervisor: stopped poller", slog.String("binding_id", r.binding.ID.String()))
}

// Shutdown stops every Poller, drains every Dispatcher up to
// Config.DrainTimeout, notifies extensions, and closes the store
// (§4.9).
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopHeartbeat()

	s.mu.Lock()
	pairs := make([]*running, 0, len(s.running))
	for _, r := range s.running {
		pairs = append(pairs, r)
	}
	s.running = make(map[id.BindingID]*running)
	s.mu.Unlock()

	var g errgroup.Group
	for _, r := range pairs {
		r := r
		g.Go(func() error {
			s.stopLocked(r)
			return nil
		})
	}
	_ = g.Wait()

	s.extensions.EmitShutdown(ctx)

	if s.closer != nil {
		return s.closer.Close()
	}

	return nil
}

func (s *Supervisor) startHeartbeat(ctx context.Context) {
	if s.nodes == nil {
		return
	}

	s.heartbeatStop = make(chan struct{})
	s.heartbeatDone = make(chan struct{})

	interval := s.cfg.NodePollIntervalDefault
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(s.heartbeatDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.heartbeatStop:
				return
			case <-ticker.C:
				if err := s.nodes.Heartbeat(ctx, s.nodeID); err != nil {
					s.logger.Warn("supervisor: heartbeat failed", slog.Any("error", err))
				}
			}
		}
	}()
}

func (s *Supervisor) stopHeartbeat() {
	if s.heartbeatStop == nil {
		return
	}
	close(s.heartbeatStop)
	<-s.heartbeatDone
}

var errBootRecovery = bootRecoveryError{}

type bootRecoveryError struct{}

func (bootRecoveryError) Error() string { return "jqm: instance orphaned by node crash" }
