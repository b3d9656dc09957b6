// Package runner implements the Runner (§4.6): the control task that
// drives one instance end-to-end, from ATTRIBUTED through invocation to
// a terminal state and archival. One Runner goroutine exists per
// in-flight instance; the Dispatcher owns its lifetime.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/deadletter"
	"github.com/ErikWegner/jqm/deliverable"
	"github.com/ErikWegner/jqm/ext"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
	"github.com/ErikWegner/jqm/jobdef"
	"github.com/ErikWegner/jqm/killsignal"
	"github.com/ErikWegner/jqm/message"
	"github.com/ErikWegner/jqm/middleware"
	"github.com/ErikWegner/jqm/queue"
	"github.com/ErikWegner/jqm/runtime"
)

// killWatchInterval bounds how long watchKill takes to notice a kill
// request via polling when no killsignal.Notifier is configured (the
// Redis fast path, when present, usually wins this race). It only
// affects how soon Yield can short-circuit on the cached marker; a
// payload's own Yield calls always fall back to a direct store check.
const killWatchInterval = 2 * time.Second

// ArtifactLoader resolves a JobDefinition.ArtifactPath to a local
// filesystem path, fetching it into the node's content-addressed cache
// if it is not already present (§4.6 step 1).
type ArtifactLoader interface {
	Load(ctx context.Context, artifactPath, version string) (localPath string, err error)
}

// Runner drives instances to completion for a single node.
type Runner struct {
	nodeID id.NodeID
	tmpDir string

	jobdefs      jobdef.Store
	instances    instance.Store
	queues       queue.Store
	messages     message.Store
	deliverables *deliverable.Repository
	deadLetters  *deadletter.Service
	registry     *jobdef.Registry
	artifacts    ArtifactLoader
	killSignal   *killsignal.Notifier

	extensions *ext.Registry
	chain      middleware.Middleware

	logger          *slog.Logger
	maxRestartChain int
	maxMessageChars int
}

// Options configures a Runner. All fields are required unless noted.
type Options struct {
	NodeID          id.NodeID
	TmpDir          string
	JobDefs         jobdef.Store
	Instances       instance.Store
	Queues          queue.Store
	Messages        message.Store
	Deliverables    *deliverable.Repository
	DeadLetters     *deadletter.Service
	Registry        *jobdef.Registry
	Artifacts       ArtifactLoader
	KillSignal      *killsignal.Notifier
	Extensions      *ext.Registry
	Logger          *slog.Logger
	MaxRestartChain int
	MaxMessageChars int
}

// New constructs a Runner. The middleware chain applied around every
// invocation is Logging -> Recover -> Timeout -> Tracing -> Metrics,
// matching the order documented in the middleware package.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		nodeID:          opts.NodeID,
		tmpDir:          opts.TmpDir,
		jobdefs:         opts.JobDefs,
		instances:       opts.Instances,
		queues:          opts.Queues,
		messages:        opts.Messages,
		deliverables:    opts.Deliverables,
		deadLetters:     opts.DeadLetters,
		registry:        opts.Registry,
		artifacts:       opts.Artifacts,
		killSignal:      opts.KillSignal,
		extensions:      opts.Extensions,
		logger:          logger,
		maxRestartChain: opts.MaxRestartChain,
		maxMessageChars: opts.MaxMessageChars,
		chain: middleware.Chain(
			middleware.Logging(logger),
			middleware.Recover(logger),
			middleware.Timeout(logger),
			middleware.Tracing(),
			middleware.Metrics(),
		),
	}
}

// Run implements dispatcher.RunFunc: it drives inst from ATTRIBUTED to a
// terminal state. Any error is handled internally; Run never returns an
// error to the Dispatcher, since a Runner failure is itself an instance
// outcome (§4.6).
func (r *Runner) Run(ctx context.Context, inst *instance.Instance) {
	def, err := r.jobdefs.GetJobDefinition(ctx, inst.JobDefinitionID)
	if err != nil {
		r.logger.Error("runner: job definition lookup failed",
			slog.String("instance_id", inst.ID.String()), slog.Any("error", err))
		r.crashWithoutRestart(ctx, inst, fmt.Errorf("job definition lookup: %w", err))
		return
	}

	localPath, err := r.artifacts.Load(ctx, def.ArtifactPath, "")
	if err != nil {
		r.logger.Error("runner: artifact load failed",
			slog.String("instance_id", inst.ID.String()), slog.String("artifact", def.ArtifactPath), slog.Any("error", err))
		r.crashWithoutRestart(ctx, inst, fmt.Errorf("%w: %v", jqm.ErrArtifactUnavailable, err))
		return
	}

	handler, ok := r.registry.Get(def.EntryPointClass)
	if !ok {
		r.crashWithoutRestart(ctx, inst, fmt.Errorf("%w: %s", jqm.ErrHandlerNotRegistered, def.EntryPointClass))
		return
	}

	params := mergeParameters(def.DefaultParameters, inst.Parameters)
	inst.Timeout = def.Timeout

	workDir, err := os.MkdirTemp(r.tmpDir, "jqm-"+inst.ID.String()+"-")
	if err != nil {
		r.crashWithoutRestart(ctx, inst, fmt.Errorf("prepare work dir: %w", err))
		return
	}
	defer os.RemoveAll(workDir)

	startedAt := time.Now().UTC()
	if err := r.instances.Transition(ctx, inst.ID, instance.StateAttributed, instance.StateRunning, func(i *instance.Instance) {
		i.StartTime = &startedAt
	}); err != nil {
		// CAS loser: the instance was killed, cancelled, or re-queued
		// out from under us between reservation and start. No side
		// effects — whatever changed its state owns the outcome.
		r.logger.Info("runner: could not transition to RUNNING, aborting",
			slog.String("instance_id", inst.ID.String()), slog.Any("error", err))
		return
	}
	inst.State = instance.StateRunning
	inst.StartTime = &startedAt
	r.extensions.EmitInstanceStarted(ctx, inst)

	msgLog := message.NewLog(r.messages, inst.ID, r.maxMessageChars)
	defer msgLog.Close()

	stdout, stderr, closeLogs := r.openCaptureFiles(workDir)
	defer closeLogs()

	// watchCtx only bounds the watchKill goroutine's own lifetime; it
	// is never handed to the payload or the middleware chain, so a
	// kill request can never unilaterally cancel their execution.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	killObserved := new(atomic.Bool)
	go r.watchKill(watchCtx, killObserved, inst.ID)

	jctx := &instanceContext{
		ctx:          ctx,
		runner:       r,
		inst:         inst,
		params:       params,
		workDir:      workDir,
		msgLog:       msgLog,
		artifactPath: localPath,
		killObserved: killObserved,
	}

	invokeErr := r.chain(ctx, inst, func(ctx context.Context) error {
		jctx.ctx = ctx
		return handler(jctx, params)
	})

	fmt.Fprintf(stdout, "instance %s finished\n", inst.ID)
	if invokeErr != nil {
		fmt.Fprintf(stderr, "%v\n", invokeErr)
	}

	r.finalize(ctx, def, inst, startedAt, invokeErr, workDir)
}

// finalize drives the terminal transition (§4.6 step 6), archives the
// instance, captures implicit deliverables, and schedules a restart or
// dead-letters the chain as appropriate.
func (r *Runner) finalize(ctx context.Context, def *jobdef.JobDefinition, inst *instance.Instance, startedAt time.Time, invokeErr error, workDir string) {
	endedAt := time.Now().UTC()
	elapsed := endedAt.Sub(startedAt)

	to := instance.StateEnded
	reason := ""

	switch {
	case invokeErr == nil:
		to = instance.StateEnded
	case inst.KillRequested, errors.Is(invokeErr, context.Canceled), errors.Is(invokeErr, runtime.Cancelled):
		to = instance.StateKilled
		reason = "killed"
	case errors.Is(invokeErr, context.DeadlineExceeded):
		to = instance.StateKilled
		reason = "timeout"
	default:
		to = instance.StateCrashed
		reason = invokeErr.Error()
	}

	if err := r.instances.Transition(ctx, inst.ID, instance.StateRunning, to, func(i *instance.Instance) {
		i.EndTime = &endedAt
		i.Reason = reason
	}); err != nil {
		r.logger.Error("runner: terminal transition failed",
			slog.String("instance_id", inst.ID.String()), slog.String("to", string(to)), slog.Any("error", err))
		return
	}
	inst.State = to
	inst.EndTime = &endedAt
	inst.Reason = reason

	r.captureImplicitDeliverables(ctx, inst, workDir)

	if err := r.instances.ArchiveTerminal(ctx, inst.ID); err != nil {
		r.logger.Error("runner: archive failed",
			slog.String("instance_id", inst.ID.String()), slog.Any("error", err))
	}

	switch to {
	case instance.StateEnded:
		r.extensions.EmitInstanceEnded(ctx, inst, elapsed)
	case instance.StateKilled:
		r.extensions.EmitInstanceKilled(ctx, inst)
	case instance.StateCrashed:
		r.extensions.EmitInstanceCrashed(ctx, inst, invokeErr)
		r.maybeRestart(ctx, def, inst)
	}
}

// maybeRestart re-enqueues a crashed instance as a new child, unless the
// definition disallows restarts or the chain has hit its cap, in which
// case the chain is dead-lettered instead (§4.6, Open Question 2).
func (r *Runner) maybeRestart(ctx context.Context, def *jobdef.JobDefinition, inst *instance.Instance) {
	if !def.CanRestart {
		return
	}

	if inst.ChainLength >= r.maxRestartChain {
		if err := r.deadLetters.Push(ctx, inst); err != nil {
			r.logger.Error("runner: dead-letter push failed",
				slog.String("instance_id", inst.ID.String()), slog.Any("error", err))
			return
		}
		r.extensions.EmitDeadLettered(ctx, inst)
		return
	}

	child, err := r.instances.Enqueue(ctx, instance.EnqueueRequest{
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
		r.logger.Error("runner: restart enqueue failed",
			slog.String("instance_id", inst.ID.String()), slog.Any("error", err))
		return
	}

	r.extensions.EmitRestartScheduled(ctx, inst, child)
}

// watchKill sets observed once inst's KillRequested marker appears, so
// the payload's own Yield calls can return runtime.Cancelled without a
// store round trip (§5.1). It never cancels the payload's context: a
// payload that never calls Yield is not interruptible and keeps
// running until it finishes on its own (§5). The killSignal fast path,
// when configured, usually notices before the next killWatchInterval
// poll; either way the database marker stays the source of truth.
func (r *Runner) watchKill(ctx context.Context, observed *atomic.Bool, instanceID id.InstanceID) {
	ticker := time.NewTicker(killWatchInterval)
	defer ticker.Stop()

	var fastPath <-chan struct{}
	if r.killSignal != nil {
		fastPath = r.killSignal.Listen(ctx, instanceID)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-fastPath:
			fastPath = nil
			if r.killRequested(ctx, instanceID) {
				observed.Store(true)
				return
			}
		case <-ticker.C:
			if r.killRequested(ctx, instanceID) {
				observed.Store(true)
				return
			}
		}
	}
}

func (r *Runner) killRequested(ctx context.Context, instanceID id.InstanceID) bool {
	current, err := r.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return false
	}
	return current.KillRequested
}

// crashWithoutRestart handles failures observed before the instance
// reaches RUNNING (§4.6): artifact load, missing handler, or work
// directory setup. These are configuration errors, never restarted.
func (r *Runner) crashWithoutRestart(ctx context.Context, inst *instance.Instance, cause error) {
	endedAt := time.Now().UTC()
	if err := r.instances.Transition(ctx, inst.ID, instance.StateAttributed, instance.StateCrashed, func(i *instance.Instance) {
		i.EndTime = &endedAt
		i.Reason = cause.Error()
	}); err != nil {
		r.logger.Error("runner: pre-run crash transition failed",
			slog.String("instance_id", inst.ID.String()), slog.Any("error", err))
		return
	}
	inst.State = instance.StateCrashed
	inst.EndTime = &endedAt
	inst.Reason = cause.Error()

	if err := r.instances.ArchiveTerminal(ctx, inst.ID); err != nil {
		r.logger.Error("runner: archive failed", slog.String("instance_id", inst.ID.String()), slog.Any("error", err))
	}
	r.extensions.EmitInstanceCrashed(ctx, inst, cause)
}

// openCaptureFiles creates the implicit stdout/stderr deliverable files
// for one instance's work directory (§4.6 step 5). Payload code has no
// OS-level stdout of its own to redirect (it runs as an in-process Go
// function, not a subprocess); these files exist so a payload that
// chooses to write diagnostic output via GetWorkDir() lands somewhere
// the engine will pick up automatically.
func (r *Runner) openCaptureFiles(workDir string) (stdout, stderr *os.File, closeFn func()) {
	stdout, errOut := os.Create(filepath.Join(workDir, "stdout.log"))
	if errOut != nil {
		stdout = nil
	}
	stderr, errErr := os.Create(filepath.Join(workDir, "stderr.log"))
	if errErr != nil {
		stderr = nil
	}

	return stdout, stderr, func() {
		if stdout != nil {
			stdout.Close()
		}
		if stderr != nil {
			stderr.Close()
		}
	}
}

// captureImplicitDeliverables moves any non-empty stdout.log/stderr.log
// from the work directory into the deliverable store before it is
// purged.
func (r *Runner) captureImplicitDeliverables(ctx context.Context, inst *instance.Instance, workDir string) {
	for _, name := range []string{"stdout.log", "stderr.log"} {
		path := filepath.Join(workDir, name)
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}
		if _, err := r.deliverables.Move(ctx, inst.ID, path, name, true); err != nil {
			r.logger.Warn("runner: failed to capture implicit deliverable",
				slog.String("instance_id", inst.ID.String()), slog.String("file", name), slog.Any("error", err))
		}
	}
}

// mergeParameters merges JobDefinition defaults with instance
// parameters; the instance's own parameters win on key collision
// (§4.6 step 2).
func mergeParameters(defaults, override map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(override))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
