// Package client provides the in-process Client API exposed to
// producers and monitors (§6.2): enqueue, inspect, and control
// instances without importing the engine's internal packages directly.
//
// Usage:
//
//	c := client.New(client.Options{
//	    JobDefs:   jobdefStore,
//	    Queues:    queueStore,
//	    Instances: instanceStore,
//	    Messages:  messageStore,
//	    Deliverables: deliverableStore,
//	})
//
//	id, err := c.Enqueue(ctx, "send-email", instance.UserTags{}, nil)
//	state, err := c.EnqueueSync(ctx, "send-email", instance.UserTags{}, nil)
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/deadletter"
	"github.com/ErikWegner/jqm/deliverable"
	"github.com/ErikWegner/jqm/history"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
	"github.com/ErikWegner/jqm/jobdef"
	"github.com/ErikWegner/jqm/killsignal"
	"github.com/ErikWegner/jqm/message"
	"github.com/ErikWegner/jqm/queue"
)

// defaultPollInterval is EnqueueSync's fallback cadence when Options
// doesn't set one.
const defaultPollInterval = 500 * time.Millisecond

// Client is a thin, in-process wrapper over the Store interfaces: the
// abstract surface of §6, not a wire protocol (§6.2).
type Client struct {
	jobdefs      jobdef.Store
	queues       queue.Store
	instances    instance.Store
	messages     message.Store
	deliverables deliverable.Store
	history      history.Store
	deadLetters  *deadletter.Service
	killNotifier *killsignal.Notifier
	logger       *slog.Logger
	pollInterval time.Duration
}

// Options configures a Client. JobDefs, Queues, and Instances are
// required; Messages, Deliverables, History, and DeadLetters may be
// nil if the caller never calls the corresponding methods.
type Options struct {
	JobDefs      jobdef.Store
	Queues       queue.Store
	Instances    instance.Store
	Messages     message.Store
	Deliverables deliverable.Store
	History      history.Store
	DeadLetters  *deadletter.Service
	KillNotifier *killsignal.Notifier
	Logger       *slog.Logger
	PollInterval time.Duration
}

// New constructs a Client from opts.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Client{
		jobdefs:      opts.JobDefs,
		queues:       opts.Queues,
		instances:    opts.Instances,
		messages:     opts.Messages,
		deliverables: opts.Deliverables,
		history:      opts.History,
		deadLetters:  opts.DeadLetters,
		killNotifier: opts.KillNotifier,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// Enqueue submits a new instance of applicationName's JobDefinition and
// returns immediately with its ID; it does not wait for attribution or
// completion.
func (c *Client) Enqueue(ctx context.Context, applicationName string, tags instance.UserTags, parameters map[string]string) (id.ID, error) {
	def, err := c.jobdefs.GetJobDefinitionByName(ctx, applicationName)
	if err != nil {
		return id.Nil, fmt.Errorf("jqm/client: enqueue: %w", err)
	}

	q, err := c.queues.GetQueueByName(ctx, def.DefaultQueue)
	if err != nil {
		return id.Nil, fmt.Errorf("jqm/client: enqueue: resolve queue %q: %w", def.DefaultQueue, err)
	}

	merged := mergeParameters(def.DefaultParameters, parameters)

	inst, err := c.instances.Enqueue(ctx, instance.EnqueueRequest{
		JobDefinitionID: def.ID,
		QueueID:         q.ID,
		Priority:        q.DefaultPriority,
		UserTags:        tags,
		Parameters:      merged,
		HighlanderMode:  def.HighlanderMode,
	})
	if err != nil {
		return id.Nil, fmt.Errorf("jqm/client: enqueue: %w", err)
	}
	return inst.ID, nil
}

// EnqueueSync submits a new instance and blocks until it reaches a
// terminal state, polling GetState at PollInterval; equivalent to
// Enqueue plus polling (§6).
func (c *Client) EnqueueSync(ctx context.Context, applicationName string, tags instance.UserTags, parameters map[string]string) (instance.State, error) {
	instanceID, err := c.Enqueue(ctx, applicationName, tags, parameters)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			state, err := c.GetState(ctx, instanceID)
			if err != nil {
				return "", err
			}
			if state.Terminal() {
				return state, nil
			}
		}
	}
}

// GetState returns instanceID's current lifecycle state. A terminal
// instance is archived into history.Store shortly after it finishes
// (§4.6 step 6), so once the live row is gone this falls back to the
// archived HistoryRecord's FinalState.
func (c *Client) GetState(ctx context.Context, instanceID id.ID) (instance.State, error) {
	inst, err := c.instances.GetInstance(ctx, instanceID)
	if err == nil {
		return inst.State, nil
	}
	if !errors.Is(err, jqm.ErrInstanceNotFound) || c.history == nil {
		return "", fmt.Errorf("jqm/client: get state: %w", err)
	}

	record, histErr := c.history.GetHistory(ctx, instanceID)
	if histErr != nil {
		return "", fmt.Errorf("jqm/client: get state: %w", err)
	}
	return record.FinalState, nil
}

// ListInstances returns every instance matching filter.
func (c *Client) ListInstances(ctx context.Context, filter instance.ListFilter) ([]*instance.Instance, error) {
	instances, err := c.instances.ListInstances(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("jqm/client: list instances: %w", err)
	}
	return instances, nil
}

// GetMessages returns instanceID's message log in sequence order.
func (c *Client) GetMessages(ctx context.Context, instanceID id.ID) ([]*message.Message, error) {
	if c.messages == nil {
		return nil, fmt.Errorf("jqm/client: get messages: no message store configured")
	}
	messages, err := c.messages.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("jqm/client: get messages: %w", err)
	}
	return messages, nil
}

// GetProgress returns instanceID's last reported progress, or nil if
// the payload never called sendProgress.
func (c *Client) GetProgress(ctx context.Context, instanceID id.ID) (*int, error) {
	inst, err := c.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("jqm/client: get progress: %w", err)
	}
	return inst.Progress, nil
}

// GetDeliverables lists instanceID's deliverables.
func (c *Client) GetDeliverables(ctx context.Context, instanceID id.ID) ([]*deliverable.Deliverable, error) {
	if c.deliverables == nil {
		return nil, fmt.Errorf("jqm/client: get deliverables: no deliverable store configured")
	}
	deliverables, err := c.deliverables.ListDeliverables(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("jqm/client: get deliverables: %w", err)
	}
	return deliverables, nil
}

// DownloadDeliverable reads a deliverable's bytes off the node's
// deliverable repository. deliverableID must have been returned by
// GetDeliverables; the file is addressed by the path recorded at
// Insert time (§4.8).
func (c *Client) DownloadDeliverable(ctx context.Context, deliverableID id.ID) ([]byte, error) {
	if c.deliverables == nil {
		return nil, fmt.Errorf("jqm/client: download deliverable: no deliverable store configured")
	}
	d, err := c.deliverables.GetDeliverable(ctx, deliverableID)
	if err != nil {
		return nil, fmt.Errorf("jqm/client: download deliverable: %w", err)
	}
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("jqm/client: download deliverable: read %s: %w", d.Path, err)
	}
	return data, nil
}

// Kill sets instanceID's pending-kill marker and, if a Redis
// KillNotifier is configured, fans the marker out over pub/sub so a
// co-located Runner notices sooner than its next poll (§5.1). The
// database marker is set unconditionally and remains authoritative
// even if the notify fails or no notifier is configured.
func (c *Client) Kill(ctx context.Context, instanceID id.ID) error {
	if err := c.instances.RequestKill(ctx, instanceID); err != nil {
		return fmt.Errorf("jqm/client: kill: %w", err)
	}
	c.killNotifier.Publish(ctx, instanceID)
	return nil
}

// Pause transitions instanceID from SUBMITTED to HOLD.
func (c *Client) Pause(ctx context.Context, instanceID id.ID) error {
	if err := c.instances.Hold(ctx, instanceID); err != nil {
		return fmt.Errorf("jqm/client: pause: %w", err)
	}
	return nil
}

// Resume transitions instanceID from HOLD back to SUBMITTED.
func (c *Client) Resume(ctx context.Context, instanceID id.ID) error {
	if err := c.instances.Resume(ctx, instanceID); err != nil {
		return fmt.Errorf("jqm/client: resume: %w", err)
	}
	return nil
}

// SetPriority updates instanceID's Priority. Fails with
// jqm.ErrStateConflict if the instance has already reached a terminal
// state.
func (c *Client) SetPriority(ctx context.Context, instanceID id.ID, priority int) error {
	if err := c.instances.SetPriority(ctx, instanceID, priority); err != nil {
		return fmt.Errorf("jqm/client: set priority: %w", err)
	}
	return nil
}

// Replay re-enqueues entryID's dead-lettered chain as a fresh instance
// on queueName, with ChainLength reset to 0, and marks the entry
// replayed.
func (c *Client) Replay(ctx context.Context, entryID id.ID, queueName string) (id.ID, error) {
	if c.deadLetters == nil {
		return id.Nil, fmt.Errorf("jqm/client: replay: no dead-letter service configured")
	}
	q, err := c.queues.GetQueueByName(ctx, queueName)
	if err != nil {
		return id.Nil, fmt.Errorf("jqm/client: replay: resolve queue %q: %w", queueName, err)
	}
	inst, err := c.deadLetters.Replay(ctx, entryID, q.ID)
	if err != nil {
		return id.Nil, fmt.Errorf("jqm/client: replay: %w", err)
	}
	return inst.ID, nil
}

// mergeParameters overlays override onto base, returning a new map;
// neither argument is mutated.
func mergeParameters(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
