// Package poller implements one polling loop per deployment binding
// (§4.3, §4.4): repeatedly reserving SUBMITTED instances for a
// (node, queue) pair and handing them to a Dispatcher.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/backoff"
	"github.com/ErikWegner/jqm/deployment"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
)

// Admitter is the subset of dispatcher.Dispatcher a Poller needs.
type Admitter interface {
	Free() int
	TryAdmit(ctx context.Context, inst *instance.Instance) bool
}

const backoffCap = 60 * time.Second

// Poller drives one deployment binding's admission loop (§4.4).
type Poller struct {
	nodeID    id.NodeID
	bindingID id.BindingID
	bindings  deployment.Store
	instances instance.Store
	admitter  Admitter
	logger    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Poller for a single deployment binding.
func New(nodeID id.NodeID, bindingID id.BindingID, bindings deployment.Store, instances instance.Store, admitter Admitter, logger *slog.Logger) *Poller {
	return &Poller{
		nodeID:    nodeID,
		bindingID: bindingID,
		bindings:  bindings,
		instances: instances,
		admitter:  admitter,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop signals the loop to exit and blocks until it has.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		interval, err := p.tick(ctx)
		if err != nil {
			if errors.Is(err, jqm.ErrBackendUnavailable) {
				failures++
				interval = backoff.NewExponentialWithJitter(interval, backoffCap).Delay(failures)
				p.logger.Warn("poller backend unavailable, backing off",
					slog.String("binding_id", p.bindingID.String()),
					slog.Duration("delay", interval))
			} else {
				p.logger.Error("poller tick failed",
					slog.String("binding_id", p.bindingID.String()),
					slog.Any("error", err))
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// tick executes one iteration of §4.4's 5-step contract and returns the
// base interval the caller should sleep for (before backoff is applied
// on BackendUnavailable).
func (p *Poller) tick(ctx context.Context) (time.Duration, error) {
	binding, err := p.bindings.GetBinding(ctx, p.bindingID)
	if err != nil {
		return time.Second, err
	}

	interval := binding.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	// Step 1.
	if !binding.Enabled || binding.MaxConcurrent == 0 {
		return interval, nil
	}

	// Step 2.
	free := p.admitter.Free()
	if free == 0 {
		return interval, nil
	}

	// Step 3.
	reserved, err := p.instances.ReserveNext(ctx, p.nodeID, binding.QueueID, free)
	if err != nil {
		return interval, err
	}

	// Step 4.
	for _, inst := range reserved {
		if p.admitter.TryAdmit(ctx, inst) {
			continue
		}

		if rqErr := p.instances.Transition(ctx, inst.ID, instance.StateAttributed, instance.StateSubmitted, func(i *instance.Instance) {
			i.AttributedNode = id.Nil
			i.AttributionTime = nil
		}); rqErr != nil {
			p.logger.Error("poller failed to re-queue refused instance",
				slog.String("instance_id", inst.ID.String()),
				slog.Any("error", rqErr))
		}
	}

	// Step 5.
	return interval, nil
}
