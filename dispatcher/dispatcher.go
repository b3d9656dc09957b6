// Package dispatcher implements one bounded concurrency primitive per
// deployment binding (§4.5): a semaphore guarding how many Runners may
// be in flight for that (node, queue) pair. It has no knowledge of the
// database; the Poller is the only caller.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
)

// RunFunc drives one instance end-to-end (the Runner's entry point).
type RunFunc func(ctx context.Context, inst *instance.Instance)

// Dispatcher admits instances up to maxConcurrent and starts an
// independent goroutine per admission.
type Dispatcher struct {
	run           RunFunc
	logger        *slog.Logger
	maxConcurrent int

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	draining bool
	active   map[id.InstanceID]context.CancelFunc
}

// New creates a Dispatcher with the given capacity and run function.
func New(maxConcurrent int, run RunFunc, logger *slog.Logger) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &Dispatcher{
		run:           run,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
		active:        make(map[id.InstanceID]context.CancelFunc),
	}
}

// InFlight returns the number of Runners currently occupying a permit.
func (d *Dispatcher) InFlight() int {
	return len(d.sem)
}

// Free returns the number of permits currently available — the
// Poller's step 2 capacity query (§4.4).
func (d *Dispatcher) Free() int {
	return d.maxConcurrent - d.InFlight()
}

// TryAdmit attempts to reserve a permit and, on success, starts an
// independent goroutine running inst through RunFunc. Non-blocking:
// returns false immediately if no permit is free or the Dispatcher is
// draining.
func (d *Dispatcher) TryAdmit(ctx context.Context, inst *instance.Instance) bool {
	d.mu.Lock()
	draining := d.draining
	d.mu.Unlock()
	if draining {
		return false
	}

	select {
	case d.sem <- struct{}{}:
	default:
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.active[inst.ID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		defer func() {
			d.mu.Lock()
			delete(d.active, inst.ID)
			d.mu.Unlock()
			cancel()
		}()
		d.run(runCtx, inst)
	}()

	return true
}

// Drain stops admitting new instances and waits for every in-flight
// Runner to finish, up to deadline. Runners still in flight past the
// deadline have their context force-cancelled (§4.5); Drain then keeps
// blocking, with no further bound, until every one of them has returned.
func (d *Dispatcher) Drain(deadline time.Duration) {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher drained")
		return
	case <-time.After(deadline):
	}

	d.logger.Warn("dispatcher drain deadline exceeded, force-cancelling in-flight runners",
		slog.Int("in_flight", d.InFlight()))

	d.mu.Lock()
	for _, cancel := range d.active {
		cancel()
	}
	d.mu.Unlock()

	<-done
}
