package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ErikWegner/jqm/instance"
	"github.com/ErikWegner/jqm/message"
	"github.com/ErikWegner/jqm/runtime"
)

// instanceContext is the concrete runtime.JobContext handed to a
// payload's entry point (§4.6 step 4). It is not safe for use outside
// the Runner goroutine that owns it.
type instanceContext struct {
	ctx          context.Context
	runner       *Runner
	inst         *instance.Instance
	params       map[string]string
	workDir      string
	msgLog       *message.Log
	artifactPath string

	// killObserved is set by watchKill once it sees the instance's
	// KillRequested marker, letting Yield short-circuit without a
	// store round trip. It never causes ctx itself to be cancelled: a
	// payload that never calls Yield keeps running to completion.
	killObserved *atomic.Bool
}

var _ runtime.JobContext = (*instanceContext)(nil)

func (c *instanceContext) Context() context.Context {
	return c.ctx
}

func (c *instanceContext) Parameters() map[string]string {
	return c.params
}

func (c *instanceContext) SendMessage(text string) {
	if c.checkYield() {
		return
	}
	c.msgLog.Append(text)
}

func (c *instanceContext) SendProgress(n int) {
	if c.checkYield() {
		return
	}
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	if err := c.runner.instances.UpdateProgress(c.ctx, c.inst.ID, n); err != nil {
		c.runner.logger.Warn("runner: update progress failed",
			slog.String("instance_id", c.inst.ID.String()), slog.Any("error", err))
	}
}

func (c *instanceContext) AddDeliverable(srcPath, label string) (string, error) {
	if err := c.Yield(); err != nil {
		return "", err
	}
	d, err := c.runner.deliverables.Move(c.ctx, c.inst.ID, srcPath, label, false)
	if err != nil {
		return "", err
	}
	return d.ID.String(), nil
}

func (c *instanceContext) GetWorkDir() string {
	c.checkYield()
	return c.workDir
}

func (c *instanceContext) Enqueue(spec runtime.ChildSpec) (string, error) {
	if err := c.Yield(); err != nil {
		return "", err
	}
	q, err := c.runner.queues.GetQueueByName(c.ctx, spec.QueueName)
	if err != nil {
		return "", fmt.Errorf("runner: enqueue child: resolve queue %q: %w", spec.QueueName, err)
	}

	def, err := c.runner.jobdefs.GetJobDefinitionByName(c.ctx, spec.EntryPointClass)
	if err != nil {
		return "", fmt.Errorf("runner: enqueue child: resolve job definition %q: %w", spec.EntryPointClass, err)
	}

	child, err := c.runner.instances.Enqueue(c.ctx, instance.EnqueueRequest{
		JobDefinitionID: def.ID,
		QueueID:         q.ID,
		Priority:        spec.Priority,
		Parameters:      spec.Parameters,
		ParentInstance:  c.inst.ID,
		HighlanderMode:  def.HighlanderMode,
	})
	if err != nil {
		return "", err
	}

	c.runner.extensions.EmitInstanceEnqueued(c.ctx, child)

	return child.ID.String(), nil
}

// Yield checks for cooperative cancellation (§5): it is the only way a
// payload observes a kill request, since nothing ever cancels ctx out
// from under it. killObserved is a cache watchKill fills in from the
// database marker or the pub/sub fast path; when set it lets Yield
// return Cancelled without a store round trip. When unset, Yield still
// falls back to asking the store directly, so a payload that yields
// before watchKill's next poll still notices promptly.
func (c *instanceContext) Yield() error {
	if err := c.ctx.Err(); err != nil {
		return err
	}

	if c.killObserved != nil && c.killObserved.Load() {
		c.inst.KillRequested = true
		return runtime.Cancelled
	}

	current, err := c.runner.instances.GetInstance(c.ctx, c.inst.ID)
	if err != nil {
		// Store errors at yield are not fatal to the payload; the
		// authoritative check simply happens next time.
		return nil
	}
	if current.KillRequested {
		c.inst.KillRequested = true
		if c.killObserved != nil {
			c.killObserved.Store(true)
		}
		return runtime.Cancelled
	}

	return nil
}

// checkYield is Yield for the capability methods that don't return an
// error: it reports whether the instance is cancelled so the caller
// can skip its work, without exposing runtime.Cancelled through a
// signature the interface doesn't have.
func (c *instanceContext) checkYield() bool {
	return c.Yield() != nil
}
