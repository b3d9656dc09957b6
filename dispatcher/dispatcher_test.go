package dispatcher_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ErikWegner/jqm/dispatcher"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
)

func newTestInstance() *instance.Instance {
	return &instance.Instance{
		ID:              id.NewInstanceID(),
		JobDefinitionID: id.NewJobDefinitionID(),
		QueueID:         id.NewQueueID(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_FreeAndInFlight(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)

	d := dispatcher.New(2, func(ctx context.Context, inst *instance.Instance) {
		started.Done()
		<-release
	}, discardLogger())

	if d.Free() != 2 {
		t.Fatalf("expected Free()=2 before admission, got %d", d.Free())
	}

	if !d.TryAdmit(context.Background(), newTestInstance()) {
		t.Fatal("expected admission to succeed")
	}
	started.Wait()

	if got := d.Free(); got != 1 {
		t.Errorf("expected Free()=1 after one admission, got %d", got)
	}
	if got := d.InFlight(); got != 1 {
		t.Errorf("expected InFlight()=1, got %d", got)
	}

	close(release)
	d.Drain(time.Second)
}

func TestDispatcher_RefusesWhenFull(t *testing.T) {
	release := make(chan struct{})

	d := dispatcher.New(1, func(ctx context.Context, inst *instance.Instance) {
		<-release
	}, discardLogger())

	if !d.TryAdmit(context.Background(), newTestInstance()) {
		t.Fatal("expected first admission to succeed")
	}

	// Give the goroutine a chance to occupy the permit.
	deadline := time.Now().Add(time.Second)
	for d.Free() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if d.TryAdmit(context.Background(), newTestInstance()) {
		t.Error("expected second admission to be refused at capacity")
	}

	close(release)
	d.Drain(time.Second)
}

func TestDispatcher_DrainWaitsForInFlight(t *testing.T) {
	var ran atomic.Bool

	d := dispatcher.New(1, func(ctx context.Context, inst *instance.Instance) {
		time.Sleep(20 * time.Millisecond)
		ran.Store(true)
	}, discardLogger())

	if !d.TryAdmit(context.Background(), newTestInstance()) {
		t.Fatal("expected admission to succeed")
	}

	d.Drain(time.Second)

	if !ran.Load() {
		t.Error("expected run function to complete before Drain returned")
	}
	if d.Free() != 1 {
		t.Errorf("expected all permits free after drain, got %d", d.Free())
	}
}

func TestDispatcher_DrainRefusesFurtherAdmission(t *testing.T) {
	d := dispatcher.New(1, func(ctx context.Context, inst *instance.Instance) {}, discardLogger())

	d.Drain(time.Second)

	if d.TryAdmit(context.Background(), newTestInstance()) {
		t.Error("expected TryAdmit to refuse after Drain")
	}
}

func TestDispatcher_DrainForceCancelsOnDeadlineExceeded(t *testing.T) {
	cancelled := make(chan struct{})

	d := dispatcher.New(1, func(ctx context.Context, inst *instance.Instance) {
		<-ctx.Done()
		close(cancelled)
	}, discardLogger())

	if !d.TryAdmit(context.Background(), newTestInstance()) {
		t.Fatal("expected admission to succeed")
	}

	d.Drain(10 * time.Millisecond)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected run context to be force-cancelled after drain deadline")
	}
}
