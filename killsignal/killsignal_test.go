package killsignal_test

import (
	"context"
	"testing"
	"time"

	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/killsignal"
)

func TestNew_EmptyAddrReturnsNilNotifier(t *testing.T) {
	n := killsignal.New("", nil)
	if n != nil {
		t.Fatalf("expected nil Notifier for empty addr, got %v", n)
	}
}

func TestNilNotifier_PublishAndListenAreNoops(t *testing.T) {
	var n *killsignal.Notifier

	// Publish on a nil Notifier must not panic.
	n.Publish(context.Background(), id.NewInstanceID())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	fired := n.Listen(ctx, id.NewInstanceID())
	select {
	case _, ok := <-fired:
		if ok {
			t.Error("expected closed channel with no value from nil Notifier")
		}
	case <-time.After(time.Second):
		t.Fatal("Listen on nil Notifier did not close its channel promptly")
	}

	if err := n.Close(); err != nil {
		t.Errorf("Close on nil Notifier: %v", err)
	}
}
