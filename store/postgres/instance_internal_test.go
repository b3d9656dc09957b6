package postgres

import (
	"testing"
	"time"

	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
)

func TestSortByPriorityThenEnqueue(t *testing.T) {
	base := time.Now().UTC()
	low := &instance.Instance{ID: id.NewInstanceID(), Priority: 1, EnqueueTime: base}
	highLater := &instance.Instance{ID: id.NewInstanceID(), Priority: 5, EnqueueTime: base.Add(time.Second)}
	highEarlier := &instance.Instance{ID: id.NewInstanceID(), Priority: 5, EnqueueTime: base}

	instances := []*instance.Instance{low, highLater, highEarlier}
	sortByPriorityThenEnqueue(instances)

	if instances[0] != highEarlier || instances[1] != highLater || instances[2] != low {
		t.Fatalf("expected (priority DESC, enqueueTime ASC) order, got %+v", instances)
	}
}

func TestNilableID(t *testing.T) {
	if got := nilableID(id.Nil); got != "" {
		t.Errorf("expected empty string for id.Nil, got %q", got)
	}

	n := id.NewNodeID()
	if got := nilableID(n); got != n.String() {
		t.Errorf("expected %q, got %q", n.String(), got)
	}
}
