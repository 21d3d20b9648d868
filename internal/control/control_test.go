package control

import (
	"testing"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

func queuesFor(names ...string) map[string]chan stage.ParamUpdate {
	m := make(map[string]chan stage.ParamUpdate, len(names))
	for _, n := range names {
		m[n] = make(chan stage.ParamUpdate, 1)
	}
	return m
}

func TestUpdateParamDeliveredWhenUnlocked(t *testing.T) {
	adjacency := map[string][]string{"filter": {"sink"}}
	queues := queuesFor("filter", "sink")
	plane := NewPlane(adjacency, queues, func(string) bool { return false }, NewEventBus())

	if err := plane.UpdateParam("filter", "cutoff_hz", 30.0); err != nil {
		t.Fatalf("expected the update to be delivered, got %v", err)
	}
	select {
	case upd := <-queues["filter"]:
		if upd.Key != "cutoff_hz" {
			t.Errorf("unexpected key delivered: %s", upd.Key)
		}
	default:
		t.Fatal("expected the target stage's queue to receive the update")
	}
}

// TestUpdateParamRejectedWhenDescendantLocked verifies that a locked
// descendant blocks delivery even though the target itself is unlocked.
func TestUpdateParamRejectedWhenDescendantLocked(t *testing.T) {
	adjacency := map[string][]string{"filter": {"sink"}}
	queues := queuesFor("filter", "sink")
	locked := func(id string) bool { return id == "sink" }
	plane := NewPlane(adjacency, queues, locked, NewEventBus())

	err := plane.UpdateParam("filter", "cutoff_hz", 30.0)
	if err == nil {
		t.Fatal("expected the update to be rejected")
	}
	eerr, ok := err.(*core.EngineError)
	if !ok || eerr.Kind != core.KindRecordingLocked {
		t.Fatalf("expected KindRecordingLocked, got %v", err)
	}
	select {
	case <-queues["filter"]:
		t.Fatal("no stage should have observed the rejected update")
	default:
	}
}

func TestUpdateParamUnknownStage(t *testing.T) {
	plane := NewPlane(nil, queuesFor("a"), func(string) bool { return false }, NewEventBus())
	if err := plane.UpdateParam("nonexistent", "k", "v"); err == nil {
		t.Fatal("expected an error for an unknown stage")
	}
}

func TestEventBusFanOutAndNonBlockingOnFullSubscriber(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(1)
	sub2 := bus.Subscribe(1)

	bus.PublishStarted()
	evt := <-sub
	if !evt.Started {
		t.Fatal("expected a Started event")
	}
	if evt2 := <-sub2; !evt2.Started {
		t.Fatal("expected the second subscriber to receive Started too")
	}

	// Fill the subscriber's queue, then publish again: must not block.
	bus.Publish(core.NewError(core.KindGapDetected, "x"))
	done := make(chan struct{})
	go func() {
		bus.Publish(core.NewError(core.KindGapDetected, "y"))
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done // publish must return even though the subscriber hasn't drained
}
