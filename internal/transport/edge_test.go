package transport

import (
	"testing"

	"firestige.xyz/eegpipe/internal/core"
)

type testReleaser struct{ released int }

func (r *testReleaser) ReleasePacket(p *core.Packet) { r.released++ }

func newTestPacket(frameID uint64) *core.Packet {
	pkt := core.NewPacket(core.VariantRawI32, &testReleaser{})
	pkt.PrepareForAcquire()
	pkt.Header.FrameID = frameID
	return pkt
}

func TestEdgeFanOutDeliversToEachSubscriber(t *testing.T) {
	e := NewEdge("e0", nil)
	r1 := e.Subscribe(4)
	r2 := e.Subscribe(4)

	e.TrySend(newTestPacket(1))

	p1, ok := r1.TryRecv()
	if !ok || p1.Header.FrameID != 1 {
		t.Fatal("expected subscriber 1 to receive the packet")
	}
	p2, ok := r2.TryRecv()
	if !ok || p2.Header.FrameID != 1 {
		t.Fatal("expected subscriber 2 to receive the packet")
	}
}

// TestEdgeSlowSubscriberDropsOldestWithoutBlockingOthers verifies the
// per-subscriber back-pressure contract: one lagging consumer never
// stalls delivery to a fast one.
func TestEdgeSlowSubscriberDropsOldestWithoutBlockingOthers(t *testing.T) {
	events := &recordingSink{}
	e := NewEdge("e1", events)
	slow := e.Subscribe(1)
	fast := e.Subscribe(8)

	for i := uint64(1); i <= 3; i++ {
		e.TrySend(newTestPacket(i))
	}

	// The slow subscriber should hold only the newest packet (oldest dropped).
	p, ok := slow.TryRecv()
	if !ok {
		t.Fatal("expected the slow subscriber to still hold one packet")
	}
	if p.Header.FrameID != 3 {
		t.Errorf("expected the slow subscriber to retain the newest packet, got frame %d", p.Header.FrameID)
	}
	if events.count == 0 {
		t.Error("expected at least one OverflowLagged event")
	}

	// The fast subscriber must have seen all three, in order.
	for i := uint64(1); i <= 3; i++ {
		q, ok := fast.TryRecv()
		if !ok || q.Header.FrameID != i {
			t.Fatalf("expected fast subscriber frame %d, got ok=%v frame=%v", i, ok, q)
		}
	}
}

func TestEdgeCloseMarksReceiverClosedOnceDrained(t *testing.T) {
	e := NewEdge("e2", nil)
	r := e.Subscribe(4)
	e.TrySend(newTestPacket(1))
	e.Close()

	if r.Closed() {
		t.Fatal("receiver should not report closed while a buffered packet remains")
	}
	if _, ok := r.TryRecv(); !ok {
		t.Fatal("expected to drain the buffered packet")
	}
	if !r.Closed() {
		t.Fatal("expected receiver to report closed once drained")
	}
}

func TestSPSCEdgeBackPressureReturnsFalseOnFull(t *testing.T) {
	e := NewSPSCEdge(1)
	if !e.TrySend(newTestPacket(1)) {
		t.Fatal("expected the first send to succeed")
	}
	if e.TrySend(newTestPacket(2)) {
		t.Fatal("expected the second send to report back-pressure")
	}
}

func TestSPSCEdgeReceiverClosedOnceDrained(t *testing.T) {
	e := NewSPSCEdge(2)
	e.TrySend(newTestPacket(1))
	e.Close()
	r := e.Receiver()

	if r.Closed() {
		t.Fatal("should not be closed while a packet remains buffered")
	}
	r.TryRecv()
	if !r.Closed() {
		t.Fatal("expected closed once drained")
	}
}

type recordingSink struct{ count int }

func (r *recordingSink) Publish(err *core.EngineError) { r.count++ }
