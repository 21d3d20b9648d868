package transport

import (
	"sync/atomic"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// SPSCEdge is the single-producer, single-consumer specialization used
// for the common fan-out-of-one edge: no per-subscriber bookkeeping,
// and a full queue is genuine back-pressure (TrySend returns false;
// the caller must yield and retry) rather than a drop.
type SPSCEdge struct {
	queue  chan *core.Packet
	closed atomic.Bool
}

// NewSPSCEdge creates an SPSC edge with the given queue depth.
func NewSPSCEdge(capacity int) *SPSCEdge {
	return &SPSCEdge{queue: make(chan *core.Packet, capacity)}
}

// TrySend implements stage.Sender. Returns false when the queue is
// full; the producing stage must yield this round rather than spin.
func (e *SPSCEdge) TrySend(pkt *core.Packet) bool {
	select {
	case e.queue <- pkt:
		return true
	default:
		return false
	}
}

// Close signals end-of-stream to the single subscriber.
func (e *SPSCEdge) Close() {
	e.closed.Store(true)
}

// Receiver returns this edge's sole Receiver.
func (e *SPSCEdge) Receiver() stage.Receiver {
	return &spscReceiver{edge: e}
}

type spscReceiver struct {
	edge *SPSCEdge
}

func (r *spscReceiver) TryRecv() (*core.Packet, bool) {
	select {
	case pkt := <-r.edge.queue:
		return pkt, true
	default:
		return nil, false
	}
}

func (r *spscReceiver) Closed() bool {
	return r.edge.closed.Load() && len(r.edge.queue) == 0
}
