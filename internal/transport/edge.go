// Package transport implements Edge, the bounded broadcast transport
// connecting one producing stage to one or more independent
// subscribers, plus an SPSC specialization for the common
// fan-out-of-one case.
package transport

import (
	"sync"
	"sync/atomic"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// DefaultCapacityMultiplier is applied to a configured typical batch
// size to derive a subscriber queue's default depth.
const DefaultCapacityMultiplier = 4

// EventSink receives back-pressure events raised by an Edge.
type EventSink interface {
	Publish(err *core.EngineError)
}

// Edge is a single-producer, multi-independent-consumer broadcast
// transport. Each subscriber has its own bounded queue; a lagging
// subscriber drops its own oldest packet and never blocks the producer
// or any other subscriber.
type Edge struct {
	id     string
	events EventSink

	mu   sync.RWMutex
	subs []*subscription

	closed atomic.Bool
}

type subscription struct {
	queue  chan *core.Packet
	closed atomic.Bool
}

// NewEdge creates a broadcast edge identified by id, used in
// OverflowLagged events and diagnostics.
func NewEdge(id string, events EventSink) *Edge {
	return &Edge{id: id, events: events}
}

// Subscribe registers a new consumer with the given queue depth and
// returns its Receiver. Must be called before the edge starts
// carrying traffic; the subscriber list is read-mostly at runtime.
func (e *Edge) Subscribe(capacity int) stage.Receiver {
	s := &subscription{queue: make(chan *core.Packet, capacity)}
	e.mu.Lock()
	e.subs = append(e.subs, s)
	e.mu.Unlock()
	return &edgeReceiver{sub: s}
}

// TrySend publishes pkt to every subscriber, implementing
// stage.Sender. A lagging subscriber's oldest packet is dropped (and
// released back to its pool) rather than blocking delivery to others;
// the producer is never made to wait. Always returns true: a broadcast
// edge has no notion of the producer itself being "full".
func (e *Edge) TrySend(pkt *core.Packet) bool {
	e.mu.RLock()
	subs := e.subs
	e.mu.RUnlock()

	for _, s := range subs {
		if s.closed.Load() {
			continue
		}
		pkt.Retain()
		select {
		case s.queue <- pkt:
			continue
		default:
		}

		select {
		case old := <-s.queue:
			old.Release()
			if e.events != nil {
				e.events.Publish(&core.EngineError{
					Kind: core.KindOverflowLagged, EdgeID: e.id, Count: 1,
				})
			}
		default:
		}

		select {
		case s.queue <- pkt:
		default:
			// Raced with another drain; give up this subscriber's copy
			// rather than spin.
			pkt.Release()
		}
	}

	pkt.Release()
	return true
}

// Close signals end-of-stream: subscribers drain what remains in their
// queue, then observe Closed.
func (e *Edge) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.subs {
		s.closed.Store(true)
	}
}

type edgeReceiver struct {
	sub *subscription
}

func (r *edgeReceiver) TryRecv() (*core.Packet, bool) {
	select {
	case pkt := <-r.sub.queue:
		return pkt, true
	default:
		return nil, false
	}
}

func (r *edgeReceiver) Closed() bool {
	return r.sub.closed.Load() && len(r.sub.queue) == 0
}
