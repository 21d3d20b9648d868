// Package control implements the parameter-update and lifecycle
// channels of the control plane, plus the one-way event bus that
// carries Started/Stopped/ErrorOccurred/GapDetected/OverflowLagged
// events out to the host.
package control

import (
	"sync"

	"firestige.xyz/eegpipe/internal/core"
)

// Event is one control-plane notification. Err is set for every kind
// except the two pure lifecycle markers.
type Event struct {
	Started bool
	Stopped bool
	Err     *core.EngineError
}

// EventBus is a process-wide, one-way outbound pub-sub of Events. It
// satisfies stage.EventPublisher and transport.EventSink via Publish,
// so stages and edges can report errors through the same sink that
// lifecycle events flow through.
type EventBus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a new listener with the given queue depth.
func (b *EventBus) Subscribe(capacity int) <-chan Event {
	ch := make(chan Event, capacity)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers an error-shaped event to every subscriber. A full
// subscriber queue drops the event for that subscriber rather than
// blocking the publisher; the bus itself never blocks.
func (b *EventBus) Publish(err *core.EngineError) {
	b.publish(Event{Err: err})
}

// PublishStarted emits the pipeline-started lifecycle event.
func (b *EventBus) PublishStarted() { b.publish(Event{Started: true}) }

// PublishStopped emits the pipeline-stopped lifecycle event.
func (b *EventBus) PublishStopped() { b.publish(Event{Stopped: true}) }

func (b *EventBus) publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub <- evt:
		default:
		}
	}
}
