package control

import (
	"fmt"
	"sync"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// LockChecker reports whether a stage currently refuses parameter
// updates (typically because it holds an open recording).
type LockChecker func(stageID string) bool

// Plane routes parameter updates to a stage's worker thread, refusing
// delivery whenever the target or any DAG-reachable descendant reports
// is_locked()==true.
type Plane struct {
	mu          sync.RWMutex
	descendants map[string][]string // stageID -> itself + every reachable descendant
	queues      map[string]chan stage.ParamUpdate
	isLocked    LockChecker
	events      *EventBus
}

// NewPlane builds a control plane. adjacency maps a stage name to the
// stage names directly downstream of it in the built graph; queues
// maps a stage name to the channel its worker drains parameter updates
// from.
func NewPlane(adjacency map[string][]string, queues map[string]chan stage.ParamUpdate, isLocked LockChecker, events *EventBus) *Plane {
	descendants := make(map[string][]string, len(queues))
	for name := range queues {
		descendants[name] = reachableFrom(adjacency, name)
	}
	return &Plane{
		descendants: descendants,
		queues:      queues,
		isLocked:    isLocked,
		events:      events,
	}
}

func reachableFrom(adjacency map[string][]string, start string) []string {
	visited := map[string]bool{start: true}
	order := []string{start}
	queue := []string{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range adjacency[n] {
			if !visited[m] {
				visited[m] = true
				order = append(order, m)
				queue = append(queue, m)
			}
		}
	}
	return order
}

// UpdateParam attempts to deliver key=value to stageID. Before
// delivery it queries IsLocked on stageID and every stage reachable
// from it; if any answers true, the update is rejected and no stage
// observes it.
func (p *Plane) UpdateParam(stageID, key string, value any) error {
	p.mu.RLock()
	targets, known := p.descendants[stageID]
	queue, hasQueue := p.queues[stageID]
	p.mu.RUnlock()

	if !known || !hasQueue {
		return fmt.Errorf("control: unknown stage %q", stageID)
	}

	for _, t := range targets {
		if p.isLocked(t) {
			err := &core.EngineError{Kind: core.KindRecordingLocked, StageID: t}
			p.events.Publish(err)
			return err
		}
	}

	ack := make(chan stage.ApplyOutcome, 1)
	select {
	case queue <- stage.ParamUpdate{Key: key, Value: value, Result: ack}:
		return nil
	default:
		return fmt.Errorf("control: stage %q parameter queue is full", stageID)
	}
}
