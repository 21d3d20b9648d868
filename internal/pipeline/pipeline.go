// Package pipeline wires the graph builder, transport, pools, executor,
// control plane, and broker into the single object the control-plane
// host drives: start(graph_spec), stop(), update_param(), plus the
// read-only queries list_stage_types/running_graph/subscribe_events.
//
// The registry and event bus live for the lifetime of the Pipeline
// value itself: external subscribers (an SSE host) and discovery calls
// (populating a "new pipeline" form) are useful before a graph is ever
// started and across restarts. Pools, edges, and the broker are
// process-wide only in the narrower sense the spec means it: bounded by
// one running graph's lifetime, rebuilt fresh on every Start and
// released on every Stop.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"firestige.xyz/eegpipe/internal/broker"
	"firestige.xyz/eegpipe/internal/config"
	"firestige.xyz/eegpipe/internal/control"
	"firestige.xyz/eegpipe/internal/executor"
	"firestige.xyz/eegpipe/internal/graph"
	"firestige.xyz/eegpipe/internal/log"
	"firestige.xyz/eegpipe/internal/pool"
	"firestige.xyz/eegpipe/internal/registry"
	"firestige.xyz/eegpipe/internal/stages"
)

// defaultPoolSize is the fixed buffer count every pool is pre-allocated
// with, absent a future per-class override in the graph spec.
const defaultPoolSize = 8

// ErrAlreadyRunning is returned by Start when a graph is already live;
// the caller distinguishes this "conflict" case from a plain build
// error per the host's start(graph_spec) contract.
var ErrAlreadyRunning = fmt.Errorf("pipeline: a graph is already running")

// ErrNotRunning is returned by operations that require a live graph.
var ErrNotRunning = fmt.Errorf("pipeline: no graph is running")

// Pipeline is the engine's single entry point. The zero value is not
// usable; use New.
type Pipeline struct {
	cfg config.EngineConfig
	reg *registry.Registry

	events *control.EventBus

	mu      sync.Mutex
	running bool
	spec    graph.Spec
	built   *graph.Graph

	brk     *broker.Broker
	server  *http.Server
	brkAddr string
	exec    *executor.Executor
	plane   *control.Plane
	pools   []*pool.Pool
}

// New builds a Pipeline bound to cfg's ambient executor/broker/resource
// settings, with the built-in stage types registered. No graph is
// running yet; call Start.
func New(cfg config.EngineConfig) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		reg:    registry.New(),
		events: control.NewEventBus(),
	}
	stages.RegisterBuiltins(p.reg, brokerProxy{p})
	return p
}

// brokerProxy forwards Publish to whatever broker is live at the moment
// of the call, so the registry's websocket_sink constructor (bound once
// at New) survives the broker being rebuilt on every Start.
type brokerProxy struct{ p *Pipeline }

func (b brokerProxy) Publish(topic string, payload []byte) {
	b.p.mu.Lock()
	brk := b.p.brk
	b.p.mu.Unlock()
	if brk != nil {
		brk.Publish(topic, payload)
	}
}

// StageTypeDescriptor describes one registered stage type for discovery.
type StageTypeDescriptor struct {
	Type    string
	Inputs  []string
	Outputs []string
}

// ListStageTypes reports every built-in stage type this engine ships,
// for a host populating a "new pipeline" form.
func (p *Pipeline) ListStageTypes() []StageTypeDescriptor {
	types := p.reg.Types()
	out := make([]StageTypeDescriptor, 0, len(types))
	for _, t := range types {
		info, _ := p.reg.Info(t)
		d := StageTypeDescriptor{Type: t}
		for _, in := range info.Inputs {
			d.Inputs = append(d.Inputs, in.Name)
		}
		for _, o := range info.Outputs {
			d.Outputs = append(d.Outputs, o.Name)
		}
		out = append(out, d)
	}
	return out
}

// SubscribeEvents registers a new listener on the event bus with the
// given queue depth.
func (p *Pipeline) SubscribeEvents(capacity int) <-chan control.Event {
	return p.events.Subscribe(capacity)
}

// RunningGraph returns the spec currently running, or ok=false if none is.
func (p *Pipeline) RunningGraph() (spec graph.Spec, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return graph.Spec{}, false
	}
	return p.spec, true
}

// Start validates spec into a graph, allocates pools and edges,
// initializes every stage in topological order, spawns one worker
// thread per scheduling group, and returns once every stage has
// observed Initialize successfully. On any failure the partial graph is
// torn down and the first error is returned; no threads are left
// running.
func (p *Pipeline) Start(spec graph.Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}

	g, err := graph.Build(spec, p.reg)
	if err != nil {
		return err
	}

	w, err := newWiring(g, p.reg, p.cfg, p.events)
	if err != nil {
		return err
	}

	if err := w.exec.Start(); err != nil {
		closeServer(w.server)
		return err
	}

	p.spec = spec
	p.built = g
	p.brk = w.brk
	p.server = w.server
	p.brkAddr = w.addr
	p.exec = w.exec
	p.plane = w.plane
	p.pools = w.pools
	p.running = true
	p.events.PublishStarted()
	return nil
}

// BrokerAddr returns the broker's actual bound listen address (useful
// when the configured address lets the OS choose a free port), or
// ok=false if no graph is running.
func (p *Pipeline) BrokerAddr() (addr string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return "", false
	}
	return p.brkAddr, true
}

// Stop sets the quiesce flag, lets every worker drain and flush, joins
// the scheduling-group threads, and closes the broker's listener.
// Idempotent: stopping an already-stopped pipeline is a no-op.
//
// plane is deliberately left live across Stop: it still knows every
// stage's IsLocked state (wiring's isLocked closure captures the
// stage map directly, not through the executor), so update_param
// issued after stop keeps working for a stage that reports itself
// unlocked — per the host's "stop, then update_param succeeds unless
// something else is locked" contract. Only Start tearing down a graph
// that is about to be replaced clears it.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	exec := p.exec
	server := p.server
	p.mu.Unlock()

	err := exec.Stop()
	closeServer(server)

	p.mu.Lock()
	p.running = false
	p.exec = nil
	p.brk = nil
	p.server = nil
	p.brkAddr = ""
	p.pools = nil
	p.built = nil
	p.mu.Unlock()

	p.events.PublishStopped()
	return err
}

// UpdateParam routes key=value to stageID through the control plane,
// rejected with a RecordingLocked error if stageID or any of its
// DAG-reachable descendants currently reports itself locked. The
// control plane outlives Stop (see Stop's comment), so this works
// both while a graph is running and after it has been stopped; it
// only fails with ErrNotRunning once a graph has never been started,
// or a new Start has replaced the plane outright.
func (p *Pipeline) UpdateParam(stageID, key string, value any) error {
	p.mu.Lock()
	plane := p.plane
	p.mu.Unlock()
	if plane == nil {
		return ErrNotRunning
	}
	return plane.UpdateParam(stageID, key, value)
}

func closeServer(s *http.Server) {
	if s == nil {
		return
	}
	if err := s.Shutdown(context.Background()); err != nil {
		log.GetLogger().WithError(err).Warn("pipeline: broker listener did not shut down cleanly")
	}
}
