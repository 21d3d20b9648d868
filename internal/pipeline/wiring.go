package pipeline

import (
	"fmt"
	"net"
	"net/http"

	"firestige.xyz/eegpipe/internal/broker"
	"firestige.xyz/eegpipe/internal/config"
	"firestige.xyz/eegpipe/internal/control"
	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/executor"
	"firestige.xyz/eegpipe/internal/graph"
	"firestige.xyz/eegpipe/internal/log"
	"firestige.xyz/eegpipe/internal/pool"
	"firestige.xyz/eegpipe/internal/registry"
	"firestige.xyz/eegpipe/internal/stage"
	"firestige.xyz/eegpipe/internal/stages"
	"firestige.xyz/eegpipe/internal/transport"
)

// wiring is the fully-assembled, not-yet-started runtime for one built
// graph: every pool and edge allocated, every stage constructed and
// bound to its Context, grouped into scheduling groups, with the
// control plane and broker listener ready to go.
type wiring struct {
	brk    *broker.Broker
	server *http.Server
	addr   string // actual bound address, useful when cfg requests a free port
	exec   *executor.Executor
	plane  *control.Plane
	pools  []*pool.Pool
}

// shape is the {variant, channel count, samples-per-batch} a stage's
// output port produces, inferred from its upstream inputs and its own
// validated parameters. It sizes that port's pool and the edge capacity
// of everything subscribed to it.
type shape struct {
	variant      core.Variant
	channels     int
	batchSize    int
	spectrumBins int
	sampleRateHz uint32
}

func newWiring(g *graph.Graph, reg *registry.Registry, cfg config.EngineConfig, events *control.EventBus) (w *wiring, err error) {
	brk := broker.New(cfg.Broker.ClientQueueLen, cfg.Broker.WriteTimeout, events)

	ln, err := net.Listen("tcp", cfg.Broker.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("pipeline: broker listen on %s: %w", cfg.Broker.ListenAddr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Broker.Path, brk.ServeHTTP)
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.GetLogger().WithError(err).Error("pipeline: broker listener failed")
		}
	}()
	defer func() {
		if err != nil {
			closeServer(server)
		}
	}()

	nodeByName := make(map[string]graph.Node, len(g.Nodes))
	infoByName := make(map[string]registry.TypeInfo, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeByName[n.Name] = n
		info, ok := reg.Info(n.Type)
		if !ok {
			return nil, configErr(fmt.Sprintf("no registered type info for %q", n.Type))
		}
		infoByName[n.Name] = info
	}

	shapes, err := computeShapes(g, nodeByName)
	if err != nil {
		return nil, err
	}

	edgesByDst := make(map[string][]graph.EdgeDescriptor)
	for _, e := range g.Edges {
		edgesByDst[e.To.Stage] = append(edgesByDst[e.To.Stage], e)
	}

	// One broadcast Edge per (stage, output port), consumed or not;
	// each is created when its producer is visited, in topological
	// order so each producer exists before its consumers are wired.
	producerEdges := make(map[string]*transport.Edge)
	adjacency := make(map[string][]string)

	type built struct {
		name  string
		st    stage.Stage
		ctx   *stage.Context
		group string
	}
	var all []built
	var pools []*pool.Pool
	queues := make(map[string]chan stage.ParamUpdate, len(g.Nodes))
	stagesByName := make(map[string]stage.Stage, len(g.Nodes))

	for _, name := range g.TopoOrder {
		node := nodeByName[name]
		info := infoByName[name]

		st, err := reg.Create(node.Type, rawParams(node))
		if err != nil {
			return nil, configErr(fmt.Sprintf("stage %q: %v", name, err))
		}
		stagesByName[name] = st

		inputs := make(map[string]stage.Receiver, len(info.Inputs))
		var sampleRateHint uint32
		for _, e := range edgesByDst[name] {
			key := e.From.Stage + "." + e.From.Port
			producer, ok := producerEdges[key]
			if !ok {
				return nil, configErr(fmt.Sprintf("stage %q: upstream port %q has no producer edge", name, key))
			}
			upShape := shapes[e.From.Stage][e.From.Port]
			capacity := subscriberCapacity(upShape)
			inputs[e.To.Port] = producer.Subscribe(capacity)
			adjacency[e.From.Stage] = append(adjacency[e.From.Stage], name)
			if upShape.sampleRateHz > sampleRateHint {
				sampleRateHint = upShape.sampleRateHz
			}
		}

		outputs := make(map[string]stage.Sender, len(info.Outputs))
		nodePools := make(map[string]stage.Acquirer, len(info.Outputs))
		for _, port := range info.Outputs {
			edgeID := name + "." + port.Name
			e := transport.NewEdge(edgeID, events)
			producerEdges[edgeID] = e
			outputs[port.Name] = e

			sh := shapes[name][port.Name]
			pl := pool.New(pool.Class{
				Variant:      sh.variant,
				Channels:     sh.channels,
				BatchSize:    sh.batchSize,
				SpectrumBins: sh.spectrumBins,
			}, defaultPoolSize)
			pools = append(pools, pl)
			nodePools[port.Name] = pl
		}

		paramQueue := make(chan stage.ParamUpdate, 4)
		queues[name] = paramQueue

		ctx := &stage.Context{
			StageID:        name,
			Inputs:         inputs,
			Outputs:        outputs,
			Pools:          nodePools,
			Params:         paramQueue,
			Events:         events,
			SampleRateHint: sampleRateHint,
		}

		group := node.Group
		if group == "" {
			group = defaultGroup(cfg.Executor.Groups, len(info.Inputs), len(info.Outputs))
		}

		all = append(all, built{name: name, st: st, ctx: ctx, group: group})
	}

	groupIndex := make(map[string]int, len(cfg.Executor.Groups))
	for i, name := range cfg.Executor.Groups {
		groupIndex[name] = i
	}

	byGroup := make(map[string]*executor.Group)
	var order []string
	for _, b := range all {
		grp, ok := byGroup[b.group]
		if !ok {
			cpu := -1
			if idx, known := groupIndex[b.group]; known {
				cpu = idx
			}
			grp = &executor.Group{Name: b.group, CPU: cpu, IdlePark: cfg.Executor.IdleParkDuration}
			byGroup[b.group] = grp
			order = append(order, b.group)
		}
		grp.Members = append(grp.Members, executor.Member{Stage: b.st, Ctx: b.ctx})
	}

	groups := make([]executor.Group, 0, len(order))
	for _, name := range order {
		groups = append(groups, *byGroup[name])
	}

	isLocked := func(stageID string) bool {
		st, ok := stagesByName[stageID]
		return ok && st.IsLocked()
	}
	plane := control.NewPlane(adjacency, queues, isLocked, events)

	exec := executor.New(groups, executor.Config{
		PinAffinity:    cfg.Executor.PinAffinity,
		ShutdownBudget: cfg.Executor.ShutdownBudget,
	}, events)

	return &wiring{brk: brk, server: server, addr: ln.Addr().String(), exec: exec, plane: plane, pools: pools}, nil
}

// subscriberCapacity applies the engine's default capacity multiplier
// to a producer's batch size; Spectrum producers have no meaningful
// batch size, so a small fixed depth is used instead.
func subscriberCapacity(sh shape) int {
	if sh.batchSize <= 0 {
		return transport.DefaultCapacityMultiplier * 2
	}
	return transport.DefaultCapacityMultiplier * sh.batchSize
}

// defaultGroup assigns a stage to the conventional {acquire, dsp,
// sinks} scheduling group by its port shape: no inputs means a source,
// no outputs means a sink, anything else is a transform. cfg.Executor
// .Groups is expected to carry at least one name; indices beyond its
// length fall back to the last group.
func defaultGroup(groups []string, numInputs, numOutputs int) string {
	idx := 1
	if numInputs == 0 {
		idx = 0
	} else if numOutputs == 0 {
		idx = 2
	}
	if idx >= len(groups) {
		idx = len(groups) - 1
	}
	if idx < 0 {
		return ""
	}
	return groups[idx]
}

// rawParams strips the graph builder's "__decoded" bookkeeping key
// before handing params back to the registry's constructor, which
// mapstructure-decodes them itself with deny-unknown-fields semantics.
func rawParams(n graph.Node) map[string]any {
	if len(n.Params) == 0 {
		return n.Params
	}
	out := make(map[string]any, len(n.Params))
	for k, v := range n.Params {
		if k == "__decoded" {
			continue
		}
		out[k] = v
	}
	return out
}

func configErr(reason string) error {
	return &core.EngineError{Kind: core.KindConfigInvalid, Reason: reason}
}

// computeShapes infers every node's output port shape(s) in topological
// order, so a downstream node's pool and edge capacity can be sized
// before it is itself visited. Shape inference is specific to the
// closed built-in stage-type set; a node of an unrecognized type falls
// back to passing its first input's shape through unchanged.
func computeShapes(g *graph.Graph, nodeByName map[string]graph.Node) (map[string]map[string]shape, error) {
	outputs := make(map[string]map[string]shape, len(g.Nodes))
	edgesByDst := make(map[string][]graph.EdgeDescriptor)
	for _, e := range g.Edges {
		edgesByDst[e.To.Stage] = append(edgesByDst[e.To.Stage], e)
	}

	for _, name := range g.TopoOrder {
		node := nodeByName[name]
		ins := make(map[string]shape)
		for _, e := range edgesByDst[name] {
			ins[e.To.Port] = outputs[e.From.Stage][e.From.Port]
		}

		out := make(map[string]shape)
		switch node.Type {
		case "acquire":
			p, ok := node.Params["__decoded"].(*stages.AcquireParams)
			if !ok {
				return nil, configErr(fmt.Sprintf("stage %q: missing decoded acquire params", name))
			}
			out["out"] = shape{
				variant:      core.VariantRawI32,
				channels:     len(p.Channels),
				batchSize:    int(p.BatchSize),
				sampleRateHz: p.SampleRateHz,
			}

		case "to_voltage", "filter":
			in := ins["in"]
			out["out"] = shape{
				variant:      core.VariantVoltage,
				channels:     in.channels,
				batchSize:    in.batchSize,
				sampleRateHz: in.sampleRateHz,
			}

		case "fft":
			in := ins["in"]
			p, ok := node.Params["__decoded"].(*stages.FFTParams)
			if !ok {
				return nil, configErr(fmt.Sprintf("stage %q: missing decoded fft params", name))
			}
			out["out"] = shape{
				variant:      core.VariantSpectrum,
				channels:     in.channels,
				spectrumBins: p.FFTSize/2 + 1,
				sampleRateHz: in.sampleRateHz,
			}

		case "align_and_zip":
			a, b := ins["a"], ins["b"]
			channels := a.channels
			if b.channels > channels {
				channels = b.channels
			}
			batch := a.batchSize
			if batch == 0 {
				batch = b.batchSize
			}
			rate := a.sampleRateHz
			if rate == 0 {
				rate = b.sampleRateHz
			}
			out["out"] = shape{
				variant:      core.VariantRawAndVoltage,
				channels:     channels,
				batchSize:    batch,
				sampleRateHz: rate,
			}

		case "csv_sink", "websocket_sink":
			// Sinks have no output ports; nothing to size.

		default:
			// An extension stage type outside the built-in set: pass its
			// first input's shape straight through as a best-effort
			// default so pools are at least plausibly sized.
			for _, in := range ins {
				out["out"] = in
				break
			}
		}

		outputs[name] = out
	}
	return outputs, nil
}
