// Package graph parses a declarative pipeline specification into a
// validated, immutable Graph: unique names, resolvable inputs, no
// cycles, every sink reachable from a source, correct input arity,
// packet-variant compatibility across every edge, and schema-validated
// per-stage parameters.
package graph

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/registry"
)

// StageDescriptor is one entry in a pipeline specification.
type StageDescriptor struct {
	Name   string         `mapstructure:"name" yaml:"name"`
	Type   string         `mapstructure:"type" yaml:"type"`
	Group  string         `mapstructure:"group" yaml:"group"`
	Params map[string]any `mapstructure:"params" yaml:"params"`
	// Inputs is an ordered list of "stage.port" references, positionally
	// bound to this stage type's declared input ports. Empty for sources.
	Inputs []string `mapstructure:"inputs" yaml:"inputs"`
}

// Spec is the full declarative pipeline specification.
type Spec struct {
	Stages []StageDescriptor `mapstructure:"stages" yaml:"stages"`
}

// PortRef names one output port of one stage.
type PortRef struct {
	Stage string
	Port  string
}

func parsePortRef(s string) (PortRef, error) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return PortRef{}, fmt.Errorf("malformed input reference %q, want \"stage.port\"", s)
	}
	return PortRef{Stage: s[:idx], Port: s[idx+1:]}, nil
}

// EdgeDescriptor is one resolved connection in the built graph.
type EdgeDescriptor struct {
	From PortRef
	To   PortRef // To.Port names the consuming stage's input port
}

// Node is one stage in the built graph, with params already validated.
type Node struct {
	Name   string
	Type   string
	Group  string
	Params map[string]any
}

// Graph is the immutable, validated result of Build.
type Graph struct {
	Nodes    []Node
	Edges    []EdgeDescriptor
	TopoOrder []string // node names in a valid topological order
}

// Build validates spec against reg and returns the resulting Graph, or
// the first validation error encountered. A port-variant mismatch
// raises core.KindTypeMismatch; every other failure raises
// core.KindConfigInvalid, with a reason naming the failed check.
func Build(spec Spec, reg *registry.Registry) (*Graph, error) {
	if len(spec.Stages) == 0 {
		return nil, configErr("pipeline spec has no stages")
	}

	byName := make(map[string]StageDescriptor, len(spec.Stages))
	for _, d := range spec.Stages {
		if d.Name == "" {
			return nil, configErr("stage with empty name")
		}
		if _, dup := byName[d.Name]; dup {
			return nil, configErr(fmt.Sprintf("duplicate stage name %q", d.Name))
		}
		byName[d.Name] = d
	}

	infos := make(map[string]registry.TypeInfo, len(byName))
	for _, d := range spec.Stages {
		info, ok := reg.Info(d.Type)
		if !ok {
			return nil, configErr(fmt.Sprintf("stage %q has unknown type %q", d.Name, d.Type))
		}
		infos[d.Name] = info
	}

	// 1 & 4: resolve inputs, check arity.
	edges := make([]EdgeDescriptor, 0, len(spec.Stages))
	adjacency := make(map[string][]string) // from -> []to, for cycle/reachability checks
	indegree := make(map[string]int, len(byName))
	for name := range byName {
		indegree[name] = 0
	}

	for _, d := range spec.Stages {
		info := infos[d.Name]
		if len(d.Inputs) != len(info.Inputs) {
			return nil, configErr(fmt.Sprintf(
				"stage %q (%s) expects %d input port(s), got %d",
				d.Name, d.Type, len(info.Inputs), len(d.Inputs)))
		}
		for i, ref := range d.Inputs {
			pr, err := parsePortRef(ref)
			if err != nil {
				return nil, configErr(err.Error())
			}
			upstream, ok := byName[pr.Stage]
			if !ok {
				return nil, configErr(fmt.Sprintf("stage %q references unknown upstream %q", d.Name, pr.Stage))
			}
			upstreamInfo := infos[pr.Stage]
			outPort, ok := findPort(upstreamInfo.Outputs, pr.Port)
			if !ok {
				return nil, configErr(fmt.Sprintf(
					"stage %q references unknown output port %q on %q", d.Name, pr.Port, pr.Stage))
			}

			// 5: packet variant compatibility.
			inPort := info.Inputs[i]
			if !variantsOverlap(outPort.Variants, inPort.Variants) {
				return nil, typeMismatchErr(fmt.Sprintf("%s.%s", pr.Stage, pr.Port),
					fmt.Sprintf("stage %q port %q accepts %v, upstream %q.%q produces %v",
						d.Name, inPort.Name, inPort.Variants, pr.Stage, pr.Port, outPort.Variants))
			}

			edges = append(edges, EdgeDescriptor{
				From: pr,
				To:   PortRef{Stage: d.Name, Port: inPort.Name},
			})
			adjacency[upstream.Name] = append(adjacency[upstream.Name], d.Name)
			indegree[d.Name]++
		}
	}

	// 2: Kahn's algorithm for cycle detection and topological order.
	topo, err := kahnSort(byName, adjacency, indegree)
	if err != nil {
		return nil, err
	}

	// 3: every sink (no output ports) reachable from some source (no input ports).
	if err := checkSinksReachable(byName, infos, adjacency); err != nil {
		return nil, err
	}

	// 6: parameter schema validation, deny-unknown-fields.
	nodes := make([]Node, 0, len(spec.Stages))
	for _, name := range topo {
		d := byName[name]
		info := infos[name]
		validated, err := validateParams(d, info)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, Node{Name: d.Name, Type: d.Type, Group: d.Group, Params: validated})
	}

	return &Graph{Nodes: nodes, Edges: edges, TopoOrder: topo}, nil
}

func findPort(ports []registry.Port, name string) (registry.Port, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return registry.Port{}, false
}

func variantsOverlap(produced, accepted []core.Variant) bool {
	for _, p := range produced {
		for _, a := range accepted {
			if p == a {
				return true
			}
		}
	}
	return false
}

func kahnSort(byName map[string]StageDescriptor, adjacency map[string][]string, indegree map[string]int) ([]string, error) {
	indeg := make(map[string]int, len(indegree))
	for k, v := range indegree {
		indeg[k] = v
	}
	var queue []string
	for name, d := range byName {
		if indeg[name] == 0 {
			queue = append(queue, name)
		}
		_ = d
	}
	// Deterministic order regardless of map iteration.
	sortStrings(queue)

	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		next := append([]string(nil), adjacency[n]...)
		sortStrings(next)
		for _, m := range next {
			indeg[m]--
			if indeg[m] == 0 {
				queue = append(queue, m)
				sortStrings(queue)
			}
		}
	}
	if len(order) != len(byName) {
		return nil, configErr("pipeline spec contains a cycle")
	}
	return order, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func checkSinksReachable(byName map[string]StageDescriptor, infos map[string]registry.TypeInfo, adjacency map[string][]string) error {
	var sources []string
	for name := range byName {
		if len(infos[name].Inputs) == 0 {
			sources = append(sources, name)
		}
	}
	reachable := make(map[string]bool)
	var visit func(string)
	visit = func(n string) {
		if reachable[n] {
			return
		}
		reachable[n] = true
		for _, m := range adjacency[n] {
			visit(m)
		}
	}
	for _, s := range sources {
		visit(s)
	}
	for name := range byName {
		if len(infos[name].Outputs) == 0 && !reachable[name] {
			return configErr(fmt.Sprintf("sink %q is not reachable from any source", name))
		}
	}
	return nil
}

func validateParams(d StageDescriptor, info registry.TypeInfo) (map[string]any, error) {
	if info.NewParams == nil {
		return d.Params, nil
	}
	target := info.NewParams()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      target,
	})
	if err != nil {
		return nil, configErr(fmt.Sprintf("stage %q: %v", d.Name, err))
	}
	if err := decoder.Decode(d.Params); err != nil {
		return nil, configErr(fmt.Sprintf("stage %q: invalid params: %v", d.Name, err))
	}
	out := map[string]any{"__decoded": target}
	for k, v := range d.Params {
		out[k] = v
	}
	return out, nil
}

func configErr(reason string) *core.EngineError {
	return &core.EngineError{Kind: core.KindConfigInvalid, Reason: reason}
}

func typeMismatchErr(edgeID, reason string) *core.EngineError {
	return &core.EngineError{Kind: core.KindTypeMismatch, EdgeID: edgeID, Reason: reason}
}
