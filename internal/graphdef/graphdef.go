// Package graphdef loads a graph topology from a YAML document and builds
// it into a live *graph.Graph. Node and router behaviour can't be expressed
// in YAML, so the loader resolves node and router names against caller-
// supplied registries — the declarative file only describes the shape:
// which nodes exist, how they're wired, which reducer governs which state
// key, and where execution begins.
package graphdef

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomkit/loom/internal/graph"
	"github.com/loomkit/loom/internal/state"
)

// NodeDef describes one node: its name, the registry key of the Func that
// implements it, and the Kind to tag it with for diagnostics/prompting.
type NodeDef struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	Fn   string `yaml:"fn"`
}

// EdgeDef is a plain always-fires edge.
type EdgeDef struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// ConditionalEdgeDef is a router-decided edge. Router names the RouterFunc
// in the router registry; Possible lists the destinations the router may
// return, used for reachability/cycle validation the same way a
// programmatic AddConditionalEdge call would.
type ConditionalEdgeDef struct {
	From     string   `yaml:"from"`
	Router   string   `yaml:"router"`
	Possible []string `yaml:"possible"`
}

// ReducerAssignment binds a state key to a named reducer strategy.
type ReducerAssignment struct {
	Key     string `yaml:"key"`
	Reducer string `yaml:"reducer"`
}

// GraphDef is the YAML-decodable shape of a declared graph.
type GraphDef struct {
	Name             string                `yaml:"name"`
	Entry            string                `yaml:"entry"`
	Nodes            []NodeDef             `yaml:"nodes"`
	Edges            []EdgeDef             `yaml:"edges"`
	ConditionalEdges []ConditionalEdgeDef  `yaml:"conditional_edges"`
	Reducers         []ReducerAssignment   `yaml:"reducers"`
}

// Load reads and parses a GraphDef from a YAML file at path.
func Load(path string) (GraphDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return GraphDef{}, fmt.Errorf("graphdef: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a GraphDef from raw YAML bytes.
func Parse(raw []byte) (GraphDef, error) {
	var def GraphDef
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return GraphDef{}, fmt.Errorf("graphdef: parse yaml: %w", err)
	}
	if def.Name == "" {
		return GraphDef{}, fmt.Errorf("graphdef: missing name")
	}
	if def.Entry == "" {
		return GraphDef{}, fmt.Errorf("graphdef: missing entry")
	}
	return def, nil
}

// Registries bundles the caller-supplied lookups the loader needs to turn
// names in a GraphDef into live callables.
type Registries struct {
	Nodes    map[string]graph.Func
	Routers  map[string]graph.RouterFunc
	Reducers map[string]state.Reducer // overrides/extends ReducerByName for this build
}

// Build translates def into a live, uncompiled *graph.Graph, registering
// any reducer assignments onto reg. Callers still call Compile themselves
// so they control the OptimizationLevel.
func Build(def GraphDef, regs Registries, reg *state.Registry) (*graph.Graph, error) {
	g := graph.New(def.Name)

	for _, n := range def.Nodes {
		fn, ok := regs.Nodes[n.Fn]
		if !ok {
			return nil, fmt.Errorf("graphdef: node %q references unknown fn %q", n.Name, n.Fn)
		}
		g.AddNode(n.Name, graph.Kind(n.Kind), fn)
	}

	for _, e := range def.Edges {
		g.AddEdge(e.From, e.To)
	}

	for _, ce := range def.ConditionalEdges {
		router, ok := regs.Routers[ce.Router]
		if !ok {
			return nil, fmt.Errorf("graphdef: conditional edge from %q references unknown router %q", ce.From, ce.Router)
		}
		g.AddConditionalEdge(ce.From, router, ce.Possible...)
	}

	g.SetEntryPoint(def.Entry)

	if reg != nil {
		for _, ra := range def.Reducers {
			reducer, err := resolveReducer(ra.Reducer, regs.Reducers)
			if err != nil {
				return nil, fmt.Errorf("graphdef: reducer assignment for key %q: %w", ra.Key, err)
			}
			reg.Register(ra.Key, reducer)
		}
	}

	return g, nil
}

func resolveReducer(name string, overrides map[string]state.Reducer) (state.Reducer, error) {
	if overrides != nil {
		if r, ok := overrides[name]; ok {
			return r, nil
		}
	}
	return ReducerByName(name)
}

// ReducerByName maps the built-in reducer names a YAML graph definition can
// reference to their implementations in internal/state. Custom reducers
// not covered here must be supplied through Registries.Reducers.
func ReducerByName(name string) (state.Reducer, error) {
	switch name {
	case "overwrite":
		return state.Overwrite, nil
	case "append_list":
		return state.AppendList, nil
	case "merge_map":
		return state.MergeMap, nil
	case "max":
		return state.Max, nil
	case "min":
		return state.Min, nil
	case "counter":
		return state.Counter, nil
	case "union_set":
		return state.UnionSet, nil
	case "priority_map":
		return state.PriorityMap, nil
	case "latest_by_timestamp":
		return state.LatestByTimestamp, nil
	default:
		return nil, fmt.Errorf("unknown reducer name %q", name)
	}
}
