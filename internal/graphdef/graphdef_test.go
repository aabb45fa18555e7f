package graphdef

import (
	"context"
	"testing"

	"github.com/loomkit/loom/internal/graph"
	"github.com/loomkit/loom/internal/state"
)

const sampleYAML = `
name: triage
entry: think
nodes:
  - name: think
    kind: think
    fn: think_fn
  - name: act
    kind: act
    fn: act_fn
  - name: finalize
    kind: finalize
    fn: finalize_fn
conditional_edges:
  - from: think
    router: route_after_think
    possible: [act, finalize]
edges:
  - from: act
    to: think
reducers:
  - key: messages
    reducer: append_list
  - key: score
    reducer: max
`

func noopFn(ctx context.Context, in graph.Input) (graph.Output, error) {
	return graph.Output{}, nil
}

func TestParseRoundTrips(t *testing.T) {
	def, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Name != "triage" || def.Entry != "think" {
		t.Fatalf("got %+v", def)
	}
	if len(def.Nodes) != 3 || len(def.ConditionalEdges) != 1 || len(def.Edges) != 1 || len(def.Reducers) != 2 {
		t.Fatalf("unexpected shape: %+v", def)
	}
}

func TestParseRequiresNameAndEntry(t *testing.T) {
	if _, err := Parse([]byte("entry: x\n")); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := Parse([]byte("name: x\n")); err == nil {
		t.Error("expected error for missing entry")
	}
}

func TestBuildWiresNodesEdgesAndReducers(t *testing.T) {
	def, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	regs := Registries{
		Nodes: map[string]graph.Func{
			"think_fn":    noopFn,
			"act_fn":      noopFn,
			"finalize_fn": noopFn,
		},
		Routers: map[string]graph.RouterFunc{
			"route_after_think": func(s state.State) string { return "finalize" },
		},
	}
	reg := state.NewRegistry()

	g, err := Build(def, regs, reg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	compiled, report := g.Compile(graph.OptNone)
	if !report.OK() {
		t.Fatalf("expected clean compile, got %+v", report)
	}
	if compiled.Entry != "think" {
		t.Errorf("got entry %q", compiled.Entry)
	}

	if reg.Lookup("score") == nil {
		t.Fatal("expected score reducer to be registered")
	}
}

func TestBuildErrorsOnUnknownFn(t *testing.T) {
	def := GraphDef{
		Name:  "x",
		Entry: "a",
		Nodes: []NodeDef{{Name: "a", Kind: "think", Fn: "missing"}},
	}
	if _, err := Build(def, Registries{Nodes: map[string]graph.Func{}}, nil); err == nil {
		t.Error("expected error for unknown fn")
	}
}

func TestBuildErrorsOnUnknownRouter(t *testing.T) {
	def := GraphDef{
		Name:  "x",
		Entry: "a",
		Nodes: []NodeDef{{Name: "a", Kind: "think", Fn: "f"}},
		ConditionalEdges: []ConditionalEdgeDef{
			{From: "a", Router: "missing", Possible: []string{"a"}},
		},
	}
	regs := Registries{Nodes: map[string]graph.Func{"f": noopFn}, Routers: map[string]graph.RouterFunc{}}
	if _, err := Build(def, regs, nil); err == nil {
		t.Error("expected error for unknown router")
	}
}

func TestReducerByNameKnownAndUnknown(t *testing.T) {
	if _, err := ReducerByName("overwrite"); err != nil {
		t.Errorf("expected overwrite to resolve: %v", err)
	}
	if _, err := ReducerByName("nonexistent"); err == nil {
		t.Error("expected error for unknown reducer name")
	}
}
