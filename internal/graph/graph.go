// Package graph implements the declarative node/edge graph model, its
// compiler, and the wave-based parallel executor. Nodes are addressed by
// string name rather than pointer so the structure stays serialisable and
// cycle detection is a plain DFS over adjacency lists, per the runtime's
// design notes on cyclic ReAct-style graphs.
package graph

import (
	"context"

	"github.com/loomkit/loom/internal/retry"
	"github.com/loomkit/loom/internal/state"
)

// End is the sentinel successor name meaning "stop routing".
const End = "END"

// Kind tags a node with its role for diagnostics and prompt building. The
// runtime never branches on Kind for cycle or routing decisions — those key
// off the node's Name, matching the allowed-cycle patterns in the compiler.
type Kind string

const (
	KindThink    Kind = "think"
	KindAct      Kind = "act"
	KindObserve  Kind = "observe"
	KindFinalize Kind = "finalize"
	KindRouter   Kind = "router"
	KindParallel Kind = "parallel"
	KindAgent    Kind = "agent"
	KindCustom   Kind = "custom"
)

// Input is what a node's function receives.
type Input struct {
	State  state.State
	Prior  any // output of whichever node most recently fed this one, if any
	Params map[string]any
	Err    error // set only when this node is invoked as a fallback/error handler
}

// Command lets a node override static routing with an explicit successor
// list, alongside its state update. A Command with a non-empty Goto takes
// precedence over plain and conditional edges for that node in that wave.
type Command struct {
	Update map[string]any
	Goto   []string
}

// Output is what a node's function returns.
type Output struct {
	Update  map[string]any
	Command *Command
}

// Func is a node's executable contract.
type Func func(ctx context.Context, in Input) (Output, error)

// RouterFunc decides the next node name (or End) purely from state.
type RouterFunc func(s state.State) string

// Node is a named, typed unit of graph execution.
type Node struct {
	Name        string
	Kind        Kind
	Fn          Func
	RetryPolicy *retry.Policy
	Fallback    Func // invoked with Input.Err set if Fn fails after retries
	Breaker     *retry.CircuitBreaker
}

type conditionalEdge struct {
	router   RouterFunc
	possible []string // static possible destinations, used for validation/reachability
}

// Graph builds incrementally via AddNode/AddEdge/AddConditionalEdge/
// SetEntryPoint, then is validated and frozen by Compile. The zero value is
// not usable; use New.
type Graph struct {
	name        string
	nodes       map[string]*Node
	order       []string // insertion order, for deterministic listing
	edges       map[string][]string
	conditional map[string][]conditionalEdge
	entry       string

	lastCompiled *Compiled
	lastHash     string
}

// New creates an empty named graph.
func New(name string) *Graph {
	return &Graph{
		name:        name,
		nodes:       make(map[string]*Node),
		edges:       make(map[string][]string),
		conditional: make(map[string][]conditionalEdge),
	}
}

// AddNode registers a node. Re-adding a name overwrites it.
func (g *Graph) AddNode(name string, kind Kind, fn Func) *Graph {
	if _, exists := g.nodes[name]; !exists {
		g.order = append(g.order, name)
	}
	g.nodes[name] = &Node{Name: name, Kind: kind, Fn: fn}
	return g
}

// AddEdge adds a plain (always-fires) edge.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = append(g.edges[from], to)
	return g
}

// AddConditionalEdge adds a router-decided edge. possibleDests is the
// static set of names the router may return, used by the compiler for
// reachability and cycle validation; the router itself decides at runtime
// which of them (or End) is taken.
func (g *Graph) AddConditionalEdge(from string, router RouterFunc, possibleDests ...string) *Graph {
	g.conditional[from] = append(g.conditional[from], conditionalEdge{router: router, possible: possibleDests})
	return g
}

// SetEntryPoint designates the node execution starts from.
func (g *Graph) SetEntryPoint(name string) *Graph {
	g.entry = name
	return g
}

// AddErrorHandler registers a fallback invoked when nodeName's Fn fails
// after its retry policy (if any) is exhausted.
func (g *Graph) AddErrorHandler(nodeName string, handler Func) *Graph {
	if n, ok := g.nodes[nodeName]; ok {
		n.Fallback = handler
	}
	return g
}

// AddRetryPolicy attaches a retry policy to a node.
func (g *Graph) AddRetryPolicy(nodeName string, policy retry.Policy) *Graph {
	if n, ok := g.nodes[nodeName]; ok {
		n.RetryPolicy = &policy
	}
	return g
}

// AddCircuitBreaker attaches a circuit breaker to a node: once it trips
// open, the executor fails the node fast (without invoking Fn or its retry
// policy) until the breaker's cooldown admits a trial call.
func (g *Graph) AddCircuitBreaker(nodeName string, breaker *retry.CircuitBreaker) *Graph {
	if n, ok := g.nodes[nodeName]; ok {
		n.Breaker = breaker
	}
	return g
}
