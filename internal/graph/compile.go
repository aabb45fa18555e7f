package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/loomkit/loom/internal/retry"
)

// ValidationReport lists the structured outcome of a Compile call. Never a
// panic: a non-empty Errors means the returned *Compiled is nil.
type ValidationReport struct {
	Errors      []string
	Warnings    []string
	Suggestions []string
}

// OK reports whether the graph compiled without errors.
func (r ValidationReport) OK() bool { return len(r.Errors) == 0 }

// OptimizationLevel controls how aggressively Compile reshapes the graph.
// Any level must preserve observable execution output.
type OptimizationLevel int

const (
	OptNone OptimizationLevel = iota
	OptBasic
	OptAggressive
)

var reactCyclePattern = map[string]bool{"think": true, "act": true, "observe": true}
var langgraphCyclePattern = map[string]bool{"agent": true, "tools": true}

// Compiled is the immutable, validated form of a Graph.
type Compiled struct {
	Name          string
	Nodes         map[string]*Node
	Edges         map[string][]string
	Conditional   map[string][]conditionalEdge
	Entry         string
	RetryPolicies map[string]retry.Policy
	Hash          string
	Optimization  OptimizationLevel
}

// Compile validates g and, if there are no errors, returns the frozen
// compiled form alongside the report. Compiling the same graph twice (no
// structural changes in between) returns the cached result computed from
// the first call, keyed by a hash over (name, node set, edge set, entry).
func (g *Graph) Compile(opt OptimizationLevel) (*Compiled, ValidationReport) {
	report := g.validate()
	if !report.OK() {
		return nil, report
	}

	hash := g.structuralHash()
	if g.lastCompiled != nil && g.lastHash == hash && g.lastCompiled.Optimization == opt {
		return g.lastCompiled, report
	}

	edges := g.optimizedEdges(opt, &report)

	retryPolicies := make(map[string]retry.Policy)
	for name, n := range g.nodes {
		if n.RetryPolicy != nil {
			retryPolicies[name] = *n.RetryPolicy
		}
	}

	compiled := &Compiled{
		Name:          g.name,
		Nodes:         g.nodes,
		Edges:         edges,
		Conditional:   g.conditional,
		Entry:         g.entry,
		RetryPolicies: retryPolicies,
		Hash:          hash,
		Optimization:  opt,
	}

	g.lastCompiled = compiled
	g.lastHash = hash

	return compiled, report
}

func (g *Graph) validate() ValidationReport {
	var report ValidationReport

	if len(g.nodes) == 0 {
		report.Errors = append(report.Errors, "no nodes")
		return report
	}

	if g.entry == "" {
		report.Errors = append(report.Errors, "no entry point")
	} else if _, ok := g.nodes[g.entry]; !ok {
		report.Errors = append(report.Errors, fmt.Sprintf("entry point %q is not a known node", g.entry))
	}

	// Every edge references known nodes or End.
	for from, tos := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("edge from unknown node %q", from))
		}
		for _, to := range tos {
			if to != End {
				if _, ok := g.nodes[to]; !ok {
					report.Errors = append(report.Errors, fmt.Sprintf("edge %s -> unknown node %q", from, to))
				}
			}
		}
	}
	for from, edges := range g.conditional {
		if _, ok := g.nodes[from]; !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("conditional edge from unknown node %q", from))
		}
		for _, ce := range edges {
			for _, to := range ce.possible {
				if to != End {
					if _, ok := g.nodes[to]; !ok {
						report.Errors = append(report.Errors, fmt.Sprintf("conditional edge %s -> possible unknown node %q", from, to))
					}
				}
			}
		}
	}

	if len(report.Errors) > 0 {
		return report
	}

	g.validateCycles(&report)
	g.validateReachability(&report)

	return report
}

// adjacency builds the combined directed adjacency (plain + conditional
// possible destinations), excluding End.
func (g *Graph) adjacency() map[string][]string {
	adj := make(map[string][]string)
	for name := range g.nodes {
		adj[name] = nil
	}
	for from, tos := range g.edges {
		for _, to := range tos {
			if to != End {
				adj[from] = append(adj[from], to)
			}
		}
	}
	for from, edges := range g.conditional {
		for _, ce := range edges {
			for _, to := range ce.possible {
				if to != End {
					adj[from] = append(adj[from], to)
				}
			}
		}
	}
	return adj
}

// validateCycles finds strongly connected components of size > 1 (real
// cycles) and rejects any that aren't one of the allowed patterns: a
// subset of {think,act,observe} or {agent,tools} of size >= 2, any
// component containing a node named "finalize", or any component with at
// least one conditional edge inside it.
func (g *Graph) validateCycles(report *ValidationReport) {
	adj := g.adjacency()
	components := tarjanSCC(adj)

	for _, comp := range components {
		if len(comp) < 2 {
			continue
		}
		if isSubsetOf(comp, reactCyclePattern) || isSubsetOf(comp, langgraphCyclePattern) {
			continue
		}
		if contains(comp, "finalize") {
			continue
		}
		if g.componentHasConditionalEdge(comp) {
			log.Printf("[Graph] accepted non-ReAct-like cycle via conditional edge: %v", comp)
			continue
		}
		report.Errors = append(report.Errors, fmt.Sprintf("disallowed cycle among nodes: %v", comp))
	}
}

func (g *Graph) componentHasConditionalEdge(comp []string) bool {
	set := make(map[string]bool, len(comp))
	for _, n := range comp {
		set[n] = true
	}
	for from := range set {
		if len(g.conditional[from]) > 0 {
			return true
		}
	}
	return false
}

func isSubsetOf(comp []string, allowed map[string]bool) bool {
	if len(comp) < 2 {
		return false
	}
	for _, n := range comp {
		if !allowed[n] {
			return false
		}
	}
	return true
}

func contains(list []string, target string) bool {
	for _, n := range list {
		if n == target {
			return true
		}
	}
	return false
}

// validateReachability requires every non-entry node to be reachable from
// the entry point; "wrong-direction" reachability (through predecessors)
// counts too, so this walks both edge directions (weak connectivity).
func (g *Graph) validateReachability(report *ValidationReport) {
	adj := g.adjacency()
	undirected := make(map[string]map[string]bool)
	for from, tos := range adj {
		if undirected[from] == nil {
			undirected[from] = make(map[string]bool)
		}
		for _, to := range tos {
			undirected[from][to] = true
			if undirected[to] == nil {
				undirected[to] = make(map[string]bool)
			}
			undirected[to][from] = true
		}
	}

	visited := make(map[string]bool)
	stack := []string{g.entry}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		for neighbor := range undirected[n] {
			if !visited[neighbor] {
				stack = append(stack, neighbor)
			}
		}
	}

	var unreachable []string
	for name := range g.nodes {
		if !visited[name] {
			unreachable = append(unreachable, name)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		report.Errors = append(report.Errors, fmt.Sprintf("unreachable nodes: %v", unreachable))
	}
}

// tarjanSCC returns the strongly connected components of adj.
func tarjanSCC(adj map[string][]string) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var result [][]string

	names := make([]string, 0, len(adj))
	for n := range adj {
		names = append(names, n)
	}
	sort.Strings(names)

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			result = append(result, comp)
		}
	}

	for _, n := range names {
		if _, seen := indices[n]; !seen {
			strongconnect(n)
		}
	}

	return result
}

// optimizedEdges applies the optimisation level to a copy of g's edges.
// Basic removes duplicate edges. Aggressive additionally reorders each
// node's successor list to be deterministic (alphabetical), which is a
// no-op for observable output since the executor already merges wave
// results in lexicographic node-name order; it exists so an
// optimization-aware caller can rely on successor order for diagnostics.
func (g *Graph) optimizedEdges(opt OptimizationLevel, report *ValidationReport) map[string][]string {
	out := make(map[string][]string, len(g.edges))
	for from, tos := range g.edges {
		out[from] = append([]string(nil), tos...)
	}

	if opt == OptNone {
		return out
	}

	for from, tos := range out {
		seen := make(map[string]bool)
		deduped := tos[:0:0]
		for _, to := range tos {
			if !seen[to] {
				seen[to] = true
				deduped = append(deduped, to)
			}
		}
		if len(deduped) != len(tos) {
			report.Suggestions = append(report.Suggestions, fmt.Sprintf("removed duplicate edge(s) from %q", from))
		}
		out[from] = deduped
	}

	if opt == OptAggressive {
		for from := range out {
			sort.Strings(out[from])
		}
	}

	return out
}

// structuralHash hashes (name, node set, edge set, entry point) so Compile
// can detect an unchanged graph and reuse the prior compilation.
func (g *Graph) structuralHash() string {
	var sb strings.Builder
	sb.WriteString(g.name)
	sb.WriteString("|entry=")
	sb.WriteString(g.entry)

	nodeNames := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		nodeNames = append(nodeNames, n)
	}
	sort.Strings(nodeNames)
	sb.WriteString("|nodes=")
	sb.WriteString(strings.Join(nodeNames, ","))

	var edgeStrs []string
	for from, tos := range g.edges {
		for _, to := range tos {
			edgeStrs = append(edgeStrs, from+"->"+to)
		}
	}
	for from, ces := range g.conditional {
		for i, ce := range ces {
			edgeStrs = append(edgeStrs, fmt.Sprintf("%s~>%d:%s", from, i, strings.Join(ce.possible, ",")))
		}
	}
	sort.Strings(edgeStrs)
	sb.WriteString("|edges=")
	sb.WriteString(strings.Join(edgeStrs, ";"))

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Mermaid renders the compiled graph as a "graph TD" Mermaid block.
func (c *Compiled) Mermaid() string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	names := make([]string, 0, len(c.Nodes))
	for n := range c.Nodes {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		n := c.Nodes[name]
		shape := "(%s)"
		if n.Kind == KindRouter {
			shape = "[%s]"
		}
		sb.WriteString(fmt.Sprintf("    %s%s\n", name, fmt.Sprintf(shape, fmt.Sprintf("%s[%s]", name, n.Kind))))
	}

	for _, name := range names {
		for _, to := range c.Edges[name] {
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", name, to))
		}
		for i, ce := range c.Conditional[name] {
			for _, to := range ce.possible {
				sb.WriteString(fmt.Sprintf("    %s -->|cond %d| %s\n", name, i, to))
			}
		}
	}

	return sb.String()
}

// Stats summarises a compiled graph's shape.
type Stats struct {
	NodeCount            int
	EdgeCount            int
	ConditionalEdgeCount int
	EntryPoint           string
	HasErrorHandlers     bool
	HasRetryPolicies     bool
	HasCircuitBreakers   bool
}

// Stats returns execution statistics about the compiled graph.
func (c *Compiled) Stats() Stats {
	edgeCount := 0
	for _, tos := range c.Edges {
		edgeCount += len(tos)
	}
	condCount := 0
	for _, ces := range c.Conditional {
		condCount += len(ces)
	}
	hasHandlers := false
	hasBreakers := false
	for _, n := range c.Nodes {
		if n.Fallback != nil {
			hasHandlers = true
		}
		if n.Breaker != nil {
			hasBreakers = true
		}
	}
	return Stats{
		NodeCount:            len(c.Nodes),
		EdgeCount:            edgeCount,
		ConditionalEdgeCount: condCount,
		EntryPoint:           c.Entry,
		HasErrorHandlers:     hasHandlers,
		HasRetryPolicies:     len(c.RetryPolicies) > 0,
		HasCircuitBreakers:   hasBreakers,
	}
}
