package graph

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/loomkit/loom/internal/state"
)

// WaveResult records what happened in one wave, for diagnostics and tests.
type WaveResult struct {
	Iteration int
	Nodes     []string
}

// Executor walks a compiled graph from its entry point, executing each
// wave's frontier concurrently and merging results through the state
// manager's registered reducers in deterministic (lexicographic) order.
type Executor struct {
	StateManager *state.Manager
	MaxParallel  int // 0 means "bound = frontier size" (no artificial cap)
}

// NewExecutor creates an Executor bound to a state manager.
func NewExecutor(mgr *state.Manager) *Executor {
	return &Executor{StateManager: mgr}
}

// Execute runs compiled starting at startNode (or the compiled entry point
// if empty) until the frontier empties, END is reached with no Command
// override, or maxIterations waves elapse (in which case it returns an
// error — termination by iteration bound is a failure mode, not success).
func (e *Executor) Execute(ctx context.Context, compiled *Compiled, initial state.State, startNode string, maxIterations int) (state.State, []WaveResult, error) {
	if compiled == nil {
		return nil, nil, fmt.Errorf("execute: nil compiled graph")
	}
	start := startNode
	if start == "" {
		start = compiled.Entry
	}

	current := initial
	if current == nil {
		current = state.State{}
	}

	frontier := []string{start}
	var waves []WaveResult
	iteration := 0

	for len(frontier) > 0 {
		if iteration >= maxIterations {
			return current, waves, fmt.Errorf("execute: exceeded max_iterations (%d) with frontier %v", maxIterations, frontier)
		}
		iteration++

		select {
		case <-ctx.Done():
			return current, waves, ctx.Err()
		default:
		}

		wave, err := e.runWave(ctx, compiled, current, frontier)
		if err != nil {
			return current, waves, err
		}
		waves = append(waves, WaveResult{Iteration: iteration, Nodes: append([]string(nil), frontier...)})

		sortedNames := make([]string, 0, len(wave))
		for name := range wave {
			sortedNames = append(sortedNames, name)
		}
		sort.Strings(sortedNames)

		for _, name := range sortedNames {
			out := wave[name]
			update := out.Update
			if out.Command != nil {
				update = out.Command.Update
			}
			merged, err := e.StateManager.Merge(current, update, name)
			if err != nil {
				return current, waves, fmt.Errorf("execute: merge after node %q: %w", name, err)
			}
			current = merged
		}

		nextSet := make(map[string]bool)
		for _, name := range frontier {
			out, ok := wave[name]
			if !ok {
				continue
			}
			if out.Command != nil && len(out.Command.Goto) > 0 {
				for _, g := range out.Command.Goto {
					if g != End {
						nextSet[g] = true
					}
				}
				continue
			}
			for _, to := range compiled.Edges[name] {
				if to != End {
					nextSet[to] = true
				}
			}
			for _, ce := range compiled.Conditional[name] {
				next := ce.router(current)
				if next != "" && next != End {
					nextSet[next] = true
				}
			}
		}

		frontier = make([]string, 0, len(nextSet))
		for n := range nextSet {
			frontier = append(frontier, n)
		}
		sort.Strings(frontier)
	}

	return current, waves, nil
}

// runWave executes every node in frontier concurrently, bounded by a
// semaphore sized MaxParallel (default: len(frontier)). Each node observes
// state as of wave-start; nothing is merged until the caller does so after
// runWave returns. If ctx is cancelled mid-wave, already-computed results
// are discarded.
func (e *Executor) runWave(ctx context.Context, compiled *Compiled, waveStart state.State, frontier []string) (map[string]Output, error) {
	bound := e.MaxParallel
	if bound <= 0 {
		bound = len(frontier)
	}
	if bound <= 0 {
		bound = 1
	}
	sem := make(chan struct{}, bound)

	type result struct {
		name string
		out  Output
		err  error
	}
	results := make(chan result, len(frontier))

	for _, name := range frontier {
		name := name
		node, ok := compiled.Nodes[name]
		if !ok {
			results <- result{name: name, err: fmt.Errorf("unknown node %q in frontier", name)}
			continue
		}
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			out, err := e.executeNode(ctx, node, waveStart)
			results <- result{name: name, out: out, err: err}
		}()
	}

	collected := make(map[string]Output, len(frontier))
	for range frontier {
		r := <-results
		if r.err != nil {
			return nil, fmt.Errorf("node %q failed: %w", r.name, r.err)
		}
		collected[r.name] = r.out
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return collected, nil
}

func (e *Executor) executeNode(ctx context.Context, node *Node, waveStart state.State) (Output, error) {
	in := Input{State: waveStart}

	if node.Breaker != nil && !node.Breaker.Allow() {
		err := fmt.Errorf("node %q: circuit breaker open", node.Name)
		if node.Fallback != nil {
			log.Printf("[Graph] node %q: circuit breaker open, invoking fallback", node.Name)
			in.Err = err
			return node.Fallback(ctx, in)
		}
		return Output{}, err
	}

	runOnce := func() (Output, error) {
		return node.Fn(ctx, in)
	}

	var out Output
	var err error
	if node.RetryPolicy != nil {
		retryErr := node.RetryPolicy.Do(ctx, node.Name, func() error {
			var innerErr error
			out, innerErr = runOnce()
			return innerErr
		})
		err = retryErr
	} else {
		out, err = runOnce()
	}

	if node.Breaker != nil {
		if err != nil {
			node.Breaker.RecordFailure()
		} else {
			node.Breaker.RecordSuccess()
		}
	}

	if err != nil {
		if node.Fallback != nil {
			log.Printf("[Graph] node %q failed, invoking fallback: %v", node.Name, err)
			in.Err = err
			return node.Fallback(ctx, in)
		}
		return Output{}, err
	}

	return out, nil
}
