package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomkit/loom/internal/state"
)

// Aggregation selects how a ParallelNode combines its sub-node results.
type Aggregation string

const (
	AggAll      Aggregation = "all"
	AggFirst    Aggregation = "first"
	AggMajority Aggregation = "majority"
	AggCustom   Aggregation = "custom"
)

// SubNode is one fan-out branch of a parallel node.
type SubNode struct {
	Name string
	Fn   Func
}

// SubResult is one sub-node's outcome, passed to a custom aggregator.
type SubResult struct {
	Name   string
	Output Output
	Err    error
}

// CustomAggregator combines sub-results into a single update map.
type CustomAggregator func(results []SubResult) (map[string]any, error)

// NewParallelNode builds a single graph node that internally fans out to
// subs, aggregates their updates under reducers, and returns one Output —
// so from the wave executor's perspective a parallel node is one node that
// completes in one wave, while the real concurrency happens inside it.
//
// first cancels pending siblings as soon as one sub-node succeeds.
// majority cancels once ceil(len(subs)/2)+1 have completed.
// perSubTimeout <= 0 means no per-sub timeout.
func NewParallelNode(name string, subs []SubNode, agg Aggregation, custom CustomAggregator, perSubTimeout time.Duration, reducers *state.Registry) *Node {
	fn := func(ctx context.Context, in Input) (Output, error) {
		return runParallel(ctx, in, subs, agg, custom, perSubTimeout, reducers)
	}
	return &Node{Name: name, Kind: KindParallel, Fn: fn}
}

func runParallel(ctx context.Context, in Input, subs []SubNode, agg Aggregation, custom CustomAggregator, perSubTimeout time.Duration, reducers *state.Registry) (Output, error) {
	if len(subs) == 0 {
		return Output{}, nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type indexedResult struct {
		idx int
		res SubResult
	}
	results := make(chan indexedResult, len(subs))

	var wg sync.WaitGroup
	for i, sub := range subs {
		i, sub := i, sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			runCtx := subCtx
			var subCancel context.CancelFunc
			if perSubTimeout > 0 {
				runCtx, subCancel = context.WithTimeout(subCtx, perSubTimeout)
				defer subCancel()
			}
			out, err := sub.Fn(runCtx, in)
			select {
			case results <- indexedResult{idx: i, res: SubResult{Name: sub.Name, Output: out, Err: err}}:
			case <-subCtx.Done():
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]SubResult, len(subs))
	seen := make([]bool, len(subs))
	completed := 0
	successThreshold := len(subs)
	if agg == AggMajority {
		successThreshold = (len(subs)+1)/2 + 1
	}

	for completed < len(subs) {
		r, ok := <-results
		if !ok {
			break
		}
		collected[r.idx] = r.res
		seen[r.idx] = true
		completed++

		if agg == AggFirst && r.res.Err == nil {
			cancel()
			break
		}
		if agg == AggMajority && completed >= successThreshold {
			cancel()
			break
		}
	}

	ordered := make([]SubResult, 0, len(collected))
	for i, ok := range seen {
		if ok {
			ordered = append(ordered, collected[i])
		}
	}

	return aggregateResults(ordered, agg, custom, reducers)
}

func aggregateResults(results []SubResult, agg Aggregation, custom CustomAggregator, reducers *state.Registry) (Output, error) {
	if agg == AggCustom {
		if custom == nil {
			return Output{}, fmt.Errorf("parallel node: custom aggregation requested but no aggregator provided")
		}
		merged, err := custom(results)
		if err != nil {
			return Output{}, fmt.Errorf("parallel node: custom aggregator: %w", err)
		}
		return Output{Update: merged}, nil
	}

	// Merge successful sub-node updates in a deterministic order (by
	// sub-node name) through the same reducers the state manager uses,
	// so e.g. append_list concatenates deterministically regardless of
	// completion order.
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	if reducers == nil {
		reducers = state.NewRegistry()
	}

	merged := map[string]any{}
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		for k, incoming := range r.Output.Update {
			reducer := reducers.Lookup(k)
			existing := merged[k]
			out, err := reducer(existing, incoming)
			if err != nil {
				return Output{}, fmt.Errorf("parallel node: aggregate key %q: %w", k, err)
			}
			merged[k] = out
		}
	}

	return Output{Update: merged}, nil
}
