package graph

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/loomkit/loom/internal/retry"
	"github.com/loomkit/loom/internal/state"
)

func TestExecutorSimpleChain(t *testing.T) {
	g := New("chain")
	g.AddNode("start", KindCustom, func(ctx context.Context, in Input) (Output, error) {
		return Output{Update: map[string]any{"q": "x"}}, nil
	})
	g.AddNode("end", KindFinalize, func(ctx context.Context, in Input) (Output, error) {
		return Output{Update: map[string]any{"done": true}}, nil
	})
	g.AddEdge("start", "end")
	g.SetEntryPoint("start")

	compiled, report := g.Compile(OptNone)
	if !report.OK() {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	mgr := state.NewManager(nil, nil)
	exec := NewExecutor(mgr)
	final, waves, err := exec.Execute(context.Background(), compiled, state.State{}, "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final["q"] != "x" || final["done"] != true {
		t.Errorf("unexpected final state: %v", final)
	}
	if len(waves) != 2 {
		t.Errorf("expected 2 waves, got %d", len(waves))
	}
}

// TestExecutorParallelFanOut mirrors the spec's parallel fan-out scenario:
// start emits {q:"x"}, then a single parallel node fans to three sub-nodes
// each appending one hit under append_list, then the graph ends — the
// whole thing should complete in exactly 2 waves.
func TestExecutorParallelFanOut(t *testing.T) {
	reducers := state.NewRegistry()
	reducers.Register("hits", state.AppendList)

	subs := []SubNode{
		{Name: "sub_a", Fn: func(ctx context.Context, in Input) (Output, error) {
			return Output{Update: map[string]any{"hits": []any{"a"}}}, nil
		}},
		{Name: "sub_b", Fn: func(ctx context.Context, in Input) (Output, error) {
			return Output{Update: map[string]any{"hits": []any{"b"}}}, nil
		}},
		{Name: "sub_c", Fn: func(ctx context.Context, in Input) (Output, error) {
			return Output{Update: map[string]any{"hits": []any{"c"}}}, nil
		}},
	}
	parallelNode := NewParallelNode("fan", subs, AggAll, nil, 0, reducers)

	g := New("fanout")
	g.AddNode("start", KindCustom, func(ctx context.Context, in Input) (Output, error) {
		return Output{Update: map[string]any{"q": "x"}}, nil
	})
	g.nodes["fan"] = parallelNode
	g.order = append(g.order, "fan")
	g.AddEdge("start", "fan")
	g.SetEntryPoint("start")

	compiled, report := g.Compile(OptNone)
	if !report.OK() {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	mgr := state.NewManager(reducers, nil)
	exec := NewExecutor(mgr)
	final, waves, err := exec.Execute(context.Background(), compiled, state.State{}, "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waves) != 2 {
		t.Fatalf("expected exactly 2 waves, got %d", len(waves))
	}
	if final["q"] != "x" {
		t.Errorf("expected q=x, got %v", final["q"])
	}
	hits, ok := final["hits"].([]any)
	if !ok {
		t.Fatalf("expected hits to be a list, got %T", final["hits"])
	}
	got := make([]string, len(hits))
	for i, h := range hits {
		got[i] = h.(string)
	}
	sort.Strings(got)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got hits %v, want (any order of) %v", got, want)
	}
}

func TestExecutorMaxIterationsIsFailure(t *testing.T) {
	g := New("loop")
	g.AddNode("think", KindThink, noop)
	g.AddNode("act", KindAct, noop)
	g.AddNode("observe", KindObserve, noop)
	g.AddEdge("think", "act")
	g.AddEdge("act", "observe")
	g.AddEdge("observe", "think")
	g.SetEntryPoint("think")

	compiled, report := g.Compile(OptNone)
	if !report.OK() {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	mgr := state.NewManager(nil, nil)
	exec := NewExecutor(mgr)
	_, _, err := exec.Execute(context.Background(), compiled, state.State{}, "", 3)
	if err == nil {
		t.Fatal("expected max_iterations error for an infinite cycle")
	}
}

func TestExecutorCommandOverridesStaticEdges(t *testing.T) {
	g := New("cmd")
	g.AddNode("start", KindCustom, func(ctx context.Context, in Input) (Output, error) {
		return Output{Command: &Command{Update: map[string]any{"q": "x"}, Goto: []string{"finish"}}}, nil
	})
	g.AddNode("wrong", KindCustom, noop)
	g.AddNode("finish", KindFinalize, func(ctx context.Context, in Input) (Output, error) {
		return Output{Update: map[string]any{"done": true}}, nil
	})
	g.AddEdge("start", "wrong")
	g.SetEntryPoint("start")

	compiled, report := g.Compile(OptNone)
	if !report.OK() {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	mgr := state.NewManager(nil, nil)
	exec := NewExecutor(mgr)
	final, _, err := exec.Execute(context.Background(), compiled, state.State{}, "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final["done"] != true {
		t.Errorf("Command goto should have routed to finish, got %v", final)
	}
}

func TestExecutorRespectsCancellation(t *testing.T) {
	g := New("cancel")
	g.AddNode("slow", KindCustom, func(ctx context.Context, in Input) (Output, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return Output{Update: map[string]any{"done": true}}, nil
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	})
	g.SetEntryPoint("slow")

	compiled, report := g.Compile(OptNone)
	if !report.OK() {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	mgr := state.NewManager(nil, nil)
	exec := NewExecutor(mgr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := exec.Execute(ctx, compiled, state.State{}, "", 10)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

// TestExecutorCircuitBreakerTripsToFallback verifies a node wired with a
// circuit breaker fails fast through its fallback once the breaker opens,
// without invoking Fn again.
func TestExecutorCircuitBreakerTripsToFallback(t *testing.T) {
	calls := 0
	g := New("breaker")
	g.AddNode("flaky", KindCustom, func(ctx context.Context, in Input) (Output, error) {
		calls++
		return Output{}, fmt.Errorf("boom")
	})
	g.AddErrorHandler("flaky", func(ctx context.Context, in Input) (Output, error) {
		return Output{Update: map[string]any{"fell_back": true}}, nil
	})
	g.AddCircuitBreaker("flaky", retry.NewCircuitBreaker(2, time.Minute))
	g.SetEntryPoint("flaky")

	compiled, report := g.Compile(OptNone)
	if !report.OK() {
		t.Fatalf("unexpected errors: %v", report.Errors)
	}

	mgr := state.NewManager(nil, nil)
	exec := NewExecutor(mgr)

	// First two runs trip the breaker (threshold 2); Fn still runs both
	// times and fails into the fallback.
	for i := 0; i < 2; i++ {
		final, _, err := exec.Execute(context.Background(), compiled, state.State{}, "", 10)
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", i, err)
		}
		if final["fell_back"] != true {
			t.Fatalf("run %d: expected fallback output, got %v", i, final)
		}
	}
	if calls != 2 {
		t.Fatalf("expected Fn to run twice before tripping, got %d", calls)
	}

	// Third run: breaker is open, Fn must not be invoked again.
	final, _, err := exec.Execute(context.Background(), compiled, state.State{}, "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final["fell_back"] != true {
		t.Fatalf("expected fallback output while breaker open, got %v", final)
	}
	if calls != 2 {
		t.Fatalf("expected Fn not to run while breaker is open, got %d calls", calls)
	}
}
