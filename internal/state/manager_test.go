package state

import (
	"testing"

	"github.com/loomkit/loom/internal/checkpoint"
)

func TestMergeUsesRegisteredReducer(t *testing.T) {
	reg := NewRegistry()
	reg.Register("counter", Counter)
	mgr := NewManager(reg, nil)

	s1, err := mgr.Merge(State{}, map[string]any{"counter": 1}, "node_a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1["counter"] != int64(1) {
		t.Fatalf("got %v, want 1", s1["counter"])
	}

	s2, err := mgr.Merge(s1, map[string]any{"counter": 2}, "node_b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s2["counter"] != int64(3) {
		t.Errorf("got %v, want 3", s2["counter"])
	}
}

func TestMergeEmptyUpdatesNoVersionBump(t *testing.T) {
	mgr := NewManager(nil, nil)
	before := mgr.CurrentVersion()
	if _, err := mgr.Merge(State{"a": 1}, map[string]any{}, "n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mgr.CurrentVersion() != before {
		t.Errorf("empty update must not bump version: before=%d after=%d", before, mgr.CurrentVersion())
	}
}

func TestVersionsMonotonicAndParentLinked(t *testing.T) {
	mgr := NewManager(nil, nil)
	s := State{}
	var err error
	for i := 0; i < 3; i++ {
		s, err = mgr.Merge(s, map[string]any{"k": i}, "n")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	history := mgr.History(0)
	if len(history) != 3 {
		t.Fatalf("want 3 versions, got %d", len(history))
	}
	for i, v := range history {
		if v.Number != i+1 {
			t.Errorf("version %d has Number %d", i, v.Number)
		}
		if i == 0 {
			if v.Parent != nil {
				t.Errorf("first version should have nil parent, got %v", *v.Parent)
			}
		} else {
			if v.Parent == nil || *v.Parent != history[i-1].Number {
				t.Errorf("version %d parent mismatch", v.Number)
			}
		}
	}
}

func TestMergeTransactionalRollsBackOnError(t *testing.T) {
	reg := NewRegistry()
	reg.Register("bogus", func(existing, incoming any) (any, error) {
		return nil, errBogus
	})
	store := checkpoint.NewMemoryStore(0)
	mgr := NewManager(reg, store)

	current := State{"counter": 1}
	_, checkpointID, err := mgr.MergeTransactional(current, map[string]any{"counter": 2, "bogus": "x"}, "n")
	if err == nil {
		t.Fatal("expected error from bogus reducer")
	}
	if checkpointID == "" {
		t.Fatal("expected a checkpoint id even on failure")
	}

	snap, ok, loadErr := store.Load(checkpointID)
	if loadErr != nil || !ok {
		t.Fatalf("expected checkpoint to be loadable: %v %v", ok, loadErr)
	}
	if snap["counter"] != 1 {
		t.Errorf("rolled-back snapshot should have counter=1, got %v", snap["counter"])
	}
}

type bogusError struct{}

func (bogusError) Error() string { return "bogus reducer failure" }

var errBogus = bogusError{}

func TestDiff(t *testing.T) {
	old := State{"a": 1, "b": 2}
	new := State{"a": 1, "b": 3, "c": 4}
	d := Diff(old, new)
	if _, ok := d["a"]; ok {
		t.Error("unchanged key a should not appear in diff")
	}
	if d["b"].New != 3 {
		t.Errorf("b should show new=3, got %v", d["b"])
	}
	if d["c"].New != 4 {
		t.Errorf("c should show new=4, got %v", d["c"])
	}
}
