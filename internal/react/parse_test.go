package react

import "testing"

func TestParseFinalAnswer(t *testing.T) {
	p := Parse("Thought: The user greeted me.\nFinal Answer: Hello! How can I help?")
	if !p.HasFinalAnswer {
		t.Fatal("expected final answer")
	}
	if p.FinalAnswer != "Hello! How can I help?" {
		t.Errorf("got %q", p.FinalAnswer)
	}
	if !p.HasThought || p.Thought != "The user greeted me." {
		t.Errorf("got thought %q", p.Thought)
	}
}

func TestParseActionWithJSONInput(t *testing.T) {
	p := Parse("Thought: need the sum.\nAction: math_add\nAction Input: {\"a\":2,\"b\":3}")
	if !p.HasAction || p.Action != "math_add" {
		t.Fatalf("got action %q", p.Action)
	}
	if p.ActionInput["a"] != float64(2) || p.ActionInput["b"] != float64(3) {
		t.Errorf("got action input %v", p.ActionInput)
	}
}

func TestParseActionInputLooseKV(t *testing.T) {
	p := Parse("Action: search\nAction Input: query=golang, limit=5")
	if p.ActionInput["query"] != "golang" || p.ActionInput["limit"] != "5" {
		t.Errorf("got %v", p.ActionInput)
	}
}

func TestParseActionInputTrimsTrailingObservation(t *testing.T) {
	p := Parse("Action: math_add\nAction Input: {\"a\":1}\nObservation:")
	if p.ActionInputRaw != `{"a":1}` {
		t.Errorf("got raw %q", p.ActionInputRaw)
	}
}

func TestParseEmptyThought(t *testing.T) {
	p := Parse("Thought:\nAction:\nObservation:")
	if !p.HasThought {
		t.Fatal("expected HasThought true even when content is empty")
	}
	if p.Thought != "" {
		t.Errorf("expected empty thought, got %q", p.Thought)
	}
	if p.HasAction {
		t.Error("empty Action: line should not count as HasAction")
	}
}

func TestParsePriorityFinalAnswerWins(t *testing.T) {
	p := Parse("Thought: done\nFinal Answer: 5")
	if !p.HasFinalAnswer || p.FinalAnswer != "5" {
		t.Errorf("got %+v", p)
	}
}
