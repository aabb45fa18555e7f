package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// S5 — Batch Sequential: CSV with two rows, a fixed per-row template,
// EchoExecutor echoing its rendered prompt. Expects task_completed events
// in strictly increasing row_index order.
func TestProcessorSequentialOrdering(t *testing.T) {
	provider := scriptedLLM{reply: `{"task_type":"greet","batch_description":"greet each","per_row_template":"Say hi to {name}","expected_output":"text"}`}
	rows := []Row{
		{Index: 1, Values: map[string]string{"name": "A"}},
		{Index: 2, Values: map[string]string{"name": "B"}},
	}
	p := NewProcessor(provider, EchoExecutor{}, Config{Mode: Sequential})

	events := p.Run(context.Background(), "greet each", rows, []string{"name"})

	var completedIndexes []int
	var outputs []string
	var finalSummary *Event
	for ev := range events {
		if ev.Type == EventTaskCompleted {
			completedIndexes = append(completedIndexes, ev.RowIndex)
			outputs = append(outputs, ev.TaskOutput)
		}
		if ev.Type == EventFinalSummary {
			e := ev
			finalSummary = &e
		}
	}

	if len(completedIndexes) != 2 || completedIndexes[0] != 1 || completedIndexes[1] != 2 {
		t.Fatalf("expected strictly increasing row indexes [1 2], got %v", completedIndexes)
	}
	if outputs[0] != "Say hi to A" || outputs[1] != "Say hi to B" {
		t.Errorf("got outputs %v", outputs)
	}
	if finalSummary == nil || finalSummary.Status != "completed" {
		t.Fatalf("expected a completed final summary, got %+v", finalSummary)
	}
	if finalSummary.Progress.Successful != 2 || finalSummary.Progress.Completed != 2 {
		t.Errorf("got progress %+v", finalSummary.Progress)
	}
}

// maxConcurrencyExecutor tracks the maximum number of Execute calls in
// flight simultaneously, for verifying the parallel concurrency bound
// (spec invariant: never more than ConcurrentTasks row-tasks in flight).
type maxConcurrencyExecutor struct {
	inFlight int64
	maxSeen  int64
	mu       sync.Mutex
}

func (m *maxConcurrencyExecutor) Execute(ctx context.Context, prompt string) (string, error) {
	n := atomic.AddInt64(&m.inFlight, 1)
	m.mu.Lock()
	if n > m.maxSeen {
		m.maxSeen = n
	}
	m.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	atomic.AddInt64(&m.inFlight, -1)
	return prompt, nil
}

func TestProcessorParallelRespectsConcurrencyBound(t *testing.T) {
	provider := scriptedLLM{reply: `{"task_type":"x","batch_description":"d","per_row_template":"row {name}","expected_output":"text"}`}
	rows := make([]Row, 0, 20)
	for i := 1; i <= 20; i++ {
		rows = append(rows, Row{Index: i, Values: map[string]string{"name": "n"}})
	}

	exec := &maxConcurrencyExecutor{}
	p := NewProcessor(provider, exec, Config{Mode: Parallel, BatchSize: 5, ConcurrentTasks: 3})

	events := p.Run(context.Background(), "x", rows, []string{"name"})
	completed := 0
	for ev := range events {
		if ev.Type == EventTaskCompleted {
			completed++
		}
	}

	if completed != 20 {
		t.Fatalf("expected all 20 tasks to complete, got %d", completed)
	}
	if exec.maxSeen > 3 {
		t.Errorf("concurrency bound violated: saw %d tasks in flight, limit was 3", exec.maxSeen)
	}
}

func TestProcessorParallelBatchesCompleteInOrder(t *testing.T) {
	provider := scriptedLLM{reply: `{"task_type":"x","batch_description":"d","per_row_template":"row {name}","expected_output":"text"}`}
	rows := []Row{
		{Index: 1, Values: map[string]string{"name": "a"}},
		{Index: 2, Values: map[string]string{"name": "b"}},
		{Index: 3, Values: map[string]string{"name": "c"}},
		{Index: 4, Values: map[string]string{"name": "d"}},
	}
	p := NewProcessor(provider, EchoExecutor{}, Config{Mode: Parallel, BatchSize: 2, ConcurrentTasks: 2})

	events := p.Run(context.Background(), "x", rows, []string{"name"})

	var batchStarts []int
	for ev := range events {
		if ev.Type == EventBatchStart {
			batchStarts = append(batchStarts, ev.Progress.CurrentBatch)
		}
	}
	if len(batchStarts) != 2 || batchStarts[0] != 1 || batchStarts[1] != 2 {
		t.Fatalf("expected batches to start in order [1 2], got %v", batchStarts)
	}
}

// slowEchoExecutor sleeps briefly before echoing, giving a cancellation
// signal time to land between tasks.
type slowEchoExecutor struct{}

func (slowEchoExecutor) Execute(ctx context.Context, prompt string) (string, error) {
	time.Sleep(20 * time.Millisecond)
	return prompt, nil
}

func TestProcessorCancellationProducesCancelledSummary(t *testing.T) {
	provider := scriptedLLM{reply: `{"task_type":"x","batch_description":"d","per_row_template":"row {name}","expected_output":"text"}`}
	rows := make([]Row, 0, 10)
	for i := 1; i <= 10; i++ {
		rows = append(rows, Row{Index: i, Values: map[string]string{"name": "n"}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := NewProcessor(provider, slowEchoExecutor{}, Config{Mode: Sequential})

	events := p.Run(ctx, "x", rows, []string{"name"})

	var finalSummary *Event
	count := 0
	for ev := range events {
		if ev.Type == EventTaskCompleted {
			count++
			if count == 2 {
				cancel()
			}
		}
		if ev.Type == EventFinalSummary {
			e := ev
			finalSummary = &e
		}
	}
	if finalSummary == nil || finalSummary.Status != "cancelled" {
		t.Fatalf("expected a cancelled final summary, got %+v", finalSummary)
	}
}

func TestExportResultsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/results.csv"
	rows := []Row{{Index: 1}, {Index: 2}}
	outputs := map[int]string{1: "ok one", 2: "ok two"}
	errs := map[int]string{}

	if err := ExportResults(path, rows, outputs, errs); err != nil {
		t.Fatalf("export: %v", err)
	}
}
