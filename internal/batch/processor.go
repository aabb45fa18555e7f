package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomkit/loom/internal/csvdata"
	"github.com/loomkit/loom/internal/llm"
)

// Processor drives one batch run: instruction generation, then either
// Parallel or Sequential row-task execution, streaming typed events.
type Processor struct {
	LLM      llm.LLMProvider
	Executor TaskExecutor
	Config   Config
}

// NewProcessor builds a Processor. cfg.BatchSize and cfg.ConcurrentTasks
// default to 1 if not positive.
func NewProcessor(provider llm.LLMProvider, executor TaskExecutor, cfg Config) *Processor {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.ConcurrentTasks < 1 {
		cfg.ConcurrentTasks = 1
	}
	return &Processor{LLM: provider, Executor: executor, Config: cfg}
}

// taskResult is one completed row-task, recorded for ExportResults.
type taskResult struct {
	row     Row
	output  string
	err     error
	elapsed time.Duration
}

// Run executes the batch over rows and returns a channel of progress
// events, closed when the run finishes (including on cancellation). The
// caller must drain the channel to completion.
func (p *Processor) Run(ctx context.Context, userMessage string, rows []Row, columns []string) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		summary := StructureSummary{
			Columns:     columns,
			ColumnTypes: InferColumnTypes(columns, rows),
			Sample:      sampleRows(rows, 5),
		}

		progress := Progress{Total: len(rows), StartTime: time.Now()}
		events <- Event{Type: EventProgress, Progress: progress}

		instr, warnings := GenerateInstruction(ctx, p.LLM, userMessage, summary)
		instr.TotalRows = len(rows)
		events <- Event{Type: EventInstructionGenerated, Instruction: &instr}
		for _, w := range warnings {
			events <- Event{Type: EventError, Err: fmt.Errorf("batch: %s", w)}
		}

		var status string
		if p.Config.Mode == Sequential {
			status = p.runSequential(ctx, rows, instr, &progress, events)
		} else {
			status = p.runParallel(ctx, rows, instr, &progress, events)
		}

		events <- Event{Type: EventFinalSummary, Progress: progress, Status: status}
	}()

	return events
}

func sampleRows(rows []Row, n int) []Row {
	if n > len(rows) {
		n = len(rows)
	}
	return rows[:n]
}

func (p *Processor) runSequential(ctx context.Context, rows []Row, instr Instruction, progress *Progress, events chan<- Event) string {
	events <- Event{Type: EventSequentialStart, Progress: *progress}

	for _, row := range rows {
		select {
		case <-ctx.Done():
			return "cancelled"
		default:
		}

		events <- Event{Type: EventTaskStart, RowIndex: row.Index}
		res := p.runTask(ctx, row, instr)

		progress.recordCompletion(res.elapsed, res.err == nil, taskDesc(row, res))
		if res.err != nil {
			events <- Event{Type: EventTaskError, RowIndex: row.Index, Err: res.err, Progress: *progress}
		} else {
			events <- Event{Type: EventTaskCompleted, RowIndex: row.Index, TaskOutput: res.output, Progress: *progress}
		}
	}
	return "completed"
}

func (p *Processor) runParallel(ctx context.Context, rows []Row, instr Instruction, progress *Progress, events chan<- Event) string {
	batches := partition(rows, p.Config.BatchSize)
	progress.TotalBatches = len(batches)

	for i, batch := range batches {
		select {
		case <-ctx.Done():
			return "cancelled"
		default:
		}

		progress.CurrentBatch = i + 1
		events <- Event{Type: EventBatchStart, Progress: *progress}

		cancelled := p.runBatch(ctx, batch, instr, progress, events)

		events <- Event{Type: EventBatchCompleted, Progress: *progress}
		if cancelled {
			return "cancelled"
		}
	}
	return "completed"
}

// runBatch runs one batch's rows under a concurrency semaphore. Task
// completions are unordered within the batch; failures in one row-task do
// not cancel siblings. Returns true if ctx was cancelled mid-batch — the
// in-flight tasks already scheduled are still awaited before returning.
func (p *Processor) runBatch(ctx context.Context, batch []Row, instr Instruction, progress *Progress, events chan<- Event) bool {
	sem := make(chan struct{}, p.Config.ConcurrentTasks)
	var mu sync.Mutex
	var wg sync.WaitGroup

	cancelled := false

	for _, row := range batch {
		select {
		case <-ctx.Done():
			cancelled = true
		default:
		}
		if cancelled {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(row Row) {
			defer wg.Done()
			defer func() { <-sem }()

			mu.Lock()
			events <- Event{Type: EventTaskStart, RowIndex: row.Index}
			mu.Unlock()

			res := p.runTask(ctx, row, instr)

			mu.Lock()
			progress.recordCompletion(res.elapsed, res.err == nil, taskDesc(row, res))
			if res.err != nil {
				events <- Event{Type: EventTaskError, RowIndex: row.Index, Err: res.err, Progress: *progress}
			} else {
				events <- Event{Type: EventTaskCompleted, RowIndex: row.Index, TaskOutput: res.output, Progress: *progress}
			}
			mu.Unlock()
		}(row)
	}

	wg.Wait()
	return cancelled
}

func (p *Processor) runTask(ctx context.Context, row Row, instr Instruction) taskResult {
	prompt := RenderTemplate(instr.PerRowTemplate, row)
	start := time.Now()
	out, err := p.Executor.Execute(ctx, prompt)
	return taskResult{row: row, output: out, err: err, elapsed: time.Since(start)}
}

func taskDesc(row Row, res taskResult) string {
	if res.err != nil {
		return fmt.Sprintf("row %d failed: %v", row.Index, res.err)
	}
	return fmt.Sprintf("row %d complete", row.Index)
}

func partition(rows []Row, size int) [][]Row {
	var batches [][]Row
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[start:end])
	}
	return batches
}

// ExportResults writes the given completed task outputs to path as CSV,
// one row per task plus its rendered output and any error text.
func ExportResults(path string, rows []Row, outputs map[int]string, errs map[int]string) error {
	columns := []string{"_row_index", "output", "error"}
	csvRows := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		csvRows = append(csvRows, map[string]string{
			"_row_index": fmt.Sprintf("%d", row.Index),
			"output":     outputs[row.Index],
			"error":      errs[row.Index],
		})
	}
	sort.Slice(csvRows, func(i, j int) bool { return csvRows[i]["_row_index"] < csvRows[j]["_row_index"] })
	return csvdata.WriteFile(path, columns, csvRows)
}
