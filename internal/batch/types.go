// Package batch runs a tabular input through an LLM-synthesised per-row
// instruction template, executing the resulting tasks either in
// bounded-parallel batches or strict sequence while streaming progress
// events.
package batch

import (
	"strconv"
	"strings"
	"time"
)

// ProcessingMode selects how row-tasks are scheduled.
type ProcessingMode string

const (
	Parallel   ProcessingMode = "parallel"
	Sequential ProcessingMode = "sequential"
)

// Config is a batch run's configuration.
type Config struct {
	Enabled         bool
	CSVPath         string
	BatchSize       int // >= 1
	ConcurrentTasks int // >= 1, Parallel mode only
	Mode            ProcessingMode
	FieldSelection  []string // optional subset of columns surfaced to the template
}

// Row is one CSV data row, 1-indexed per spec.md's "_row_index... starting
// at 1" instruction-generation convention.
type Row struct {
	Index  int
	Values map[string]string
}

// StructureSummary describes a parsed CSV's shape for the instruction
// generation prompt.
type StructureSummary struct {
	Columns     []string
	ColumnTypes map[string]string // "numeric" | "datetime" | "text"
	Sample      []Row             // up to 5 rows
}

// dateTimeKeywords trigger a "datetime" column-type inference when they
// appear in the (lowercased) column name.
var dateTimeKeywords = []string{"date", "time", "timestamp", "created", "updated"}

// InferColumnTypes classifies each column as numeric, datetime, or text
// using the first non-empty value in rows and the column's name.
func InferColumnTypes(columns []string, rows []Row) map[string]string {
	types := make(map[string]string, len(columns))
	for _, col := range columns {
		lower := strings.ToLower(col)
		isDateTime := false
		for _, kw := range dateTimeKeywords {
			if strings.Contains(lower, kw) {
				isDateTime = true
				break
			}
		}
		if isDateTime {
			types[col] = "datetime"
			continue
		}

		types[col] = "text"
		for _, row := range rows {
			v := strings.TrimSpace(row.Values[col])
			if v == "" {
				continue
			}
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				types[col] = "numeric"
			}
			break
		}
	}
	return types
}

// Instruction is the LLM-synthesised per-row task template.
type Instruction struct {
	TaskType           string
	Description        string
	PerRowTemplate     string // contains {column} placeholders
	TotalRows          int
	ExpectedOutputShape string
}

// Progress is a snapshot of a batch run's state. Invariant: Completed ==
// Successful + Failed, and 0 <= Completed <= Total.
type Progress struct {
	Total           int
	Completed       int
	Successful      int
	Failed          int
	CurrentBatch    int
	TotalBatches    int
	StartTime       time.Time
	AvgTaskTime     time.Duration
	CurrentTaskDesc string
}

func (p *Progress) recordCompletion(d time.Duration, success bool, desc string) {
	prevCompleted := p.Completed
	p.Completed++
	if success {
		p.Successful++
	} else {
		p.Failed++
	}
	p.CurrentTaskDesc = desc

	total := p.AvgTaskTime*time.Duration(prevCompleted) + d
	p.AvgTaskTime = total / time.Duration(p.Completed)
}

// EventType names one kind of event in the batch progress stream.
type EventType string

const (
	EventProgress            EventType = "progress"
	EventInstructionGenerated EventType = "instruction_generated"
	EventBatchStart           EventType = "batch_start"
	EventBatchCompleted       EventType = "batch_completed"
	EventSequentialStart      EventType = "sequential_start"
	EventTaskStart            EventType = "task_start"
	EventTaskCompleted        EventType = "task_completed"
	EventTaskError            EventType = "task_error"
	EventFinalSummary         EventType = "final_summary"
	EventError                EventType = "error"
)

// Event is one item in the batch progress stream.
type Event struct {
	Type        EventType
	Progress    Progress
	Instruction *Instruction
	RowIndex    int
	TaskOutput  string
	Err         error
	Status      string // "completed" | "cancelled", set on EventFinalSummary
}
