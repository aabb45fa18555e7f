package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/loomkit/loom/internal/llm"
)

// GenerateInstruction asks the LLM to synthesise a per-row template from
// userMessage and summary, tolerating markdown code fences in the reply.
// On any parse failure it falls back to a generic template referencing the
// first column, rather than failing the batch run.
func GenerateInstruction(ctx context.Context, provider llm.LLMProvider, userMessage string, summary StructureSummary) (Instruction, []string) {
	var warnings []string

	reply, err := provider.CallLLM(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: instructionSystemPrompt()},
		{Role: llm.RoleUser, Content: buildInstructionPrompt(userMessage, summary)},
	})
	if err != nil {
		log.Printf("[Batch] instruction generation call failed: %v", err)
		return fallbackInstruction(userMessage, summary), warnings
	}

	instr, ok := parseInstructionResponse(reply.Content, len(summary.Sample))
	if !ok {
		log.Printf("[Batch] instruction generation response unparsable, using fallback template")
		return fallbackInstruction(userMessage, summary), warnings
	}

	instr.TotalRows = totalRowsFromSummary(summary)
	warnings = append(warnings, validatePlaceholders(instr.PerRowTemplate, summary.Columns)...)
	return instr, warnings
}

func totalRowsFromSummary(summary StructureSummary) int {
	return len(summary.Sample)
}

func instructionSystemPrompt() string {
	return "You design a per-row task template for a CSV batch job. " +
		"Respond with ONLY a JSON object: " +
		`{"task_type": string, "batch_description": string, "per_row_template": string, "expected_output": string}. ` +
		"The per_row_template must reference CSV column names as {column} placeholders."
}

func buildInstructionPrompt(userMessage string, summary StructureSummary) string {
	var sb strings.Builder
	sb.WriteString("User request: ")
	sb.WriteString(userMessage)
	sb.WriteString("\n\nCSV columns: ")
	sb.WriteString(strings.Join(summary.Columns, ", "))
	sb.WriteString("\nColumn types: ")
	for _, col := range summary.Columns {
		fmt.Fprintf(&sb, "%s=%s ", col, summary.ColumnTypes[col])
	}
	if len(summary.Sample) > 0 {
		sb.WriteString("\nSample row: ")
		b, _ := json.Marshal(summary.Sample[0].Values)
		sb.Write(b)
	}
	return sb.String()
}

type llmInstructionResponse struct {
	TaskType         string `json:"task_type"`
	BatchDescription string `json:"batch_description"`
	PerRowTemplate   string `json:"per_row_template"`
	ExpectedOutput   string `json:"expected_output"`
}

func parseInstructionResponse(raw string, totalRows int) (Instruction, bool) {
	jsonStr := extractJSON(raw)

	var parsed llmInstructionResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return Instruction{}, false
	}
	if strings.TrimSpace(parsed.PerRowTemplate) == "" {
		return Instruction{}, false
	}

	return Instruction{
		TaskType:            nonEmpty(parsed.TaskType, "batch_task"),
		Description:         parsed.BatchDescription,
		PerRowTemplate:      parsed.PerRowTemplate,
		TotalRows:           totalRows,
		ExpectedOutputShape: parsed.ExpectedOutput,
	}, true
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// extractJSON finds the first JSON object in a string, stripping any
// surrounding markdown code fence.
func extractJSON(input string) string {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}

func fallbackInstruction(userMessage string, summary StructureSummary) Instruction {
	firstCol := "value"
	if len(summary.Columns) > 0 {
		firstCol = summary.Columns[0]
	}
	return Instruction{
		TaskType:            "generic",
		Description:         userMessage,
		PerRowTemplate:      fmt.Sprintf("%s: {%s}", strings.TrimSpace(userMessage), firstCol),
		TotalRows:           totalRowsFromSummary(summary),
		ExpectedOutputShape: "text",
	}
}

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// validatePlaceholders returns a warning for every {placeholder} in
// template that doesn't name one of columns.
func validatePlaceholders(template string, columns []string) []string {
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}

	var warnings []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		name := strings.TrimSpace(m[1])
		if !known[name] {
			warnings = append(warnings, fmt.Sprintf("template placeholder {%s} does not match any CSV column", name))
		}
	}
	return warnings
}

// RenderTemplate substitutes every {column} placeholder in template with
// the row's value for that column, leaving unknown placeholders untouched.
func RenderTemplate(template string, row Row) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[1 : len(match)-1])
		if v, ok := row.Values[name]; ok {
			return v
		}
		return match
	})
}
