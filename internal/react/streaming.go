package react

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/loomkit/loom/internal/llm"
	"github.com/loomkit/loom/internal/util"
)

// MaxInterruptDepth bounds the streaming controller's resume recursion.
// The source this runtime is modelled on used 10 with no stated
// justification; kept here as a tunable named constant rather than a
// magic number, per the design note this codifies.
const MaxInterruptDepth = 10

// maxObservationExcerpt is how many raw characters of tool output are
// attached to an ObservationAnalysis.
const maxObservationExcerpt = 3000

// interruptPattern detects "Action: X\nAction Input: Y\nObservation:" at
// the end of the buffer (optionally followed by a trailing newline), with
// nothing yet written after "Observation:".
var interruptPattern = regexp.MustCompile(`(?s)Action:[^\n]+\nAction Input:[^\n]+\nObservation:[ \t]*\n?$`)

// ObservationAnalysis is the structured summary appended to the transcript
// after a streaming tool call, in place of a raw dump of its output.
type ObservationAnalysis struct {
	Status     string // "success" | "error"
	SizeBucket string // "empty" | "small" | "medium" | "large"
	Type       string // "json" | "multi-line" | "single-line"
	Guidance   string // "continue" | "summarize"
	RawExcerpt string
}

func (a ObservationAnalysis) String() string {
	return fmt.Sprintf("[%s, %s, %s, %s]\n%s", a.Status, a.SizeBucket, a.Type, a.Guidance, a.RawExcerpt)
}

// StreamingController is the streaming-consumption variant of Controller:
// it watches the growing token buffer, interrupts generation mid-stream
// when an Action/Action Input/empty-Observation pattern appears, executes
// the tool, and resumes, bounded by MaxInterruptDepth.
type StreamingController struct {
	LLM   llm.InterruptibleProvider
	Tools ToolCatalogue

	MaxDepth int // 0 means MaxInterruptDepth
}

// NewStreamingController builds a StreamingController.
func NewStreamingController(provider llm.InterruptibleProvider, tools ToolCatalogue) *StreamingController {
	return &StreamingController{LLM: provider, Tools: tools}
}

// Run streams one turn, recursively resuming across tool interrupts, and
// returns the fully assembled content once a turn completes without being
// interrupted (or the depth cap is hit).
func (c *StreamingController) Run(ctx context.Context, messages []llm.Message, onChunk llm.StreamCallback) (string, error) {
	maxDepth := c.MaxDepth
	if maxDepth <= 0 {
		maxDepth = MaxInterruptDepth
	}
	return c.runDepth(ctx, messages, onChunk, 0, maxDepth)
}

func (c *StreamingController) runDepth(ctx context.Context, messages []llm.Message, onChunk llm.StreamCallback, depth, maxDepth int) (string, error) {
	if depth >= maxDepth {
		return "", fmt.Errorf("react: streaming interrupt recursion exceeded depth %d", maxDepth)
	}

	msg, interrupted, err := c.LLM.CallLLMStreamInterruptible(ctx, messages, onChunk, interruptPattern.MatchString)
	if err != nil {
		return "", fmt.Errorf("react: streaming call at depth %d: %w", depth, err)
	}
	if !interrupted {
		return msg.Content, nil
	}

	buffer := msg.Content
	action, actionInput, ok := extractInterruptedAction(buffer)
	observation := ""
	if !ok || c.Tools == nil {
		observation = ObservationAnalysis{
			Status:     "error",
			SizeBucket: "empty",
			Type:       "single-line",
			Guidance:   "continue",
			RawExcerpt: "could not parse an Action to execute from the interrupted stream",
		}.String()
	} else {
		observation = c.runTool(ctx, action, actionInput).String()
	}

	resumed := buffer + observation
	nextMessages := append(append([]llm.Message{}, messages...), llm.Message{Role: llm.RoleAssistant, Content: resumed})

	return c.runDepth(ctx, nextMessages, onChunk, depth+1, maxDepth)
}

func (c *StreamingController) runTool(ctx context.Context, action string, input map[string]any) ObservationAnalysis {
	out, err := c.Tools.Execute(ctx, action, input)
	if err != nil {
		return analyzeObservation("error", fmt.Sprintf("tool %s failed: %v", action, err))
	}
	return analyzeObservation("success", out)
}

func analyzeObservation(status, raw string) ObservationAnalysis {
	a := ObservationAnalysis{Status: status}

	switch {
	case len(raw) == 0:
		a.SizeBucket = "empty"
	case len(raw) < 200:
		a.SizeBucket = "small"
	case len(raw) < 2000:
		a.SizeBucket = "medium"
	default:
		a.SizeBucket = "large"
	}

	trimmed := strings.TrimSpace(raw)
	switch {
	case isJSON(trimmed):
		a.Type = "json"
	case strings.Contains(trimmed, "\n"):
		a.Type = "multi-line"
	default:
		a.Type = "single-line"
	}

	if status == "error" || a.SizeBucket == "large" {
		a.Guidance = "summarize"
	} else {
		a.Guidance = "continue"
	}

	a.RawExcerpt = util.TruncateRunes(raw, maxObservationExcerpt)
	return a
}

func isJSON(s string) bool {
	if s == "" {
		return false
	}
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractInterruptedAction pulls Action/Action Input out of a buffer that
// ends mid-pattern (Observation: with nothing after it yet).
func extractInterruptedAction(buffer string) (string, map[string]any, bool) {
	parsed := Parse(buffer)
	if !parsed.HasAction {
		return "", nil, false
	}
	return parsed.Action, parsed.ActionInput, true
}
