package react

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/loomkit/loom/internal/llm"
	"github.com/loomkit/loom/internal/retry"
)

// ApologyAnswer is the user-visible failure string emitted when a run could
// not produce any answer.
const ApologyAnswer = "未能开始有效的思考过程。请检查问题描述或提供更明确的指导。"

// maxEmptyThoughts is the number of consecutive empty Thought: lines the
// controller tolerates before giving up and returning the apology answer.
const maxEmptyThoughts = 3

// ToolCatalogue is the surface the ReAct controller needs from a tool host:
// a prompt-ready description of available tools, and the ability to invoke
// one by its fully-qualified name.
type ToolCatalogue interface {
	Prompt() string
	Execute(ctx context.Context, fqName string, args map[string]any) (string, error)
}

// schemaCatalogue is satisfied by a ToolCatalogue that can also describe its
// tools as Function Calling schemas. The controller uses it to drive a
// native FC dispatch loop instead of text-parsed Actions when both the LLM
// provider and the tool catalogue support it.
type schemaCatalogue interface {
	ToolCatalogue
	Schemas() []llm.ToolDefinition
}

// Result is what a completed (or gracefully degraded) ReAct run produced.
type Result struct {
	Answer       string
	Success      bool
	Degraded     bool
	Iterations   int
	ActionCount  int
	ObservationCount int
}

// Controller drives the Thought -> Action -> Observation loop against an
// LLM, dispatching Actions through a ToolCatalogue.
type Controller struct {
	LLM           llm.LLMProvider
	Tools         ToolCatalogue
	MaxIterations int
	RetryPolicy   *retry.Policy // optional: wraps each LLM transport call

	loopDetector *LoopDetector
}

// NewController builds a Controller. maxIterations <= 0 defaults to 10.
func NewController(provider llm.LLMProvider, tools ToolCatalogue, maxIterations int) *Controller {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	return &Controller{
		LLM:           provider,
		Tools:         tools,
		MaxIterations: maxIterations,
		loopDetector:  NewLoopDetector(),
	}
}

// Run drives one ReAct loop for query, returning the final Result. Every
// exit path — success, degraded apology, or a summarising fallback at the
// iteration cap — returns a non-error Result; only LLM transport failures
// (with no retry policy configured to absorb them) surface as Go errors.
func (c *Controller) Run(ctx context.Context, query string) (Result, error) {
	if provider, catalogue, ok := c.functionCalling(); ok {
		return c.runFC(ctx, provider, catalogue, query)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: c.systemPrompt()},
		{Role: llm.RoleUser, Content: query},
	}

	emptyThoughts := 0
	result := Result{}

	for iteration := 1; iteration <= c.MaxIterations; iteration++ {
		result.Iterations = iteration

		reply, err := c.callLLM(ctx, messages)
		if err != nil {
			return Result{}, fmt.Errorf("react: LLM call on iteration %d: %w", iteration, err)
		}

		parsed := Parse(reply.Content)
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: reply.Content})

		if parsed.HasFinalAnswer {
			result.Answer = parsed.FinalAnswer
			result.Success = true
			return result, nil
		}

		if parsed.HasThought && parsed.Thought == "" {
			emptyThoughts++
			if emptyThoughts >= maxEmptyThoughts {
				result.Answer = ApologyAnswer
				result.Success = true
				result.Degraded = true
				return result, nil
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: "Your Thought was empty. State a concrete thought before acting, or give a Final Answer.",
			})
			continue
		}
		if parsed.HasThought {
			emptyThoughts = 0
		}

		if parsed.HasAction {
			observation := c.dispatch(ctx, parsed)
			result.ActionCount++
			result.ObservationCount++

			c.loopDetector.Record(parsed.Action, parsed.ActionInputRaw)
			if verdict := c.loopDetector.Check(); verdict != "" {
				log.Printf("[React] loop detector tripped: %s", verdict)
				messages = append(messages, llm.Message{
					Role:    llm.RoleUser,
					Content: fmt.Sprintf("Observation: %s\n(Note: %s — try a different approach or give a Final Answer.)", observation, verdict),
				})
				continue
			}

			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: "Observation: " + observation})
			continue
		}

		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Continue: provide a Thought and either an Action or a Final Answer.",
		})
	}

	// Iteration cap hit: request one summarising turn.
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: "You have reached the iteration limit. Summarise what you know so far as a Final Answer.",
	})
	reply, err := c.callLLM(ctx, messages)
	if err != nil {
		return Result{}, fmt.Errorf("react: summarising turn: %w", err)
	}
	result.Iterations++

	parsed := Parse(reply.Content)
	if parsed.HasFinalAnswer {
		result.Answer = parsed.FinalAnswer
	} else {
		result.Answer = strings.TrimSpace(reply.Content)
		if result.Answer == "" {
			result.Answer = ApologyAnswer
		}
	}
	result.Success = true
	result.Degraded = true
	return result, nil
}

// functionCalling reports whether Run should dispatch tools through native
// Function Calling rather than text-parsed Actions: the LLM provider must
// advertise and enable FC support, and the tool catalogue must be able to
// describe itself as FC schemas.
func (c *Controller) functionCalling() (llm.FunctionCallingProvider, schemaCatalogue, bool) {
	provider, ok := c.LLM.(llm.FunctionCallingProvider)
	if !ok || !provider.IsToolCallingEnabled() {
		return nil, nil, false
	}
	catalogue, ok := c.Tools.(schemaCatalogue)
	if !ok {
		return nil, nil, false
	}
	return provider, catalogue, true
}

// runFC drives the loop using native Function Calling: each turn sends the
// accumulated messages plus tool schemas, executes any tool calls the model
// requests, and feeds their results back as role=tool messages until the
// model replies with plain content (treated as the final answer) or the
// iteration cap is hit.
func (c *Controller) runFC(ctx context.Context, provider llm.FunctionCallingProvider, catalogue schemaCatalogue, query string) (Result, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are an agent that answers questions, calling tools when they help."},
		{Role: llm.RoleUser, Content: query},
	}
	schemas := catalogue.Schemas()
	result := Result{}

	for iteration := 1; iteration <= c.MaxIterations; iteration++ {
		result.Iterations = iteration

		reply, err := provider.CallLLMWithTools(ctx, messages, schemas)
		if err != nil {
			return Result{}, fmt.Errorf("react: FC call on iteration %d: %w", iteration, err)
		}
		messages = append(messages, reply)

		if len(reply.ToolCalls) == 0 {
			result.Answer = strings.TrimSpace(reply.Content)
			if result.Answer == "" {
				result.Answer = ApologyAnswer
				result.Degraded = true
			}
			result.Success = true
			return result, nil
		}

		for _, tc := range reply.ToolCalls {
			var args map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					log.Printf("[React] FC tool call %q had unparsable arguments: %v", tc.Name, err)
					args = map[string]any{}
				}
			}

			out, err := catalogue.Execute(ctx, tc.Name, args)
			result.ActionCount++
			result.ObservationCount++
			if err != nil {
				out = fmt.Sprintf("tool %s failed: %v", tc.Name, err)
			}
			messages = append(messages, llm.Message{Role: llm.RoleTool, Content: out, ToolCallID: tc.ID, Name: tc.Name})
		}
	}

	result.Answer = ApologyAnswer
	result.Success = true
	result.Degraded = true
	return result, nil
}

func (c *Controller) callLLM(ctx context.Context, messages []llm.Message) (llm.Message, error) {
	if c.RetryPolicy == nil {
		return c.LLM.CallLLM(ctx, messages)
	}
	var reply llm.Message
	err := c.RetryPolicy.Do(ctx, "react.callLLM", func() error {
		var innerErr error
		reply, innerErr = c.LLM.CallLLM(ctx, messages)
		return innerErr
	})
	return reply, err
}

// dispatch executes the parsed Action against the tool catalogue, always
// producing an Observation string — tool failures are folded into the
// Observation text rather than propagated as errors, per the loop's
// failure semantics.
func (c *Controller) dispatch(ctx context.Context, parsed Parsed) string {
	if c.Tools == nil {
		return fmt.Sprintf("tool %s failed: no tool catalogue configured", parsed.Action)
	}
	out, err := c.Tools.Execute(ctx, parsed.Action, parsed.ActionInput)
	if err != nil {
		return fmt.Sprintf("tool %s failed: %v", parsed.Action, err)
	}
	return out
}

func (c *Controller) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are an agent that reasons step by step using the ReAct format.\n\n")
	if c.Tools != nil {
		sb.WriteString(c.Tools.Prompt())
		sb.WriteString("\n\n")
	}
	sb.WriteString("Respond using exactly this format, one segment per line:\n")
	sb.WriteString("Thought: <your reasoning>\n")
	sb.WriteString("Action: <tool name>\n")
	sb.WriteString("Action Input: <JSON object of arguments>\n")
	sb.WriteString("(wait for the Observation, then continue)\n")
	sb.WriteString("...or, once you know the answer:\n")
	sb.WriteString("Thought: <your reasoning>\n")
	sb.WriteString("Final Answer: <the answer>\n")
	return sb.String()
}
