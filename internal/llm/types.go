package llm

import (
	"context"
	"encoding/json"
)

// Message represents a chat message for LLM communication.
type Message struct {
	Role             string     `json:"role"`                        // "system", "user", "assistant", "tool"
	Content          string     `json:"content"`                     // The message text
	ReasoningContent string     `json:"reasoning_content,omitempty"` // Native thinking output (e.g. DeepSeek-R1)
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`        // Populated on assistant messages using Function Calling
	ToolCallID       string     `json:"tool_call_id,omitempty"`      // Set on role=tool messages, correlating to the call
	Name             string     `json:"name,omitempty"`              // Tool name, set on role=tool messages
}

// ToolCall is one Function Calling invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes one callable tool for Function Calling providers.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// StreamCallback is invoked for each chunk of streamed text.
// Implementations should be lightweight; heavy work should be deferred.
type StreamCallback func(chunk string)

// LLMProvider defines the interface for all LLM implementations.
// Any OpenAI-compatible endpoint (litellm, Ollama, Azure, vLLM, etc.)
// can be used by implementing this interface.
type LLMProvider interface {
	// CallLLM sends messages to the LLM and returns the complete response.
	CallLLM(ctx context.Context, messages []Message) (Message, error)

	// CallLLMStream sends messages and streams the response token-by-token.
	// Each chunk of text triggers the onChunk callback.
	// Returns the full assembled message once streaming finishes.
	// If the provider does not support streaming, it may fall back to CallLLM.
	CallLLMStream(ctx context.Context, messages []Message, onChunk StreamCallback) (Message, error)

	// GetName returns the provider name/identifier.
	GetName() string
}

// InterruptPredicate examines the growing stream buffer after every chunk
// and reports whether generation should be cancelled now.
type InterruptPredicate func(buffer string) bool

// InterruptibleProvider is implemented by providers that support the
// streaming-interrupt contract: CallLLMStreamInterruptible must respect the interrupt
// predicate, stopping promptly and closing the stream once it returns true.
type InterruptibleProvider interface {
	LLMProvider

	// CallLLMStreamInterruptible streams like CallLLMStream but polls
	// interrupt after every chunk. If interrupt returns true, generation is
	// cancelled and the partial message assembled so far is returned with
	// interrupted=true.
	CallLLMStreamInterruptible(ctx context.Context, messages []Message, onChunk StreamCallback, interrupt InterruptPredicate) (msg Message, interrupted bool, err error)
}

// FunctionCallingProvider is implemented by providers that can dispatch
// tool calls natively instead of relying on a caller to parse them out of
// free text. IsToolCallingEnabled reports whether the configured model
// actually supports it; callers should fall back to text-based dispatch
// when it returns false.
type FunctionCallingProvider interface {
	LLMProvider

	// CallLLMWithTools sends messages alongside tool schemas and returns the
	// model's reply, which may carry ToolCalls instead of (or alongside)
	// Content.
	CallLLMWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (Message, error)

	// IsToolCallingEnabled reports whether Function Calling is enabled for
	// the provider's configured model.
	IsToolCallingEnabled() bool
}

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
