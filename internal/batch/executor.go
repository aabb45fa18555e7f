package batch

import "context"

// TaskExecutor runs one rendered row-task prompt to completion. An
// internal/react.Controller satisfies this by running its ReAct loop and
// returning the final answer.
type TaskExecutor interface {
	Execute(ctx context.Context, prompt string) (string, error)
}

// EchoExecutor is a deterministic TaskExecutor that returns its prompt
// unchanged, used in tests and dry runs in place of a real LLM-backed
// controller.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, prompt string) (string, error) {
	return prompt, nil
}
