package agent

import (
	"context"
	"fmt"

	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/shared/token"
	"conductor/internal/task"
)

// Executor defaults; overridable per instance from configuration.
const (
	defaultHistoryWindow = 30
	defaultTokenBudget   = 24000
	executorStrikes      = 2
)

// ModelExecutor drives a task with a single model that answers in the
// strict step format directly.
type ModelExecutor struct {
	client        llm.Client
	logger        logging.Logger
	historyWindow int
	tokenBudget   int
	temperature   float64
}

var _ Executor = (*ModelExecutor)(nil)

// NewModelExecutor wraps client as an Executor. historyWindow and
// tokenBudget bound the prompt size; zero values pick the defaults.
func NewModelExecutor(client llm.Client, logger logging.Logger, historyWindow, tokenBudget int) *ModelExecutor {
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	return &ModelExecutor{
		client:        client,
		logger:        logging.OrNop(logger),
		historyWindow: historyWindow,
		tokenBudget:   tokenBudget,
		temperature:   0.2,
	}
}

// NextStep asks the model for the next step under the 2-strike policy:
// strike one re-prompts with the invalid output and the validation error,
// strike two's failure is returned to the caller, which surfaces it into
// the task history for the next tick.
func (e *ModelExecutor) NextStep(ctx context.Context, in StepInput) (*ExecutorStep, error) {
	messages := e.buildMessages(in)

	var lastErr error
	for strike := 1; strike <= executorStrikes; strike++ {
		resp, err := e.client.Complete(ctx, llm.CompletionRequest{
			Messages:    messages,
			Temperature: e.temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("executor completion: %w", err)
		}

		step, err := decodeStepResponse(resp.Content)
		if err == nil {
			return step, nil
		}

		lastErr = err
		e.logger.Warn("step strike %d/%d rejected: %v", strike, executorStrikes, err)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: fmt.Sprintf(stepCorrectiveTemplate, err)},
		)
	}
	return nil, fmt.Errorf("executor output invalid after %d strikes: %w", executorStrikes, lastErr)
}

func (e *ModelExecutor) buildMessages(in StepInput) []llm.Message {
	messages := []llm.Message{
		{Role: "system", Content: executorSystemPrompt},
		{Role: "user", Content: executorContextPrompt(in)},
	}
	for _, turn := range TrimHistory(in.History, e.historyWindow, e.tokenBudget) {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

// decodeStepResponse extracts the JSON object from a completion and
// validates it as an ExecutorStep, sanitizing content-bearing arguments.
func decodeStepResponse(content string) (*ExecutorStep, error) {
	raw, ok := ExtractLastJSONObject(content)
	if !ok {
		return nil, fmt.Errorf("no JSON object found in reply")
	}
	step, err := DecodeStep(raw)
	if err != nil {
		return nil, err
	}
	for i := range step.ToolCalls {
		SanitizeArguments(step.ToolCalls[i].Arguments)
	}
	return step, nil
}

// TrimHistory keeps the last window turns, then drops the oldest of those
// until the remainder fits the token budget. The newest turn always
// survives, over budget or not.
func TrimHistory(history []task.Turn, window, budget int) []task.Turn {
	if len(history) > window {
		history = history[len(history)-window:]
	}
	if len(history) == 0 {
		return history
	}

	total := 0
	counts := make([]int, len(history))
	for i, turn := range history {
		counts[i] = token.CountTokens(turn.Content)
		total += counts[i]
	}
	start := 0
	for start < len(history)-1 && total > budget {
		total -= counts[start]
		start++
	}
	return history[start:]
}
