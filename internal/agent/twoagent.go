package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"conductor/internal/llm"
	"conductor/internal/logging"
)

// directiveComplete is the pseudo-tool a directive model names when it
// considers the task finished.
const directiveComplete = "complete"

// directiveCall is the loose tool call a directive model appends after its
// free-form reasoning.
type directiveCall struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
}

// TwoAgentExecutor pairs a directive model, which reasons in prose and ends
// with a loose tool call, with a validator that re-emits the call as a
// strict step. When the two disagree on the tool, one corrective retry is
// attempted; if they still disagree the tick ends in ErrReplan and the
// control graph goes back to the planner. Behind the Executor interface it
// is indistinguishable from ModelExecutor.
type TwoAgentExecutor struct {
	directive     llm.Client
	validator     llm.Client
	logger        logging.Logger
	historyWindow int
	tokenBudget   int
	temperature   float64
}

var _ Executor = (*TwoAgentExecutor)(nil)

// NewTwoAgentExecutor builds the directive/validator arrangement. validator
// may be nil, in which case the directive call is validated locally.
func NewTwoAgentExecutor(directive, validator llm.Client, logger logging.Logger, historyWindow, tokenBudget int) *TwoAgentExecutor {
	if historyWindow <= 0 {
		historyWindow = defaultHistoryWindow
	}
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	return &TwoAgentExecutor{
		directive:     directive,
		validator:     validator,
		logger:        logging.OrNop(logger),
		historyWindow: historyWindow,
		tokenBudget:   tokenBudget,
		temperature:   0.2,
	}
}

func (e *TwoAgentExecutor) NextStep(ctx context.Context, in StepInput) (*ExecutorStep, error) {
	call, err := e.askDirective(ctx, in)
	if err != nil {
		return nil, err
	}

	if e.validator == nil {
		return localStep(call), nil
	}

	step, err := e.askValidator(ctx, in, call, "")
	if err != nil {
		return nil, err
	}
	if compatible(call, step) {
		return step, nil
	}

	e.logger.Warn("directive/validator mismatch: directive=%q step=%+v, retrying validator", call.Tool, step.Status)
	correction := fmt.Sprintf(compatibilityCorrectiveTemplate, stepTool(step), call.Tool)
	step, err = e.askValidator(ctx, in, call, correction)
	if err != nil {
		return nil, err
	}
	if compatible(call, step) {
		return step, nil
	}
	return nil, fmt.Errorf("%w: directive named %q, validator produced %q", ErrReplan, call.Tool, stepTool(step))
}

// askDirective runs the prose model and parses the trailing JSON call,
// re-prompting once on a malformed reply.
func (e *TwoAgentExecutor) askDirective(ctx context.Context, in StepInput) (*directiveCall, error) {
	messages := []llm.Message{
		{Role: "system", Content: directiveSystemPrompt},
		{Role: "user", Content: executorContextPrompt(in)},
	}
	for _, turn := range TrimHistory(in.History, e.historyWindow, e.tokenBudget) {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}

	var lastErr error
	for strike := 1; strike <= executorStrikes; strike++ {
		resp, err := e.directive.Complete(ctx, llm.CompletionRequest{
			Messages:    messages,
			Temperature: e.temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("directive completion: %w", err)
		}

		call, err := parseDirectiveCall(resp.Content)
		if err == nil {
			return call, nil
		}

		lastErr = err
		e.logger.Warn("directive strike %d/%d rejected: %v", strike, executorStrikes, err)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: fmt.Sprintf(stepCorrectiveTemplate, err)},
		)
	}
	return nil, fmt.Errorf("directive output invalid after %d strikes: %w", executorStrikes, lastErr)
}

// askValidator turns the directive call into a strict step. correction is
// an optional compatibility complaint from a previous round.
func (e *TwoAgentExecutor) askValidator(ctx context.Context, in StepInput, call *directiveCall, correction string) (*ExecutorStep, error) {
	proposed, _ := json.Marshal(call)
	messages := []llm.Message{
		{Role: "system", Content: validatorSystemPrompt},
		{Role: "user", Content: executorContextPrompt(in)},
		{Role: "user", Content: fmt.Sprintf("Proposed call:\n%s", proposed)},
	}
	if correction != "" {
		messages = append(messages, llm.Message{Role: "user", Content: correction})
	}

	var lastErr error
	for strike := 1; strike <= executorStrikes; strike++ {
		resp, err := e.validator.Complete(ctx, llm.CompletionRequest{
			Messages:    messages,
			Temperature: 0,
		})
		if err != nil {
			return nil, fmt.Errorf("validator completion: %w", err)
		}

		step, err := decodeStepResponse(resp.Content)
		if err == nil {
			return step, nil
		}

		lastErr = err
		e.logger.Warn("validator strike %d/%d rejected: %v", strike, executorStrikes, err)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: fmt.Sprintf(stepCorrectiveTemplate, err)},
		)
	}
	return nil, fmt.Errorf("validator output invalid after %d strikes: %w", executorStrikes, lastErr)
}

// parseDirectiveCall extracts the trailing JSON object of a directive reply.
func parseDirectiveCall(content string) (*directiveCall, error) {
	raw, ok := ExtractLastJSONObject(content)
	if !ok {
		return nil, fmt.Errorf("no JSON object found in reply")
	}
	var call directiveCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return nil, fmt.Errorf("decode directive call: %w", err)
	}
	if call.Tool == "" {
		return nil, fmt.Errorf("directive call names no tool")
	}
	SanitizeArguments(call.Parameters)
	return &call, nil
}

// localStep converts a directive call into a strict step without a second
// model.
func localStep(call *directiveCall) *ExecutorStep {
	switch call.Tool {
	case directiveComplete:
		msg, _ := call.Parameters["final_message"].(string)
		if msg == "" {
			msg = call.Reasoning
		}
		return &ExecutorStep{Status: StepComplete, FinalMessage: msg}
	case "ask_user":
		question, _ := call.Parameters["question"].(string)
		return &ExecutorStep{Status: StepNeedUser, UserQuestion: question}
	default:
		return &ExecutorStep{
			Status:    StepContinue,
			ToolCalls: []ToolCall{{Tool: call.Tool, Arguments: call.Parameters}},
			Note:      call.Reasoning,
		}
	}
}

// compatible checks the validated step against the directive's intent: a
// step naming a different tool, or answering final while the directive
// demanded a tool, is incompatible.
func compatible(call *directiveCall, step *ExecutorStep) bool {
	switch step.Status {
	case StepComplete:
		return call.Tool == directiveComplete
	case StepNeedUser:
		return call.Tool == "ask_user"
	case StepContinue:
		return len(step.ToolCalls) > 0 && step.ToolCalls[0].Tool == call.Tool
	}
	return false
}

// stepTool names the tool a step effectively selected, for diagnostics.
func stepTool(step *ExecutorStep) string {
	switch step.Status {
	case StepComplete:
		return directiveComplete
	case StepNeedUser:
		return "ask_user"
	case StepContinue:
		if len(step.ToolCalls) > 0 {
			return step.ToolCalls[0].Tool
		}
	}
	return "(none)"
}
