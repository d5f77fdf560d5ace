package agent

import (
	"context"
	"fmt"

	"conductor/internal/llm"
	"conductor/internal/logging"
)

// defaultPlanAttempts bounds the validation retry loop: one call plus one
// corrective re-prompt.
const defaultPlanAttempts = 2

// ModelPlanner asks a single model for a plan and validates the reply.
type ModelPlanner struct {
	client      llm.Client
	logger      logging.Logger
	maxAttempts int
	temperature float64
}

var _ Planner = (*ModelPlanner)(nil)

// NewModelPlanner wraps client as a Planner with the default retry bound.
func NewModelPlanner(client llm.Client, logger logging.Logger) *ModelPlanner {
	return &ModelPlanner{
		client:      client,
		logger:      logging.OrNop(logger),
		maxAttempts: defaultPlanAttempts,
		temperature: 0.2,
	}
}

// Plan requests a plan for the task. Invalid output is fed back once with a
// corrective message; a second failure is a planner-format error that fails
// the task.
func (p *ModelPlanner) Plan(ctx context.Context, in PlanInput) (*Plan, error) {
	messages := []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: plannerUserPrompt(in)},
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		resp, err := p.client.Complete(ctx, llm.CompletionRequest{
			Messages:    messages,
			Temperature: p.temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("planner completion: %w", err)
		}

		plan, err := decodePlanResponse(resp.Content)
		if err == nil {
			p.logger.Info("plan produced in %d attempt(s): %d step(s)", attempt, len(plan.Steps))
			return plan, nil
		}

		lastErr = err
		p.logger.Warn("plan attempt %d/%d rejected: %v", attempt, p.maxAttempts, err)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: fmt.Sprintf(planCorrectiveTemplate, err)},
		)
	}
	return nil, fmt.Errorf("planner output invalid after %d attempts: %w", p.maxAttempts, lastErr)
}

// decodePlanResponse extracts the JSON object from a completion and
// validates it as a Plan.
func decodePlanResponse(content string) (*Plan, error) {
	raw, ok := ExtractLastJSONObject(content)
	if !ok {
		return nil, fmt.Errorf("no JSON object found in reply")
	}
	return DecodePlan(raw)
}
