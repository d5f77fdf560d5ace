package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/llm"
	"conductor/internal/logging"
)

const validPlanJSON = `{
  "goal": "create main.lua",
  "steps": [
    {"title": "Write the file", "details": "use fs_write", "expected_tools": ["fs_write"]}
  ],
  "success_criteria": ["file exists on the client"]
}`

func TestPlannerAcceptsValidPlan(t *testing.T) {
	scripted := llm.NewScripted("planner-model", "Here you go:\n```json\n"+validPlanJSON+"\n```")
	planner := NewModelPlanner(scripted, logging.Nop())

	plan, err := planner.Plan(context.Background(), PlanInput{
		Prompt: "create main.lua",
		Tools:  []string{"fs_write", "fs_read"},
	})
	require.NoError(t, err)
	assert.Equal(t, "create main.lua", plan.Goal)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, []string{"fs_write"}, plan.Steps[0].ExpectedTools)
	assert.Equal(t, 1, scripted.Calls())
}

func TestPlannerRetriesOnceWithCorrection(t *testing.T) {
	scripted := llm.NewScripted("planner-model",
		`{"goal": "missing steps"}`,
		validPlanJSON,
	)
	planner := NewModelPlanner(scripted, logging.Nop())

	plan, err := planner.Plan(context.Background(), PlanInput{Prompt: "p", Tools: nil})
	require.NoError(t, err)
	assert.Equal(t, "create main.lua", plan.Goal)
	require.Equal(t, 2, scripted.Calls())

	// The corrective round must carry the rejected output back.
	retry := scripted.Request(1)
	require.GreaterOrEqual(t, len(retry.Messages), 4)
	assert.Equal(t, "assistant", retry.Messages[len(retry.Messages)-2].Role)
	assert.Contains(t, retry.Messages[len(retry.Messages)-2].Content, "missing steps")
	assert.Contains(t, retry.Messages[len(retry.Messages)-1].Content, "not a valid plan")
}

func TestPlannerFailsAfterExhaustion(t *testing.T) {
	scripted := llm.NewScripted("planner-model", "no json here", "still no json")
	planner := NewModelPlanner(scripted, logging.Nop())

	_, err := planner.Plan(context.Background(), PlanInput{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, scripted.Calls())
}

func TestPlannerPropagatesBackendError(t *testing.T) {
	scripted := llm.NewScripted("planner-model")
	planner := NewModelPlanner(scripted, logging.Nop())

	_, err := planner.Plan(context.Background(), PlanInput{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planner completion")
}

func TestPlanSummaryMentionsStepsAndTools(t *testing.T) {
	plan, err := DecodePlan(validPlanJSON)
	require.NoError(t, err)
	summary := plan.Summary()
	assert.Contains(t, summary, "Goal: create main.lua")
	assert.Contains(t, summary, "1. Write the file")
	assert.Contains(t, summary, "fs_write")
	assert.Contains(t, summary, "Success criteria")
}
