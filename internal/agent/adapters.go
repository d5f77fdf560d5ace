package agent

import (
	"context"
	"errors"

	"conductor/internal/task"
)

// ErrReplan signals that the executor arrangement could not reconcile its
// own output and the task should be re-planned. The control graph treats it
// as "append an error turn and go back to the planner", not as a failure.
var ErrReplan = errors.New("executor requests re-planning")

// PlanInput carries everything a Planner sees: the task prompt and the
// tools the task is allowed to use.
type PlanInput struct {
	Prompt string
	Tools  []string
}

// Planner produces a Plan once per task.
type Planner interface {
	Plan(ctx context.Context, in PlanInput) (*Plan, error)
}

// StepInput carries the per-tick executor context. History is the full task
// history; implementations window and budget it themselves.
type StepInput struct {
	Prompt  string
	Plan    *Plan
	Tools   []string
	History []task.Turn
}

// Executor decides the next step of a task. Implementations are
// interchangeable: the control graph sees only this interface, whether one
// model answers directly or a directive/validator pair negotiates behind it.
type Executor interface {
	NextStep(ctx context.Context, in StepInput) (*ExecutorStep, error)
}
