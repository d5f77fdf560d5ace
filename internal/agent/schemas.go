// Package agent turns untrusted model output into validated plans and
// executor steps. It hosts the Planner and Executor adapters and the
// two-agent (directive + validator) arrangement.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Executor step statuses.
const (
	StepContinue = "continue"
	StepNeedUser = "need_user"
	StepComplete = "complete"
)

// ToolCall is one named, keyed operation the model asks to be performed.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ExecutorStep is the validated unit of model output per tick.
type ExecutorStep struct {
	Status       string     `json:"status"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinalMessage string     `json:"final_message,omitempty"`
	UserQuestion string     `json:"user_question,omitempty"`
	Note         string     `json:"note,omitempty"`
}

// PlanStep is a single step of a task plan.
type PlanStep struct {
	Title         string   `json:"title"`
	Details       string   `json:"details"`
	ExpectedTools []string `json:"expected_tools,omitempty"`
}

// Plan is the Planner's structured output. It is created once per task and
// never mutated.
type Plan struct {
	Goal            string     `json:"goal"`
	Steps           []PlanStep `json:"steps"`
	Risks           []string   `json:"risks,omitempty"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
}

// Summary renders the plan for inclusion in executor prompts.
func (p *Plan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
	for i, step := range p.Steps {
		fmt.Fprintf(&b, "%d. %s", i+1, step.Title)
		if step.Details != "" {
			fmt.Fprintf(&b, " — %s", step.Details)
		}
		if len(step.ExpectedTools) > 0 {
			fmt.Fprintf(&b, " (tools: %s)", strings.Join(step.ExpectedTools, ", "))
		}
		b.WriteByte('\n')
	}
	if len(p.SuccessCriteria) > 0 {
		fmt.Fprintf(&b, "Success criteria: %s\n", strings.Join(p.SuccessCriteria, "; "))
	}
	return b.String()
}

const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["goal", "steps"],
  "additionalProperties": false,
  "properties": {
    "goal": {"type": "string", "minLength": 1},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["title"],
        "additionalProperties": false,
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "details": {"type": "string"},
          "expected_tools": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "risks": {"type": "array", "items": {"type": "string"}},
    "success_criteria": {"type": "array", "items": {"type": "string"}}
  }
}`

const stepSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status"],
  "additionalProperties": false,
  "properties": {
    "status": {"enum": ["continue", "need_user", "complete"]},
    "tool_calls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["tool"],
        "additionalProperties": false,
        "properties": {
          "tool": {"type": "string", "minLength": 1},
          "arguments": {"type": "object"}
        }
      }
    },
    "final_message": {"type": ["string", "null"]},
    "user_question": {"type": ["string", "null"]},
    "note": {"type": ["string", "null"]}
  },
  "allOf": [
    {
      "if": {"properties": {"status": {"const": "continue"}}},
      "then": {"required": ["tool_calls"], "properties": {"tool_calls": {"minItems": 1}}}
    },
    {
      "if": {"properties": {"status": {"const": "need_user"}}},
      "then": {"required": ["user_question"], "properties": {"user_question": {"type": "string", "minLength": 1}}}
    },
    {
      "if": {"properties": {"status": {"const": "complete"}}},
      "then": {"required": ["final_message"], "properties": {"final_message": {"type": "string"}}}
    }
  ]
}`

var (
	schemaOnce     sync.Once
	planCompiled   *jsonschema.Schema
	stepCompiled   *jsonschema.Schema
	schemaCompbErr error
)

func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		planCompiled, schemaCompbErr = jsonschema.CompileString("plan.json", planSchema)
		if schemaCompbErr != nil {
			return
		}
		stepCompiled, schemaCompbErr = jsonschema.CompileString("executor_step.json", stepSchema)
	})
	return planCompiled, stepCompiled, schemaCompbErr
}

// DecodePlan validates raw against the plan schema and decodes it.
func DecodePlan(raw string) (*Plan, error) {
	plan, _, err := compiledSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	if err := validateJSON(plan, raw); err != nil {
		return nil, err
	}
	var out Plan
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &out, nil
}

// DecodeStep validates raw against the executor step schema and decodes it.
func DecodeStep(raw string) (*ExecutorStep, error) {
	_, step, err := compiledSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile step schema: %w", err)
	}
	if err := validateJSON(step, raw); err != nil {
		return nil, err
	}
	var out ExecutorStep
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode executor step: %w", err)
	}
	return &out, nil
}

func validateJSON(schema *jsonschema.Schema, raw string) error {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
