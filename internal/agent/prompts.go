package agent

import (
	"fmt"
	"strings"
)

const plannerSystemPrompt = `You are a planning assistant for an automated task orchestrator.
Given a task description and the set of available tools, produce a short,
concrete plan as a single JSON object with this shape:

{
  "goal": "<one-sentence restatement of the task>",
  "steps": [
    {"title": "<short step title>", "details": "<what to do>", "expected_tools": ["<tool>", ...]}
  ],
  "risks": ["<optional risk>", ...],
  "success_criteria": ["<how to tell the task is done>", ...]
}

Rules:
- Only reference tools from the provided list.
- Keep the plan to at most 8 steps.
- Respond with the JSON object only, no prose.`

const executorSystemPrompt = `You are the execution engine of an automated task orchestrator.
Each turn you decide the single next step toward completing the task.
Respond with exactly one JSON object:

{"status": "continue", "tool_calls": [{"tool": "<name>", "arguments": {...}}], "note": "<optional>"}
{"status": "need_user", "user_question": "<behavioral question for the user>"}
{"status": "complete", "final_message": "<summary of the outcome>"}

Rules:
- Only call tools from the allowed list.
- Make decisions yourself; only ask the user about preferences or
  permissions, never about content you are expected to produce.
- Respond with the JSON object only, no prose.`

const directiveSystemPrompt = `You are the lead engineer working through a task step by step.
Think out loud about the current state, then end your reply with exactly one
JSON object naming the next tool call:

{"tool": "<name>", "parameters": {...}, "reasoning": "<why this call>"}

When the task is finished, use:

{"tool": "complete", "parameters": {"final_message": "<summary>"}, "reasoning": "<why done>"}

Only use tools from the allowed list.`

const validatorSystemPrompt = `You validate a proposed tool call for an automated task orchestrator.
Given the task context and a proposed call, emit the call as a strict step
JSON object, fixing argument shapes where needed:

{"status": "continue", "tool_calls": [{"tool": "<name>", "arguments": {...}}]}
{"status": "need_user", "user_question": "<question>"}
{"status": "complete", "final_message": "<summary>"}

Keep the proposed tool unless it is not in the allowed list. Respond with
the JSON object only.`

const planCorrectiveTemplate = `Your previous reply was not a valid plan: %s
Reply again with only the corrected JSON object.`

const stepCorrectiveTemplate = `Your previous reply was not a valid step: %s
Reply again with only the corrected JSON object.`

const compatibilityCorrectiveTemplate = `Your step named tool %q but the directive asked for %q.
Emit the step for the directive's tool, or explain why it cannot be done.`

func formatToolList(tools []string) string {
	if len(tools) == 0 {
		return "(none)"
	}
	return strings.Join(tools, ", ")
}

func plannerUserPrompt(in PlanInput) string {
	return fmt.Sprintf("Task:\n%s\n\nAvailable tools: %s", in.Prompt, formatToolList(in.Tools))
}

func executorContextPrompt(in StepInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\n", in.Prompt)
	if in.Plan != nil {
		fmt.Fprintf(&b, "Plan:\n%s\n", in.Plan.Summary())
	}
	fmt.Fprintf(&b, "Allowed tools: %s", formatToolList(in.Tools))
	return b.String()
}
