package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/overseer/internal/memory"
	"github.com/haasonsaas/overseer/internal/policy"
	"github.com/haasonsaas/overseer/internal/reasoning"
	"github.com/haasonsaas/overseer/pkg/models"
)

const decisionInstructions = `Decide your next step and respond with a single JSON object:
{"action": "use_tool", "tool": "<name>", "input": {...}, "reasoning": "<why>"}
or
{"action": "finish", "reasoning": "<summary of the outcome>"}
Use only the tools you were given. Finish once the goal is met or no tool can help.`

// systemPrompt assembles the provider system context from the agent's
// instructions, goals, and constraints. Instructions are passed verbatim;
// the engine never parses them.
func systemPrompt(agent *models.Agent) string {
	var b strings.Builder
	b.WriteString(agent.Instructions)

	if len(agent.Goals) > 0 {
		b.WriteString("\n\nGoals:")
		for _, goal := range agent.Goals {
			b.WriteString("\n- " + goal)
		}
	}
	if len(agent.Constraints) > 0 {
		b.WriteString("\n\nConstraints:")
		for _, constraint := range agent.Constraints {
			b.WriteString("\n- " + constraint)
		}
	}

	b.WriteString("\n\n")
	b.WriteString(decisionInstructions)
	return b.String()
}

// buildMessages reconstructs the conversation from the persisted step
// trace. Resumed executions rebuild their full context this way; the
// loop never depends on in-process state surviving a suspension.
func (e *Engine) buildMessages(agent *models.Agent, execution *models.Execution) []reasoning.Message {
	var messages []reasoning.Message

	for _, step := range execution.Steps {
		switch step.Type {
		case models.StepObserve:
			messages = append(messages, reasoning.Message{Role: "user", Content: step.Content})
		case models.StepThink:
			messages = append(messages, reasoning.Message{Role: "assistant", Content: step.Content})
		case models.StepAct:
			var content string
			if step.ToolError != "" {
				content = fmt.Sprintf("Tool %s failed: %s.", step.ToolName, step.ToolError)
			} else {
				content = fmt.Sprintf("Tool %s returned: %s", step.ToolName, step.ToolOutput)
			}
			messages = append(messages, reasoning.Message{Role: "user", Content: content})
		case models.StepReflect:
			messages = append(messages, reasoning.Message{Role: "assistant", Content: step.Content})
		}
	}
	return messages
}

// allowedSpecs returns tool specs for the registered tools the agent's
// policy permits. The deny list wins over the allow list here exactly as
// it does at invocation time.
func (e *Engine) allowedSpecs(agent *models.Agent) []reasoning.ToolSpec {
	var names []string
	for _, name := range e.registry.Names() {
		if policy.Evaluate(agent.ToolPolicy.Allowed, agent.ToolPolicy.Denied, name).Allowed {
			names = append(names, name)
		}
	}
	return e.registry.Specs(names)
}

func formatTrigger(trigger models.Trigger) string {
	var b strings.Builder
	if trigger.Scheduled {
		b.WriteString("Scheduled run")
	} else {
		b.WriteString("Triggered by event: " + trigger.Event)
	}
	if len(trigger.Payload) > 0 {
		payload, err := json.Marshal(trigger.Payload)
		if err == nil {
			b.WriteString("\nPayload: " + string(payload))
		}
	}
	return b.String()
}

func memoryRetrieveOptions(limit int) memory.RetrieveOptions {
	return memory.RetrieveOptions{Limit: limit}
}
