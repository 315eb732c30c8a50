package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/haasonsaas/overseer/internal/audit"
	"github.com/haasonsaas/overseer/internal/observability"
	"github.com/haasonsaas/overseer/internal/policy"
	"github.com/haasonsaas/overseer/internal/reasoning"
	"github.com/haasonsaas/overseer/internal/tools"
	"github.com/haasonsaas/overseer/pkg/models"
)

// run drives the reasoning loop for one execution until a terminal
// status or an approval suspension. Steps are serialized: the loop is the
// only writer of this execution's trace.
func (e *Engine) run(ctx context.Context, agent *models.Agent, execution *models.Execution) (*models.ExecutionResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = observability.WithExecutionID(ctx, execution.ID)
	ctx = observability.WithAgentID(ctx, agent.ID)

	if !e.beginRun(execution.ID, cancel) {
		return nil, fmt.Errorf("execution %s: %w", execution.ID, ErrExecutionActive)
	}
	defer e.endRun(execution.ID)

	limits := effectiveLimits(agent)

	resuming := execution.Status == models.ExecutionWaitingApproval
	// The wall clock charges active time only. A suspension stops the
	// clock, so a resumed run gets the remainder of its budget rather
	// than whatever is left of the original StartedAt window.
	var activeBefore time.Duration
	if resuming && execution.PendingAction != nil {
		activeBefore = execution.PendingAction.ActiveFor
	}
	activeSince := time.Now()
	execution.Status = models.ExecutionRunning
	if execution.StartedAt.IsZero() {
		execution.StartedAt = activeSince
	}
	if err := e.stores.Executions.Update(ctx, execution); err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}
	if e.auditor != nil {
		eventType := audit.EventExecutionStarted
		if resuming {
			eventType = audit.EventExecutionResumed
		}
		e.auditor.Log(ctx, &audit.Event{
			Type:        eventType,
			ExecutionID: execution.ID,
			AgentID:     agent.ID,
		})
	}

	deadline := activeSince.Add(time.Duration(limits.TimeoutSeconds)*time.Second - activeBefore)
	conversation := e.buildMessages(agent, execution)
	specs := e.allowedSpecs(agent)

	// A granted approval re-uses the validated pending action verbatim;
	// the reasoning provider is never re-prompted for it.
	if resuming && execution.PendingAction != nil {
		pending := execution.PendingAction
		execution.PendingAction = nil
		feedback, fatal := e.act(ctx, agent, execution, pending.ToolName, pending.Input, pending.Reasoning)
		if fatal != nil {
			e.finalize(ctx, agent, execution, models.ExecutionFailed, "", fatal.Error())
			return resultOf(execution), nil
		}
		if err := e.stores.Executions.Update(ctx, execution); err != nil {
			e.logger.Warn("failed to clear pending action", "execution_id", execution.ID, "error", err)
		}
		conversation = append(conversation, reasoning.Message{Role: "user", Content: feedback})
	}

	thinkSteps := countSteps(execution.Steps, models.StepThink)

	for thinkSteps < limits.MaxStepsPerRun {
		// Cancellation and the wall clock are only observed here, at the
		// step boundary.
		select {
		case <-ctx.Done():
			e.finalize(ctx, agent, execution, models.ExecutionCancelled, "", "execution cancelled")
			return resultOf(execution), nil
		default:
		}
		if time.Now().After(deadline) {
			e.finalize(ctx, agent, execution, models.ExecutionTimedOut, "", fmt.Sprintf("wall-clock timeout of %ds elapsed", limits.TimeoutSeconds))
			return resultOf(execution), nil
		}

		observation, err := e.observe(ctx, agent, execution)
		if err != nil {
			e.finalize(ctx, agent, execution, models.ExecutionFailed, "", err.Error())
			return resultOf(execution), nil
		}
		if observation != "" {
			conversation = append(conversation, reasoning.Message{Role: "user", Content: observation})
		}

		decision, thought, err := e.think(ctx, agent, execution, conversation, specs)
		if err != nil {
			e.finalize(ctx, agent, execution, models.ExecutionFailed, "", err.Error())
			return resultOf(execution), nil
		}
		thinkSteps++
		conversation = append(conversation, reasoning.Message{Role: "assistant", Content: thought})

		if decision.Action == models.ActionFinish {
			e.finalize(ctx, agent, execution, models.ExecutionCompleted, decision.Reasoning, "")
			return resultOf(execution), nil
		}

		suspended, feedback, fatal := e.dispatchTool(ctx, agent, execution, decision, activeBefore+time.Since(activeSince))
		if fatal != nil {
			e.finalize(ctx, agent, execution, models.ExecutionFailed, "", fatal.Error())
			return resultOf(execution), nil
		}
		if suspended {
			return resultOf(execution), nil
		}
		conversation = append(conversation, reasoning.Message{Role: "user", Content: feedback})
	}

	// Hitting the step ceiling is a normal stop, not a failure.
	e.finalize(ctx, agent, execution, models.ExecutionCompleted,
		fmt.Sprintf("stopped after reaching the step ceiling of %d", limits.MaxStepsPerRun), "")
	return resultOf(execution), nil
}

// observe assembles the context snapshot for the next think step. Only
// the first iteration observes: later iterations already carry tool
// feedback in the conversation.
func (e *Engine) observe(ctx context.Context, agent *models.Agent, execution *models.Execution) (string, error) {
	if countSteps(execution.Steps, models.StepObserve) > 0 {
		return "", nil
	}

	observation := formatTrigger(execution.Trigger)

	if e.memory != nil {
		memories, err := e.memory.Retrieve(ctx, agent.ID, observation, memoryRetrieveOptions(e.config.MemoryLimit))
		if err != nil {
			e.logger.Warn("memory retrieval failed", "agent_id", agent.ID, "error", err)
		}
		if len(memories) > 0 {
			observation += "\n\nRelevant memories:"
			for _, mem := range memories {
				observation += fmt.Sprintf("\n- [%s] %s", mem.Kind, mem.Content)
			}
		}
	}

	if err := e.appendStep(ctx, execution, &models.Step{
		Type:    models.StepObserve,
		Content: observation,
	}); err != nil {
		return "", err
	}
	return observation, nil
}

// think asks the reasoning provider for the next decision. Native tool
// calls take precedence; otherwise the response text must parse as a
// structured decision. An unparseable response is an internal error.
func (e *Engine) think(ctx context.Context, agent *models.Agent, execution *models.Execution, conversation []reasoning.Message, specs []reasoning.ToolSpec) (*models.Decision, string, error) {
	resp, err := e.reasoner.Complete(ctx, &reasoning.Request{
		Model:       agent.Model,
		System:      systemPrompt(agent),
		Messages:    conversation,
		Tools:       specs,
		MaxTokens:   agent.MaxTokens,
		Temperature: agent.Temperature,
	})
	if err != nil {
		return nil, "", fmt.Errorf("reasoning provider: %w", err)
	}

	execution.TokensIn += resp.TokensIn
	execution.TokensOut += resp.TokensOut
	if e.metrics != nil {
		e.metrics.TokensUsed.WithLabelValues(agent.ID, "in").Add(float64(resp.TokensIn))
		e.metrics.TokensUsed.WithLabelValues(agent.ID, "out").Add(float64(resp.TokensOut))
	}

	var decision *models.Decision
	if len(resp.ToolCalls) > 0 {
		// Extra tool calls beyond the per-step cap are dropped, never
		// silently executed.
		tc := resp.ToolCalls[0]
		decision = &models.Decision{
			Action:    models.ActionUseTool,
			Tool:      tc.Name,
			Input:     tc.Input,
			Reasoning: resp.Content,
		}
	} else {
		decision, err = reasoning.ParseDecision(resp.Content)
		if err != nil {
			return nil, "", fmt.Errorf("unparseable decision from reasoning provider: %w", err)
		}
	}

	thought := decision.Reasoning
	if thought == "" {
		thought = resp.Content
	}
	if err := e.appendStep(ctx, execution, &models.Step{
		Type:    models.StepThink,
		Content: thought,
	}); err != nil {
		return nil, "", err
	}
	return decision, thought, nil
}

// dispatchTool performs the act phase for one decision: policy check,
// approval gating, then invocation. Returns suspended=true when the
// execution moved to waiting_approval; activeFor is the run's active time
// so far, persisted on suspension so resume can rebase its deadline. The
// feedback string is what the next think step sees; fatal errors finalize
// the run.
func (e *Engine) dispatchTool(ctx context.Context, agent *models.Agent, execution *models.Execution, decision *models.Decision, activeFor time.Duration) (bool, string, error) {
	toolName := decision.Tool
	input := decision.Input

	verdict := policy.Evaluate(agent.ToolPolicy.Allowed, agent.ToolPolicy.Denied, toolName)
	if !verdict.Allowed {
		if e.auditor != nil {
			e.auditor.ToolDenied(ctx, execution.ID, agent.ID, toolName, verdict.Reason)
		}
		if e.metrics != nil {
			e.metrics.ToolInvocationCounter.WithLabelValues(toolName, "denied").Inc()
		}
		errMsg := fmt.Sprintf("[%s] %s: %s", tools.KindPolicyDenied, toolName, verdict.Reason)
		if err := e.appendStep(ctx, execution, &models.Step{
			Type:      models.StepAct,
			ToolName:  toolName,
			ToolInput: input,
			ToolError: errMsg,
		}); err != nil {
			return false, "", err
		}
		return false, fmt.Sprintf("Tool %s was denied: %s. Choose a different action.", toolName, verdict.Reason), nil
	}

	tool, _, ok := e.registry.Get(toolName)
	if !ok {
		errMsg := fmt.Sprintf("[%s] %s: tool not registered", tools.KindUnknownTool, toolName)
		if err := e.appendStep(ctx, execution, &models.Step{
			Type:      models.StepAct,
			ToolName:  toolName,
			ToolInput: input,
			ToolError: errMsg,
		}); err != nil {
			return false, "", err
		}
		return false, fmt.Sprintf("Tool %s does not exist. Choose a different action.", toolName), nil
	}

	// Validate before gating so a suspended pending action is already
	// validated and can run verbatim on resume.
	if err := e.registry.ValidateInput(toolName, input); err != nil {
		if appendErr := e.appendStep(ctx, execution, &models.Step{
			Type:      models.StepAct,
			ToolName:  toolName,
			ToolInput: input,
			ToolError: err.Error(),
		}); appendErr != nil {
			return false, "", appendErr
		}
		return false, fmt.Sprintf("Tool input was rejected: %v. Correct the input or choose a different action.", err), nil
	}

	if gateVerdict := e.gate.NeedsApproval(agent, toolName, tool.Dangerous, input); gateVerdict.Needed {
		pending := models.PendingAction{
			ToolName:  toolName,
			Input:     input,
			Reasoning: decision.Reasoning,
			StepSeq:   len(execution.Steps) + 1,
			ActiveFor: activeFor,
		}
		if _, err := e.gate.Request(ctx, execution, pending, gateVerdict); err != nil {
			return false, "", fmt.Errorf("request approval: %w", err)
		}
		if e.auditor != nil {
			e.auditor.Log(ctx, &audit.Event{
				Type:        audit.EventExecutionSuspended,
				ExecutionID: execution.ID,
				AgentID:     agent.ID,
				Tool:        toolName,
				Risk:        string(gateVerdict.Risk),
				Reason:      gateVerdict.Reason,
			})
		}
		return true, "", nil
	}

	feedback, fatal := e.act(ctx, agent, execution, toolName, input, decision.Reasoning)
	return false, feedback, fatal
}

// act invokes the tool and appends the act step. The returned feedback
// is step-local context for the next think; only append failures and
// execution-fatal error kinds return a fatal error.
func (e *Engine) act(ctx context.Context, agent *models.Agent, execution *models.Execution, toolName string, input json.RawMessage, reasoningText string) (string, error) {
	step := &models.Step{
		Type:      models.StepAct,
		Content:   reasoningText,
		ToolName:  toolName,
		ToolInput: input,
		StartedAt: time.Now(),
	}

	result, err := e.executor.Invoke(ctx, tools.Invocation{
		ExecutionID: execution.ID,
		AgentID:     agent.ID,
		ToolName:    toolName,
		Input:       input,
	})
	execution.ToolCalls++

	if e.metrics != nil {
		e.metrics.StepCounter.WithLabelValues(agent.ID, string(models.StepAct)).Inc()
	}

	if err != nil {
		step.ToolError = err.Error()
		if appendErr := e.appendStep(ctx, execution, step); appendErr != nil {
			return "", appendErr
		}

		kind := tools.KindOf(err)
		if !kind.StepLocal() {
			return "", fmt.Errorf("tool %s failed fatally: %w", toolName, err)
		}
		feedback := fmt.Sprintf("Tool %s failed: %v.", toolName, err)
		if invErr, ok := tools.AsInvocationError(err); ok && invErr.Kind == tools.KindRateLimited {
			feedback += fmt.Sprintf(" Retry after %s or choose a different action.", invErr.RetryAfter.Round(time.Second))
		}
		return feedback, nil
	}

	step.ToolOutput = string(result.Output)
	if appendErr := e.appendStep(ctx, execution, step); appendErr != nil {
		return "", appendErr
	}
	return fmt.Sprintf("Tool %s returned: %s", toolName, result.Output), nil
}

// appendStep durably appends one step before the loop proceeds. The trace
// stays crash-consistent: a step either exists completely or not at all.
func (e *Engine) appendStep(ctx context.Context, execution *models.Execution, step *models.Step) error {
	now := time.Now()
	step.ID = ulid.Make().String()
	step.ExecutionID = execution.ID
	step.Seq = len(execution.Steps) + 1
	if step.StartedAt.IsZero() {
		step.StartedAt = now
	}
	step.FinishedAt = now

	if err := e.stores.Executions.AppendStep(ctx, step); err != nil {
		return fmt.Errorf("append step %d: %w", step.Seq, err)
	}
	execution.Steps = append(execution.Steps, *step)

	if e.metrics != nil && step.Type != models.StepAct {
		e.metrics.StepCounter.WithLabelValues(execution.AgentID, string(step.Type)).Inc()
	}
	return nil
}

func countSteps(steps []models.Step, stepType models.StepType) int {
	count := 0
	for _, step := range steps {
		if step.Type == stepType {
			count++
		}
	}
	return count
}
