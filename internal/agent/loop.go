package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vibeforge/vibeforge/internal/llm"
)

// StepFunc runs fn as a durable step. When the step has already completed for
// this run, the cached payload is returned and fn is not invoked. The loop
// uses it to checkpoint model turns and individual tool calls so a resumed
// run replays results instead of re-executing side effects.
type StepFunc func(ctx context.Context, name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error)

// passthroughStep executes fn directly with no durability. Used when the loop
// runs outside a workflow (tests, ad-hoc invocations).
func passthroughStep(ctx context.Context, _ string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	return fn(ctx)
}

// Network drives the bounded iterative agent loop: invoke the model, execute
// any tool calls it requests, and stop once the completion marker appears in
// the last assistant text or the iteration cap is reached.
type Network struct {
	client        llm.Client
	tools         *ToolHandler
	maxIterations int
	step          StepFunc
}

// NewNetwork creates an agent loop controller. step may be nil, in which case
// model turns and tool calls execute without checkpointing.
func NewNetwork(client llm.Client, tools *ToolHandler, maxIterations int, step StepFunc) *Network {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	if step == nil {
		step = passthroughStep
	}
	return &Network{
		client:        client,
		tools:         tools,
		maxIterations: maxIterations,
		step:          step,
	}
}

// Run executes the loop over the given history and prompt, mutating state as
// tools produce file writes and a summary is detected. The loop terminates on
// a non-empty summary or after maxIterations, whichever comes first; reaching
// the cap without a summary is not an error here, it is classified later.
func (n *Network) Run(ctx context.Context, history []llm.Message, prompt string, state *State) error {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	for iteration := 0; iteration < n.maxIterations; iteration++ {
		turn, err := n.modelTurn(ctx, iteration, messages)
		if err != nil {
			return fmt.Errorf("agent iteration %d: %w", iteration, err)
		}

		// Completion is signalled by marker text in the assistant's response,
		// not by tool-call count or elapsed time.
		if text := turn.Text(); text != "" && strings.Contains(text, TaskSummaryMarker) {
			state.Summary = text
		}

		assistant := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   turn.Text(),
			ToolCalls: turn.ToolCalls,
		}
		messages = append(messages, assistant)

		if len(turn.ToolCalls) > 0 {
			results := make([]llm.ToolResult, 0, len(turn.ToolCalls))
			for i, call := range turn.ToolCalls {
				outcome, err := n.toolStep(ctx, iteration, i, call)
				if err != nil {
					return fmt.Errorf("tool %s at iteration %d: %w", call.Name, iteration, err)
				}
				state.Apply(outcome.Delta)
				results = append(results, llm.ToolResult{
					ToolCallID: call.ID,
					Content:    outcome.Content,
					IsError:    outcome.IsError,
				})
			}
			messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
		}

		if state.Done() {
			slog.Info("Agent loop completed", "iterations", iteration+1, "files", len(state.Files))
			return nil
		}
	}

	slog.Warn("Agent loop hit iteration cap without completion", "max_iterations", n.maxIterations)
	return nil
}

// modelTurn invokes the model as a durable step so a resumed run replays the
// recorded turn instead of paying for a fresh (and possibly different) one.
func (n *Network) modelTurn(ctx context.Context, iteration int, messages []llm.Message) (*llm.Turn, error) {
	payload, err := n.step(ctx, fmt.Sprintf("agent.turn.%d", iteration), func(ctx context.Context) ([]byte, error) {
		turn, err := n.client.Generate(ctx, llm.Request{
			System:   SystemPrompt,
			Messages: messages,
			Tools:    ToolDefs(),
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(turn)
	})
	if err != nil {
		return nil, err
	}

	var turn llm.Turn
	if err := json.Unmarshal(payload, &turn); err != nil {
		return nil, fmt.Errorf("decode model turn: %w", err)
	}
	return &turn, nil
}

// toolStep executes one tool call as its own durable step: a crash mid-loop
// resumes from the last completed call rather than re-running side-effecting
// commands. Replayed outcomes still carry their file deltas, so state
// reconstruction stays exact.
func (n *Network) toolStep(ctx context.Context, iteration, index int, call llm.ToolCall) (*ToolOutcome, error) {
	payload, err := n.step(ctx, fmt.Sprintf("agent.turn.%d.tool.%d", iteration, index), func(ctx context.Context) ([]byte, error) {
		outcome := n.tools.Execute(ctx, call)
		return json.Marshal(outcome)
	})
	if err != nil {
		return nil, err
	}

	var outcome ToolOutcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		return nil, fmt.Errorf("decode tool outcome: %w", err)
	}
	return &outcome, nil
}
