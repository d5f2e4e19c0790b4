package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vibeforge/vibeforge/internal/agent"
	"github.com/vibeforge/vibeforge/internal/domain"
	"github.com/vibeforge/vibeforge/internal/llm"
	"github.com/vibeforge/vibeforge/internal/sandbox"
	"github.com/vibeforge/vibeforge/internal/store"
)

// Orchestrator step names. Each is checkpointed by (runID, step): a retried
// invocation returns the cached result instead of redoing completed work.
const (
	StepProvision   = "provision"
	StepLoadContext = "load_context"
	StepRunNetwork  = "run_agent_network"
	StepSynthesize  = "synthesize"
	StepPreviewURL  = "resolve_preview_url"
	StepPersist     = "persist"
)

// errorRunContent is the generic apology persisted for failed runs.
const errorRunContent = "Something went wrong. Please try again."

// Engine executes generation runs as a strictly sequential series of durable
// steps. Live handles never cross a step boundary: the sandbox is referenced
// by id so any step can reconnect independently after a crash or retry.
type Engine struct {
	repo          store.Repository
	sandboxes     sandbox.Manager
	model         llm.Client
	titleModel    llm.Client
	notifier      Notifier
	previewPort   int
	maxIterations int
}

// NewEngine creates a workflow engine. titleModel may equal model; notifier
// may be nil to disable progress events.
func NewEngine(repo store.Repository, sandboxes sandbox.Manager, model, titleModel llm.Client, notifier Notifier, previewPort, maxIterations int) *Engine {
	if titleModel == nil {
		titleModel = model
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		repo:          repo,
		sandboxes:     sandboxes,
		model:         model,
		titleModel:    titleModel,
		notifier:      notifier,
		previewPort:   previewPort,
		maxIterations: maxIterations,
	}
}

// Result is returned to the triggering caller on completion.
type Result struct {
	PreviewURL string            `json:"preview_url"`
	Files      map[string]string `json:"files"`
	Summary    string            `json:"summary"`
	IsError    bool              `json:"is_error"`
}

type provisionPayload struct {
	SandboxID string `json:"sandbox_id"`
}

type previewPayload struct {
	URL string `json:"url"`
}

type persistPayload struct {
	MessageID string `json:"message_id"`
}

// Execute runs one generation workflow to completion. Every step before the
// terminal persist is safe to re-execute on retry; the persist itself is
// guarded by its checkpoint so exactly one ResultMessage exists per run.
func (e *Engine) Execute(ctx context.Context, trigger Trigger) (*Result, error) {
	runID := trigger.RunID

	// PROVISION: only the sandbox id is checkpointed, never a live session.
	e.announce(trigger, StepProvision)
	provisionRaw, err := e.step(ctx, runID, StepProvision, func(ctx context.Context) ([]byte, error) {
		sandboxID, err := e.sandboxes.Create(ctx, trigger.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("provision sandbox: %w", err)
		}
		now := time.Now()
		if err := e.repo.TrackSandbox(ctx, &domain.Sandbox{
			SandboxID:  sandboxID,
			ProjectID:  trigger.ProjectID,
			CreatedAt:  now,
			LastUsedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("track sandbox: %w", err)
		}
		return json.Marshal(provisionPayload{SandboxID: sandboxID})
	})
	if err != nil {
		return nil, err
	}
	var provision provisionPayload
	if err := json.Unmarshal(provisionRaw, &provision); err != nil {
		return nil, fmt.Errorf("decode provision checkpoint: %w", err)
	}

	// LOAD_CONTEXT: pure read, checkpointed so the reconstructed history is
	// stable even if new messages land mid-run.
	e.announce(trigger, StepLoadContext)
	contextRaw, err := e.step(ctx, runID, StepLoadContext, func(ctx context.Context) ([]byte, error) {
		loaded, err := agent.LoadContext(ctx, e.repo, trigger.ProjectID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(loaded)
	})
	if err != nil {
		return nil, err
	}
	var loaded agent.Context
	if err := json.Unmarshal(contextRaw, &loaded); err != nil {
		return nil, fmt.Errorf("decode context checkpoint: %w", err)
	}

	// RUN_AGENT_NETWORK: the loop's model turns and tool calls are themselves
	// durable sub-steps, so a crash mid-loop resumes after the last completed
	// tool call.
	e.announce(trigger, StepRunNetwork)
	stateRaw, err := e.step(ctx, runID, StepRunNetwork, func(ctx context.Context) ([]byte, error) {
		tools := agent.NewToolHandler(e.sandboxes, provision.SandboxID, e.outputFunc(trigger))
		network := agent.NewNetwork(e.model, tools, e.maxIterations, e.stepFunc(runID))
		state := agent.NewState(loaded.LatestFiles)
		if err := network.Run(ctx, loaded.Messages, trigger.Value, state); err != nil {
			return nil, err
		}
		return json.Marshal(state)
	})
	if err != nil {
		return nil, err
	}
	var state agent.State
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		return nil, fmt.Errorf("decode agent state checkpoint: %w", err)
	}

	isError := agent.IsErrorOutcome(state.Summary, state.Files)

	// SYNTHESIZE: two independent generation calls over the summary text.
	e.announce(trigger, StepSynthesize)
	synthesisRaw, err := e.step(ctx, runID, StepSynthesize, func(ctx context.Context) ([]byte, error) {
		synthesis := agent.Synthesize(ctx, e.titleModel, state.Summary)
		return json.Marshal(synthesis)
	})
	if err != nil {
		return nil, err
	}
	var synthesis agent.Synthesis
	if err := json.Unmarshal(synthesisRaw, &synthesis); err != nil {
		return nil, fmt.Errorf("decode synthesis checkpoint: %w", err)
	}

	// RESOLVE_PREVIEW_URL: reconnects to the sandbox by id; checkpointed
	// because the reconnect itself may need retries. Skipped for error runs,
	// which persist no fragment.
	var previewURL string
	if !isError {
		e.announce(trigger, StepPreviewURL)
		previewRaw, err := e.step(ctx, runID, StepPreviewURL, func(ctx context.Context) ([]byte, error) {
			host, err := e.sandboxes.PreviewHost(ctx, provision.SandboxID, e.previewPort)
			if err != nil {
				return nil, fmt.Errorf("resolve preview host: %w", err)
			}
			return json.Marshal(previewPayload{URL: "http://" + host})
		})
		if err != nil {
			return nil, err
		}
		var preview previewPayload
		if err := json.Unmarshal(previewRaw, &preview); err != nil {
			return nil, fmt.Errorf("decode preview checkpoint: %w", err)
		}
		previewURL = preview.URL
	}

	// PERSIST: the single durable write of the run. The checkpoint guard
	// means a retried invocation after a successful persist never inserts a
	// second result message.
	e.announce(trigger, StepPersist)
	persistRaw, err := e.step(ctx, runID, StepPersist, func(ctx context.Context) ([]byte, error) {
		msg := e.buildResultMessage(trigger, &state, synthesis, previewURL, isError)
		if err := e.repo.CreateMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("persist result message: %w", err)
		}
		e.notifier.Publish(RunEvent{
			Kind:      EventDone,
			RunID:     runID,
			ProjectID: trigger.ProjectID,
			Message:   msg,
		})
		return json.Marshal(persistPayload{MessageID: msg.ID})
	})
	if err != nil {
		return nil, err
	}
	var persisted persistPayload
	if err := json.Unmarshal(persistRaw, &persisted); err != nil {
		return nil, fmt.Errorf("decode persist checkpoint: %w", err)
	}

	// COMPLETE.
	slog.Info("Workflow complete",
		"run_id", runID,
		"project_id", trigger.ProjectID,
		"message_id", persisted.MessageID,
		"is_error", isError,
		"files", len(state.Files),
	)
	return &Result{
		PreviewURL: previewURL,
		Files:      state.Files,
		Summary:    state.Summary,
		IsError:    isError,
	}, nil
}

func (e *Engine) buildResultMessage(trigger Trigger, state *agent.State, synthesis agent.Synthesis, previewURL string, isError bool) *domain.Message {
	now := time.Now()
	msg := &domain.Message{
		ID:        ulid.Make().String(),
		ProjectID: trigger.ProjectID,
		Role:      domain.RoleAssistant,
		CreatedAt: now,
	}

	if isError {
		msg.Type = domain.TypeError
		msg.Content = errorRunContent
		return msg
	}

	msg.Type = domain.TypeResult
	msg.Content = synthesis.Response
	msg.Fragment = &domain.Fragment{
		ID:         ulid.Make().String(),
		MessageID:  msg.ID,
		SandboxURL: previewURL,
		Title:      synthesis.Title,
		Files:      state.Files,
		CreatedAt:  now,
	}
	return msg
}

// step runs fn as a durable checkpointed step. A concurrent duplicate save
// (two retries racing) resolves by reading back the winner's payload.
func (e *Engine) step(ctx context.Context, runID, name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	payload, ok, err := e.repo.GetCheckpoint(ctx, runID, name)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	if ok {
		slog.Debug("Replaying checkpointed step", "run_id", runID, "step", name)
		return payload, nil
	}

	payload, err = fn(ctx)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", name, err)
	}

	if err := e.repo.SaveCheckpoint(ctx, runID, name, payload); err != nil {
		if errors.Is(err, store.ErrCheckpointExists) {
			winner, ok, readErr := e.repo.GetCheckpoint(ctx, runID, name)
			if readErr != nil {
				return nil, fmt.Errorf("read winning checkpoint %s: %w", name, readErr)
			}
			if ok {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return payload, nil
}

// stepFunc adapts the engine's checkpointing for the agent loop's sub-steps.
func (e *Engine) stepFunc(runID string) agent.StepFunc {
	return func(ctx context.Context, name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
		return e.step(ctx, runID, name, fn)
	}
}

// outputFunc forwards live terminal output to the notifier.
func (e *Engine) outputFunc(trigger Trigger) sandbox.OutputFunc {
	return func(stream, chunk string) {
		e.notifier.Publish(RunEvent{
			Kind:      EventOutput,
			RunID:     trigger.RunID,
			ProjectID: trigger.ProjectID,
			Stream:    stream,
			Chunk:     chunk,
		})
	}
}

func (e *Engine) announce(trigger Trigger, step string) {
	e.notifier.Publish(RunEvent{
		Kind:      EventStep,
		RunID:     trigger.RunID,
		ProjectID: trigger.ProjectID,
		Step:      step,
	})
}
