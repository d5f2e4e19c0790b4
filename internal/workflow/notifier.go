// Package workflow implements the durable code-generation orchestrator: a
// checkpointed step sequence from sandbox provisioning through result
// persistence, driven by trigger events.
package workflow

import (
	"github.com/vibeforge/vibeforge/internal/domain"
)

// RunEventKind classifies progress events emitted during a run.
type RunEventKind string

const (
	// EventStep marks entry into an orchestrator step.
	EventStep RunEventKind = "step"
	// EventOutput carries a chunk of live terminal output from a tool call.
	EventOutput RunEventKind = "output"
	// EventDone marks run completion and carries the terminal message.
	EventDone RunEventKind = "done"
)

// RunEvent is one progress update for a run, consumed by the streaming layer.
type RunEvent struct {
	Kind      RunEventKind    `json:"kind"`
	RunID     string          `json:"run_id"`
	ProjectID string          `json:"project_id"`
	Step      string          `json:"step,omitempty"`
	Stream    string          `json:"stream,omitempty"`
	Chunk     string          `json:"chunk,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
}

// Notifier receives run progress events. Implementations must not block:
// the orchestrator publishes from the hot path.
type Notifier interface {
	Publish(event RunEvent)
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Publish implements Notifier.
func (NopNotifier) Publish(RunEvent) {}
