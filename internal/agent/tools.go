package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vibeforge/vibeforge/internal/llm"
	"github.com/vibeforge/vibeforge/internal/sandbox"
)

// Tool names form a closed set; dispatch is an exhaustive switch, never
// reflection over a model-chosen name.
const (
	ToolTerminal            = "terminal"
	ToolCreateOrUpdateFiles = "createOrUpdateFiles"
	ToolReadFiles           = "readFiles"
)

// ToolDefs declares the three capabilities exposed to the model.
func ToolDefs() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        ToolTerminal,
			Description: "Run a shell command in the sandbox and return its output.",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
			},
			Required: []string{"command"},
		},
		{
			Name:        ToolCreateOrUpdateFiles,
			Description: "Create or update files in the sandbox.",
			Properties: map[string]any{
				"files": map[string]any{
					"type":        "array",
					"description": "Files to write",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"path":    map[string]any{"type": "string"},
							"content": map[string]any{"type": "string"},
						},
						"required": []string{"path", "content"},
					},
				},
			},
			Required: []string{"files"},
		},
		{
			Name:        ToolReadFiles,
			Description: "Read files from the sandbox and return their contents.",
			Properties: map[string]any{
				"paths": map[string]any{
					"type":        "array",
					"description": "File paths to read",
					"items":       map[string]any{"type": "string"},
				},
			},
			Required: []string{"paths"},
		},
	}
}

// ToolOutcome is the result of one tool invocation: the textual output fed
// back to the model and the file writes to fold into agent state.
type ToolOutcome struct {
	Content string    `json:"content"`
	IsError bool      `json:"is_error"`
	Delta   FileDelta `json:"delta,omitempty"`
}

// ToolHandler executes tool calls against one run's sandbox. Failures are
// converted to descriptive strings returned to the model as tool output so
// the agent can adapt; they never propagate as faults out of the tool layer.
type ToolHandler struct {
	sandboxID string
	mgr       sandbox.Manager
	onOutput  sandbox.OutputFunc
}

// NewToolHandler creates a tool handler bound to the run's sandbox id.
// onOutput, when non-nil, receives live terminal output chunks.
func NewToolHandler(mgr sandbox.Manager, sandboxID string, onOutput sandbox.OutputFunc) *ToolHandler {
	return &ToolHandler{
		sandboxID: sandboxID,
		mgr:       mgr,
		onOutput:  onOutput,
	}
}

type terminalArgs struct {
	Command string `json:"command"`
}

type fileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type createOrUpdateFilesArgs struct {
	Files []fileEntry `json:"files"`
}

type readFilesArgs struct {
	Paths []string `json:"paths"`
}

// Execute dispatches one tool call. It never returns an error: every failure
// becomes a textual outcome the model can react to.
func (h *ToolHandler) Execute(ctx context.Context, call llm.ToolCall) ToolOutcome {
	switch call.Name {
	case ToolTerminal:
		return h.terminal(ctx, call.Input)
	case ToolCreateOrUpdateFiles:
		return h.createOrUpdateFiles(ctx, call.Input)
	case ToolReadFiles:
		return h.readFiles(ctx, call.Input)
	default:
		return ToolOutcome{Content: fmt.Sprintf("Unknown tool: %s", call.Name), IsError: true}
	}
}

func (h *ToolHandler) terminal(ctx context.Context, input json.RawMessage) ToolOutcome {
	var args terminalArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return ToolOutcome{Content: fmt.Sprintf("Invalid terminal arguments: %v", err), IsError: true}
	}

	res, err := h.mgr.RunCommand(ctx, h.sandboxID, args.Command, h.onOutput)
	if err != nil {
		return ToolOutcome{
			Content: fmt.Sprintf("Command failed: %v", err),
			IsError: true,
		}
	}
	if res.ExitCode != 0 {
		return ToolOutcome{
			Content: fmt.Sprintf("Command failed with exit code %d\nstdout: %s\nstderr: %s", res.ExitCode, res.Stdout, res.Stderr),
			IsError: true,
		}
	}
	return ToolOutcome{Content: res.Stdout}
}

// createOrUpdateFiles writes each entry to the sandbox, recording every
// successful write in the delta immediately. A mid-batch failure therefore
// leaves the delta consistent with what actually reached the sandbox.
func (h *ToolHandler) createOrUpdateFiles(ctx context.Context, input json.RawMessage) ToolOutcome {
	var args createOrUpdateFilesArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return ToolOutcome{Content: fmt.Sprintf("Invalid createOrUpdateFiles arguments: %v", err), IsError: true}
	}

	delta := make(FileDelta, len(args.Files))
	for _, f := range args.Files {
		if err := h.mgr.WriteFile(ctx, h.sandboxID, f.Path, f.Content); err != nil {
			return ToolOutcome{
				Content: fmt.Sprintf("Error writing file %s: %v", f.Path, err),
				IsError: true,
				Delta:   delta,
			}
		}
		delta[f.Path] = f.Content
	}

	return ToolOutcome{
		Content: fmt.Sprintf("Created or updated %d file(s)", len(args.Files)),
		Delta:   delta,
	}
}

func (h *ToolHandler) readFiles(ctx context.Context, input json.RawMessage) ToolOutcome {
	var args readFilesArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return ToolOutcome{Content: fmt.Sprintf("Invalid readFiles arguments: %v", err), IsError: true}
	}

	contents := make([]fileEntry, 0, len(args.Paths))
	for _, p := range args.Paths {
		content, err := h.mgr.ReadFile(ctx, h.sandboxID, p)
		if err != nil {
			return ToolOutcome{Content: fmt.Sprintf("Error reading files: %v", err), IsError: true}
		}
		contents = append(contents, fileEntry{Path: p, Content: content})
	}

	encoded, err := json.Marshal(contents)
	if err != nil {
		return ToolOutcome{Content: fmt.Sprintf("Error encoding file contents: %v", err), IsError: true}
	}
	return ToolOutcome{Content: string(encoded)}
}
