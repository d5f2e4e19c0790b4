// Package domain contains core domain types for the Vibeforge application.
package domain

import (
	"sort"
	"time"
)

// MessageRole identifies who authored a conversation message.
type MessageRole string

const (
	// RoleUser marks a message written by the end user.
	RoleUser MessageRole = "USER"
	// RoleAssistant marks a message produced by the generation workflow.
	RoleAssistant MessageRole = "ASSISTANT"
)

// MessageType classifies assistant messages by outcome.
type MessageType string

const (
	// TypeResult marks a successful generation outcome carrying a fragment.
	TypeResult MessageType = "RESULT"
	// TypeError marks a failed generation outcome.
	TypeError MessageType = "ERROR"
)

// Message is one turn in a project's conversation. Assistant messages of type
// RESULT carry a Fragment with the generated file set and preview URL.
type Message struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Role      MessageRole `json:"role"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Fragment  *Fragment   `json:"fragment,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// IsError reports whether this message records a failed run.
func (m *Message) IsError() bool {
	return m.Type == TypeError
}

// Fragment is the generated-code result attached to one assistant turn:
// the file set, the preview URL of the sandbox serving it, and a short title.
type Fragment struct {
	ID         string            `json:"id"`
	MessageID  string            `json:"message_id"`
	SandboxURL string            `json:"sandbox_url"`
	Title      string            `json:"title"`
	Files      map[string]string `json:"files"`
	CreatedAt  time.Time         `json:"created_at"`
}

// FilePaths returns the paths of all files in the fragment, sorted.
func (f *Fragment) FilePaths() []string {
	paths := make([]string, 0, len(f.Files))
	for p := range f.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
