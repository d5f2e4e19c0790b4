package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/vibeforge/vibeforge/internal/domain"
	"github.com/vibeforge/vibeforge/internal/llm"
	"github.com/vibeforge/vibeforge/internal/store"
)

// historyLimit caps how many prior turns are replayed into the model context.
// Truncation always drops from the oldest end.
const historyLimit = 30

// Context is the reconstructed agent-visible view of a project: the formatted
// conversation history and the latest known file set.
type Context struct {
	Messages    []llm.Message
	LatestFiles map[string]string
}

// LoadContext rebuilds conversation history and file state for a project.
// It reads up to historyLimit non-error turns oldest-first, folds each
// assistant fragment's files into the running latest-files map (later turns
// win on path collision), and annotates those turns with the paths they
// touched. Deterministic given the same stored turns; performs no mutation.
func LoadContext(ctx context.Context, repo store.Repository, projectID string) (*Context, error) {
	msgs, err := repo.ListRecentMessages(ctx, projectID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}

	out := &Context{
		Messages:    make([]llm.Message, 0, len(msgs)),
		LatestFiles: make(map[string]string),
	}

	for _, msg := range msgs {
		content := msg.Content

		if msg.Role == domain.RoleAssistant && msg.Fragment != nil {
			paths := msg.Fragment.FilePaths()
			for _, p := range paths {
				out.LatestFiles[p] = msg.Fragment.Files[p]
			}
			if len(paths) > 0 {
				content += fmt.Sprintf("\n\n[Files created or updated: %s]", strings.Join(paths, ", "))
			}
		}

		out.Messages = append(out.Messages, llm.Message{
			Role:    mapRole(msg.Role),
			Content: content,
		})
	}

	return out, nil
}

func mapRole(role domain.MessageRole) string {
	if role == domain.RoleAssistant {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}
