package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vibeforge/vibeforge/internal/llm"
)

// Fallback literals used when a generation call fails or returns no text.
const (
	FallbackTitle    = "Untitled"
	FallbackResponse = "Here you go"
)

const synthesisMaxTokens = 1024

// Synthesis is the post-loop result derivation: a short fragment title and a
// user-facing response, both generated from the final summary text alone.
type Synthesis struct {
	Title    string
	Response string
}

// Synthesize runs the two generation calls concurrently; neither reads the
// other's output. Model failures and non-text output degrade to the fallback
// literals rather than failing the run.
func Synthesize(ctx context.Context, client llm.Client, summary string) Synthesis {
	var wg sync.WaitGroup
	out := Synthesis{Title: FallbackTitle, Response: FallbackResponse}

	wg.Add(2)
	go func() {
		defer wg.Done()
		out.Title = generate(ctx, client, titlePrompt, summary, FallbackTitle)
	}()
	go func() {
		defer wg.Done()
		out.Response = generate(ctx, client, responsePrompt, summary, FallbackResponse)
	}()
	wg.Wait()

	return out
}

func generate(ctx context.Context, client llm.Client, system, summary, fallback string) string {
	turn, err := client.Generate(ctx, llm.Request{
		System:    system,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: summary}},
		MaxTokens: synthesisMaxTokens,
	})
	if err != nil {
		slog.Warn("Synthesis generation failed, using fallback", "error", err, "fallback", fallback)
		return fallback
	}
	return turn.TextOrFallback(fallback)
}

// IsErrorOutcome classifies a finished run. A run is an error iff the loop
// never produced a completion summary or produced no files at all; success
// requires both. There is no partial or degraded success state.
func IsErrorOutcome(summary string, files map[string]string) bool {
	return summary == "" || len(files) == 0
}
