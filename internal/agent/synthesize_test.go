package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/vibeforge/vibeforge/internal/llm"
)

// stubClient answers every request with the same turn or error.
type stubClient struct {
	turn *llm.Turn
	err  error
}

func (c *stubClient) Generate(context.Context, llm.Request) (*llm.Turn, error) {
	return c.turn, c.err
}

func TestSynthesize_UsesModelText(t *testing.T) {
	client := &stubClient{turn: textTurn("Hello")}

	got := Synthesize(context.Background(), client, "<task_summary>built it</task_summary>")
	if got.Title != "Hello" {
		t.Errorf("Expected title 'Hello', got %q", got.Title)
	}
	if got.Response != "Hello" {
		t.Errorf("Expected response 'Hello', got %q", got.Response)
	}
}

func TestSynthesize_FallbacksOnError(t *testing.T) {
	client := &stubClient{err: errors.New("model unavailable")}

	got := Synthesize(context.Background(), client, "summary")
	if got.Title != FallbackTitle {
		t.Errorf("Expected fallback title, got %q", got.Title)
	}
	if got.Response != FallbackResponse {
		t.Errorf("Expected fallback response, got %q", got.Response)
	}
}

func TestSynthesize_FallbacksOnNonTextOutput(t *testing.T) {
	client := &stubClient{turn: &llm.Turn{Blocks: []llm.ContentBlock{{Type: "image"}}}}

	got := Synthesize(context.Background(), client, "summary")
	if got.Title != FallbackTitle || got.Response != FallbackResponse {
		t.Errorf("Expected fallbacks for non-text output, got %+v", got)
	}
}

func TestSynthesize_ConcatenatesMultipleTextBlocks(t *testing.T) {
	client := &stubClient{turn: &llm.Turn{Blocks: []llm.ContentBlock{
		{Type: "text", Text: "Hel"},
		{Type: "text", Text: "lo"},
	}}}

	got := Synthesize(context.Background(), client, "summary")
	if got.Title != "Hello" {
		t.Errorf("Expected concatenated text, got %q", got.Title)
	}
}

func TestIsErrorOutcome(t *testing.T) {
	files := map[string]string{"a.txt": "x"}
	cases := []struct {
		name    string
		summary string
		files   map[string]string
		want    bool
	}{
		{"summary and files", "<task_summary>ok</task_summary>", files, false},
		{"no summary", "", files, true},
		{"no files", "<task_summary>ok</task_summary>", map[string]string{}, true},
		{"nil files", "<task_summary>ok</task_summary>", nil, true},
		{"neither", "", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsErrorOutcome(tc.summary, tc.files); got != tc.want {
				t.Errorf("IsErrorOutcome(%q, %v) = %v, want %v", tc.summary, tc.files, got, tc.want)
			}
		})
	}
}
