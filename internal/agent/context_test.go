package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/vibeforge/vibeforge/internal/domain"
)

// fakeRepo implements the subset of store.Repository that context loading
// touches; everything else panics to catch accidental use.
type fakeRepo struct {
	messages []*domain.Message
	saved    []*domain.Message
	limit    int
}

func (f *fakeRepo) ListRecentMessages(_ context.Context, _ string, limit int) ([]*domain.Message, error) {
	f.limit = limit
	if len(f.messages) > limit {
		return f.messages[len(f.messages)-limit:], nil
	}
	return f.messages, nil
}

func (f *fakeRepo) CreateMessage(_ context.Context, msg *domain.Message) error {
	f.saved = append(f.saved, msg)
	return nil
}

func (f *fakeRepo) GetUser(context.Context, string) (*domain.User, error)       { panic("unused") }
func (f *fakeRepo) UpsertUser(context.Context, *domain.User) error              { panic("unused") }
func (f *fakeRepo) CreateProject(context.Context, *domain.Project) error        { panic("unused") }
func (f *fakeRepo) GetProject(context.Context, string) (*domain.Project, error) { panic("unused") }
func (f *fakeRepo) ListProjects(context.Context, string) ([]*domain.Project, error) {
	panic("unused")
}
func (f *fakeRepo) ListMessages(context.Context, string) ([]*domain.Message, error) {
	panic("unused")
}
func (f *fakeRepo) GetCheckpoint(context.Context, string, string) ([]byte, bool, error) {
	panic("unused")
}
func (f *fakeRepo) SaveCheckpoint(context.Context, string, string, []byte) error { panic("unused") }
func (f *fakeRepo) TrackSandbox(context.Context, *domain.Sandbox) error          { panic("unused") }
func (f *fakeRepo) TouchSandbox(context.Context, string, time.Time) error        { panic("unused") }
func (f *fakeRepo) GetExpiredSandboxes(context.Context, time.Duration) ([]*domain.Sandbox, error) {
	panic("unused")
}
func (f *fakeRepo) DeleteSandbox(context.Context, string) error { panic("unused") }
func (f *fakeRepo) Ping(context.Context) error                  { return nil }
func (f *fakeRepo) Close() error                                { return nil }

func TestLoadContext_EmptyProject(t *testing.T) {
	repo := &fakeRepo{}

	loaded, err := LoadContext(context.Background(), repo, "proj-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(loaded.Messages) != 0 {
		t.Errorf("Expected no messages, got %d", len(loaded.Messages))
	}
	if len(loaded.LatestFiles) != 0 {
		t.Errorf("Expected empty file map, got %v", loaded.LatestFiles)
	}
	if repo.limit != 30 {
		t.Errorf("Expected history limit 30, got %d", repo.limit)
	}
}

func TestLoadContext_FoldsFragmentFilesLastWriteWins(t *testing.T) {
	repo := &fakeRepo{messages: []*domain.Message{
		{
			Role: domain.RoleAssistant, Type: domain.TypeResult, Content: "first",
			Fragment: &domain.Fragment{Files: map[string]string{
				"app/page.tsx": "v1",
				"app/old.tsx":  "keep",
			}},
		},
		{
			Role: domain.RoleAssistant, Type: domain.TypeResult, Content: "second",
			Fragment: &domain.Fragment{Files: map[string]string{
				"app/page.tsx": "v2",
			}},
		},
	}}

	loaded, err := LoadContext(context.Background(), repo, "proj-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if loaded.LatestFiles["app/page.tsx"] != "v2" {
		t.Errorf("Expected later fragment to win, got %q", loaded.LatestFiles["app/page.tsx"])
	}
	if loaded.LatestFiles["app/old.tsx"] != "keep" {
		t.Errorf("Expected untouched file to survive, got %q", loaded.LatestFiles["app/old.tsx"])
	}
}

func TestLoadContext_AnnotatesAssistantTurnsWithFilePaths(t *testing.T) {
	repo := &fakeRepo{messages: []*domain.Message{
		{Role: domain.RoleUser, Type: domain.TypeResult, Content: "Build a todo app"},
		{
			Role: domain.RoleAssistant, Type: domain.TypeResult, Content: "Done",
			Fragment: &domain.Fragment{Files: map[string]string{
				"app/page.tsx":   "x",
				"app/layout.tsx": "y",
			}},
		},
	}}

	loaded, err := LoadContext(context.Background(), repo, "proj-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(loaded.Messages))
	}
	if loaded.Messages[0].Role != "user" || loaded.Messages[0].Content != "Build a todo app" {
		t.Errorf("Unexpected user turn: %+v", loaded.Messages[0])
	}
	got := loaded.Messages[1].Content
	if !strings.Contains(got, "[Files created or updated: app/layout.tsx, app/page.tsx]") {
		t.Errorf("Expected sorted file annotation, got %q", got)
	}
	if !strings.HasPrefix(got, "Done") {
		t.Errorf("Expected original content to lead, got %q", got)
	}
}

func TestLoadContext_UserTurnsUnannotated(t *testing.T) {
	repo := &fakeRepo{messages: []*domain.Message{
		{Role: domain.RoleUser, Type: domain.TypeResult, Content: "hello"},
	}}

	loaded, err := LoadContext(context.Background(), repo, "proj-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if loaded.Messages[0].Content != "hello" {
		t.Errorf("Expected unmodified content, got %q", loaded.Messages[0].Content)
	}
}
