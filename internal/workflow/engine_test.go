package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vibeforge/vibeforge/internal/domain"
	"github.com/vibeforge/vibeforge/internal/llm"
	"github.com/vibeforge/vibeforge/internal/sandbox"
	"github.com/vibeforge/vibeforge/internal/store"
)

// memRepo is an in-memory store.Repository with exactly-once checkpoint
// semantics matching the SQLite implementation.
type memRepo struct {
	mu          sync.Mutex
	history     []*domain.Message
	saved       []*domain.Message
	checkpoints map[string][]byte
	sandboxes   map[string]*domain.Sandbox
}

func newMemRepo() *memRepo {
	return &memRepo{
		checkpoints: map[string][]byte{},
		sandboxes:   map[string]*domain.Sandbox{},
	}
}

func ckKey(runID, step string) string { return runID + "\x00" + step }

func (r *memRepo) GetCheckpoint(_ context.Context, runID, step string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, ok := r.checkpoints[ckKey(runID, step)]
	return payload, ok, nil
}

func (r *memRepo) SaveCheckpoint(_ context.Context, runID, step string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ckKey(runID, step)
	if _, ok := r.checkpoints[key]; ok {
		return store.ErrCheckpointExists
	}
	r.checkpoints[key] = payload
	return nil
}

func (r *memRepo) CreateMessage(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, msg)
	return nil
}

func (r *memRepo) ListRecentMessages(_ context.Context, _ string, limit int) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) > limit {
		return r.history[len(r.history)-limit:], nil
	}
	return r.history, nil
}

func (r *memRepo) TrackSandbox(_ context.Context, sb *domain.Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sandboxes[sb.SandboxID] = sb
	return nil
}

func (r *memRepo) GetUser(context.Context, string) (*domain.User, error)       { return nil, nil }
func (r *memRepo) UpsertUser(context.Context, *domain.User) error              { return nil }
func (r *memRepo) CreateProject(context.Context, *domain.Project) error        { return nil }
func (r *memRepo) GetProject(context.Context, string) (*domain.Project, error) { return nil, nil }
func (r *memRepo) ListProjects(context.Context, string) ([]*domain.Project, error) {
	return nil, nil
}
func (r *memRepo) ListMessages(context.Context, string) ([]*domain.Message, error) {
	return nil, nil
}
func (r *memRepo) TouchSandbox(context.Context, string, time.Time) error { return nil }
func (r *memRepo) GetExpiredSandboxes(context.Context, time.Duration) ([]*domain.Sandbox, error) {
	return nil, nil
}
func (r *memRepo) DeleteSandbox(context.Context, string) error { return nil }
func (r *memRepo) Ping(context.Context) error                  { return nil }
func (r *memRepo) Close() error                                { return nil }

// memSandbox implements sandbox.Manager in memory.
type memSandbox struct {
	mu      sync.Mutex
	created int
	files   map[string]string
}

func newMemSandbox() *memSandbox { return &memSandbox{files: map[string]string{}} }

func (m *memSandbox) Create(context.Context, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	return "sb-1", nil
}

func (m *memSandbox) RunCommand(_ context.Context, _ string, _ string, onOutput sandbox.OutputFunc) (*sandbox.ExecResult, error) {
	if onOutput != nil {
		onOutput("stdout", "ran")
	}
	return &sandbox.ExecResult{Stdout: "ran"}, nil
}

func (m *memSandbox) WriteFile(_ context.Context, _ string, path, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
	return nil
}

func (m *memSandbox) ReadFile(_ context.Context, _ string, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	if !ok {
		return "", errors.New("no such file")
	}
	return content, nil
}

func (m *memSandbox) PreviewHost(context.Context, string, int) (string, error) {
	return "localhost:32768", nil
}
func (m *memSandbox) IsRunning(context.Context, string) (bool, error) { return true, nil }
func (m *memSandbox) Terminate(context.Context, string) error         { return nil }
func (m *memSandbox) EnsureNetwork(context.Context) (string, error)   { return "net-1", nil }

// seqClient returns scripted turns in order, repeating the last one.
type seqClient struct {
	mu    sync.Mutex
	turns []*llm.Turn
	calls int
}

func (c *seqClient) Generate(context.Context, llm.Request) (*llm.Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i >= len(c.turns) {
		i = len(c.turns) - 1
	}
	return c.turns[i], nil
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []RunEvent
}

func (n *recordingNotifier) Publish(event RunEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) kinds() []RunEventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]RunEventKind, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}

func text(t string) *llm.Turn {
	return &llm.Turn{Blocks: []llm.ContentBlock{{Type: "text", Text: t}}, StopReason: "end_turn"}
}

func writeFilesTurn(path, content string) *llm.Turn {
	input, _ := json.Marshal(map[string]any{
		"files": []map[string]string{{"path": path, "content": content}},
	})
	return &llm.Turn{
		ToolCalls:  []llm.ToolCall{{ID: "c1", Name: "createOrUpdateFiles", Input: input}},
		StopReason: "tool_use",
	}
}

func successModel() *seqClient {
	return &seqClient{turns: []*llm.Turn{
		writeFilesTurn("app/page.tsx", "export default function Page() {}"),
		text("<task_summary>Built a todo app</task_summary>"),
	}}
}

func titleStub() *seqClient {
	return &seqClient{turns: []*llm.Turn{text("Todo App")}}
}

func trigger() Trigger {
	return Trigger{RunID: "run-1", Name: TriggerName, Value: "Build a todo app", ProjectID: "proj-1"}
}

func TestExecute_SuccessPersistsResultWithFragment(t *testing.T) {
	repo := newMemRepo()
	notifier := &recordingNotifier{}
	engine := NewEngine(repo, newMemSandbox(), successModel(), titleStub(), notifier, 3000, 10)

	result, err := engine.Execute(context.Background(), trigger())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatal("Expected success result")
	}
	if result.PreviewURL != "http://localhost:32768" {
		t.Errorf("Expected preview URL, got %q", result.PreviewURL)
	}
	if result.Files["app/page.tsx"] == "" {
		t.Errorf("Expected files in result, got %v", result.Files)
	}

	if len(repo.saved) != 1 {
		t.Fatalf("Expected exactly one persisted message, got %d", len(repo.saved))
	}
	msg := repo.saved[0]
	if msg.Role != domain.RoleAssistant || msg.Type != domain.TypeResult {
		t.Errorf("Expected ASSISTANT/RESULT, got %s/%s", msg.Role, msg.Type)
	}
	if msg.Fragment == nil {
		t.Fatal("Expected fragment on success")
	}
	if msg.Fragment.Title != "Todo App" {
		t.Errorf("Expected synthesized title, got %q", msg.Fragment.Title)
	}
	if msg.Fragment.SandboxURL != "http://localhost:32768" {
		t.Errorf("Expected sandbox URL on fragment, got %q", msg.Fragment.SandboxURL)
	}
	if msg.Fragment.Files["app/page.tsx"] == "" {
		t.Errorf("Expected loop files on fragment, got %v", msg.Fragment.Files)
	}

	kinds := notifier.kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != EventDone {
		t.Errorf("Expected final EventDone, got %v", kinds)
	}
}

func TestExecute_NoMarkerPersistsError(t *testing.T) {
	repo := newMemRepo()
	model := &seqClient{turns: []*llm.Turn{text("still going")}}
	engine := NewEngine(repo, newMemSandbox(), model, titleStub(), nil, 3000, 10)

	result, err := engine.Execute(context.Background(), trigger())
	if err != nil {
		t.Fatalf("Expected run to complete despite non-completion, got %v", err)
	}
	if !result.IsError {
		t.Fatal("Expected error classification")
	}

	if len(repo.saved) != 1 {
		t.Fatalf("Expected one message, got %d", len(repo.saved))
	}
	msg := repo.saved[0]
	if msg.Type != domain.TypeError {
		t.Errorf("Expected ERROR type, got %s", msg.Type)
	}
	if msg.Fragment != nil {
		t.Error("Expected no fragment on error")
	}
	if msg.Content != errorRunContent {
		t.Errorf("Expected generic apology, got %q", msg.Content)
	}
	if model.calls != 10 {
		t.Errorf("Expected iteration cap of 10, got %d", model.calls)
	}
}

func TestExecute_MarkerWithoutFilesPersistsError(t *testing.T) {
	repo := newMemRepo()
	model := &seqClient{turns: []*llm.Turn{text("<task_summary>claims done</task_summary>")}}
	engine := NewEngine(repo, newMemSandbox(), model, titleStub(), nil, 3000, 10)

	result, err := engine.Execute(context.Background(), trigger())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("Expected error despite non-empty summary")
	}
	if repo.saved[0].Type != domain.TypeError || repo.saved[0].Fragment != nil {
		t.Errorf("Expected ERROR without fragment, got %+v", repo.saved[0])
	}
}

func TestExecute_ReinvocationAfterPersistIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	sb := newMemSandbox()
	model := successModel()
	engine := NewEngine(repo, sb, model, titleStub(), nil, 3000, 10)

	first, err := engine.Execute(context.Background(), trigger())
	if err != nil {
		t.Fatalf("First invocation failed: %v", err)
	}
	modelCallsAfterFirst := model.calls

	second, err := engine.Execute(context.Background(), trigger())
	if err != nil {
		t.Fatalf("Re-invocation failed: %v", err)
	}

	if len(repo.saved) != 1 {
		t.Fatalf("Expected exactly one persisted message across retries, got %d", len(repo.saved))
	}
	if sb.created != 1 {
		t.Errorf("Expected one sandbox across retries, got %d", sb.created)
	}
	if model.calls != modelCallsAfterFirst {
		t.Errorf("Expected replay to skip model calls, got %d extra", model.calls-modelCallsAfterFirst)
	}
	if second.PreviewURL != first.PreviewURL || second.Summary != first.Summary {
		t.Errorf("Expected identical results, got %+v vs %+v", first, second)
	}
}

func TestExecute_DistinctRunsPersistSeparately(t *testing.T) {
	repo := newMemRepo()
	engine := NewEngine(repo, newMemSandbox(), successModel(), titleStub(), nil, 3000, 10)

	if _, err := engine.Execute(context.Background(), trigger()); err != nil {
		t.Fatalf("run-1 failed: %v", err)
	}

	tr := trigger()
	tr.RunID = "run-2"
	engine2 := NewEngine(repo, newMemSandbox(), successModel(), titleStub(), nil, 3000, 10)
	if _, err := engine2.Execute(context.Background(), tr); err != nil {
		t.Fatalf("run-2 failed: %v", err)
	}

	if len(repo.saved) != 2 {
		t.Errorf("Expected two messages for two runs, got %d", len(repo.saved))
	}
}

func TestExecute_SynthesisFallbacks(t *testing.T) {
	repo := newMemRepo()
	// Title model emits no text at all.
	title := &seqClient{turns: []*llm.Turn{{Blocks: nil}}}
	engine := NewEngine(repo, newMemSandbox(), successModel(), title, nil, 3000, 10)

	if _, err := engine.Execute(context.Background(), trigger()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	msg := repo.saved[0]
	if msg.Fragment.Title != "Untitled" {
		t.Errorf("Expected fallback title, got %q", msg.Fragment.Title)
	}
	if msg.Content != "Here you go" {
		t.Errorf("Expected fallback response, got %q", msg.Content)
	}
}

func TestExecute_LoadsPriorContext(t *testing.T) {
	repo := newMemRepo()
	repo.history = []*domain.Message{
		{Role: domain.RoleUser, Type: domain.TypeResult, Content: "Build a todo app"},
		{
			Role: domain.RoleAssistant, Type: domain.TypeResult, Content: "done",
			Fragment: &domain.Fragment{Files: map[string]string{"app/page.tsx": "v1"}},
		},
	}
	// Model completes immediately; the seeded files make it a success.
	model := &seqClient{turns: []*llm.Turn{text("<task_summary>tweaked</task_summary>")}}
	engine := NewEngine(repo, newMemSandbox(), model, titleStub(), nil, 3000, 10)

	result, err := engine.Execute(context.Background(), trigger())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatal("Expected success: seeded files count as output")
	}
	if result.Files["app/page.tsx"] != "v1" {
		t.Errorf("Expected prior files carried forward, got %v", result.Files)
	}
}

func TestDispatcher_SerializesRunsPerProject(t *testing.T) {
	d := NewDispatcher(&Engine{}, 4, 8)
	a := d.workerFor("proj-a")
	if b := d.workerFor("proj-a"); a != b {
		t.Errorf("Expected stable worker assignment, got %d and %d", a, b)
	}
}

func TestDispatcher_EnqueueAfterCloseFails(t *testing.T) {
	d := NewDispatcher(&Engine{}, 1, 1)
	d.Close()
	if d.Enqueue(trigger()) {
		t.Error("Expected enqueue to fail after close")
	}
}

func TestDispatcher_EnqueueFullQueueFails(t *testing.T) {
	d := NewDispatcher(&Engine{}, 1, 1)
	if !d.Enqueue(trigger()) {
		t.Fatal("Expected first enqueue to succeed")
	}
	if d.Enqueue(trigger()) {
		t.Error("Expected enqueue into full queue to fail")
	}
}
