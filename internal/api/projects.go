package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"github.com/vibeforge/vibeforge/internal/config"
	"github.com/vibeforge/vibeforge/internal/domain"
	"github.com/vibeforge/vibeforge/internal/identity"
	"github.com/vibeforge/vibeforge/internal/workflow"
)

// maxPromptLength bounds user prompts; longer input is rejected outright
// rather than truncated.
const maxPromptLength = 10000

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

var (
	slugAdjectives = []string{
		"amber", "bold", "calm", "crisp", "eager", "fuzzy", "gentle",
		"lively", "mellow", "nimble", "quiet", "rapid", "sunny", "vivid",
	}
	slugNouns = []string{
		"aurora", "breeze", "canyon", "comet", "ember", "harbor", "lagoon",
		"meadow", "orbit", "prairie", "ridge", "sprout", "thicket", "willow",
	}
)

// ProjectHandler handles project and message endpoints.
type ProjectHandler struct {
	*Handler
	dispatcher  *workflow.Dispatcher
	rateLimiter *RateLimiter
	cfg         *config.Config
}

// NewProjectHandler creates a project handler with rate limiting from config.
func NewProjectHandler(base *Handler, dispatcher *workflow.Dispatcher, cfg *config.Config) *ProjectHandler {
	return &ProjectHandler{
		Handler:     base,
		dispatcher:  dispatcher,
		rateLimiter: NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		cfg:         cfg,
	}
}

// RegisterRoutes registers project routes.
func (h *ProjectHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", h.ListProjects)
		r.Post("/", h.CreateProject)
		r.Get("/{projectID}", h.GetProject)
		r.Get("/{projectID}/messages", h.ListMessages)
		r.Post("/{projectID}/messages", h.CreateMessage)
	})
}

type promptRequest struct {
	Value string `json:"value"`
}

func (h *ProjectHandler) decodePrompt(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}

	value := strings.TrimSpace(req.Value)
	if value == "" {
		Error(w, http.StatusBadRequest, "value is required")
		return "", false
	}
	if len(value) > maxPromptLength {
		Error(w, http.StatusBadRequest, "value is too long")
		return "", false
	}
	return value, true
}

// CreateProject creates a project from an initial prompt and starts the
// first generation run.
func (h *ProjectHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	value, ok := h.decodePrompt(w, r)
	if !ok {
		return
	}

	now := time.Now()
	project := &domain.Project{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Name:      generateProjectName(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateProject(r.Context(), project); err != nil {
		slog.Error("Failed to create project", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	if !h.startRun(r.Context(), w, project.ID, value) {
		return
	}

	JSON(w, http.StatusCreated, project)
}

// ListProjects returns the current user's projects, newest first.
func (h *ProjectHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	projects, err := h.repo.ListProjects(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list projects", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	JSON(w, http.StatusOK, projects)
}

// GetProject returns one project owned by the current user.
func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, project)
}

// ListMessages returns a project's full conversation, oldest first, with
// fragments attached.
func (h *ProjectHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), project.ID)
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "project_id", project.ID)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, messages)
}

// CreateMessage appends a user prompt to a project and schedules a
// generation run for it.
func (h *ProjectHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	value, ok := h.decodePrompt(w, r)
	if !ok {
		return
	}

	if !h.startRun(r.Context(), w, project.ID, value) {
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// startRun persists the user's prompt and enqueues the generation trigger.
// The prompt is written before scheduling so the run's context loader sees
// it; a full queue surfaces as 503 back-pressure.
func (h *ProjectHandler) startRun(ctx context.Context, w http.ResponseWriter, projectID, value string) bool {
	msg := &domain.Message{
		ID:        ulid.Make().String(),
		ProjectID: projectID,
		Role:      domain.RoleUser,
		Type:      domain.TypeResult,
		Content:   value,
		CreatedAt: time.Now(),
	}
	if err := h.repo.CreateMessage(ctx, msg); err != nil {
		slog.Error("Failed to persist prompt", "error", err, "project_id", projectID)
		Error(w, http.StatusInternalServerError, "failed to save message")
		return false
	}

	trigger := workflow.Trigger{
		RunID:     ulid.Make().String(),
		Name:      workflow.TriggerName,
		Value:     value,
		ProjectID: projectID,
	}
	if !h.dispatcher.Enqueue(trigger) {
		slog.Warn("Run queue full", "project_id", projectID, "run_id", trigger.RunID)
		Error(w, http.StatusServiceUnavailable, "server busy, try again shortly")
		return false
	}

	slog.Info("Run scheduled",
		"run_id", trigger.RunID,
		"project_id", projectID,
		"prompt_length", len(value),
	)
	return true
}

func (h *ProjectHandler) ownedProject(w http.ResponseWriter, r *http.Request) (*domain.Project, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	projectID := chi.URLParam(r, "projectID")
	project, err := h.repo.GetProject(r.Context(), projectID)
	if err != nil {
		slog.Error("Failed to get project", "error", err, "project_id", projectID)
		Error(w, http.StatusInternalServerError, "failed to get project")
		return nil, false
	}
	if project == nil || project.UserID != userID {
		Error(w, http.StatusNotFound, "project not found")
		return nil, false
	}
	return project, true
}

// generateProjectName returns a random two-word kebab name.
func generateProjectName() string {
	adj := slugAdjectives[rand.IntN(len(slugAdjectives))]
	noun := slugNouns[rand.IntN(len(slugNouns))]
	return adj + "-" + noun
}
