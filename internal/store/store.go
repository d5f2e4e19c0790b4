// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/vibeforge/vibeforge/internal/domain"
)

// Repository defines the interface for persisting users, projects,
// conversation messages, and workflow checkpoints.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil if not found.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// CreateProject inserts a new project.
	CreateProject(ctx context.Context, project *domain.Project) error

	// GetProject retrieves a project by ID. Returns nil if not found.
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)

	// ListProjects returns all projects owned by a user, newest first.
	ListProjects(ctx context.Context, userID string) ([]*domain.Project, error)

	// CreateMessage inserts one message and, when present, its fragment in a
	// single transaction.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// ListRecentMessages returns up to limit non-ERROR messages for a project,
	// oldest first, each with its fragment attached when one exists.
	ListRecentMessages(ctx context.Context, projectID string, limit int) ([]*domain.Message, error)

	// ListMessages returns all messages for a project, oldest first,
	// including ERROR messages, with fragments attached.
	ListMessages(ctx context.Context, projectID string) ([]*domain.Message, error)

	// GetCheckpoint returns the cached payload for a completed workflow step,
	// or ok=false if the step has not completed for this run.
	GetCheckpoint(ctx context.Context, runID, step string) (payload []byte, ok bool, err error)

	// SaveCheckpoint records a completed workflow step's payload. Saving the
	// same (runID, step) twice is an error: completed steps are immutable.
	SaveCheckpoint(ctx context.Context, runID, step string, payload []byte) error

	// TrackSandbox records a sandbox owned by a project for TTL sweeping.
	TrackSandbox(ctx context.Context, sb *domain.Sandbox) error

	// TouchSandbox updates a sandbox's last_used_at timestamp.
	TouchSandbox(ctx context.Context, sandboxID string, usedAt time.Time) error

	// GetExpiredSandboxes retrieves sandboxes idle longer than ttl.
	GetExpiredSandboxes(ctx context.Context, ttl time.Duration) ([]*domain.Sandbox, error)

	// DeleteSandbox removes a sandbox tracking record.
	DeleteSandbox(ctx context.Context, sandboxID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
