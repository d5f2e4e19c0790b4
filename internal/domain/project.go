package domain

import (
	"time"
)

// Project groups one conversation and its generated fragments under a user.
type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User represents an anonymous device-scoped user.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Sandbox tracks an ephemeral execution environment owned by one run.
type Sandbox struct {
	SandboxID  string    `json:"sandbox_id"`
	ProjectID  string    `json:"project_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Expired reports whether the sandbox has exceeded its inactivity TTL.
func (s *Sandbox) Expired(ttl time.Duration) bool {
	return time.Since(s.LastUsedAt) > ttl
}
