package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vibeforge/vibeforge/internal/domain"
	"github.com/vibeforge/vibeforge/internal/shared"
	_ "modernc.org/sqlite"
)

// ErrCheckpointExists is returned when a completed step is saved twice.
var ErrCheckpointExists = errors.New("checkpoint already recorded")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db           *sql.DB
	checkpointMu sync.Mutex // Serializes checkpoint writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		project_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, created_at);

	CREATE TABLE IF NOT EXISTS fragments (
		fragment_id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL UNIQUE,
		sandbox_url TEXT NOT NULL,
		title TEXT NOT NULL,
		files_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT NOT NULL,
		step TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, step)
	);

	CREATE TABLE IF NOT EXISTS sandboxes (
		sandbox_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_used ON sandboxes(last_used_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateProject inserts a new project.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *domain.Project) error {
	query := `
	INSERT INTO projects (project_id, user_id, name, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		project.ID, project.UserID, project.Name,
		project.CreatedAt.Unix(), project.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `
		SELECT project_id, user_id, name, created_at, updated_at
		FROM projects WHERE project_id = ?`

	row := s.db.QueryRowContext(ctx, query, projectID)

	var p domain.Project
	var createdAt, updatedAt int64

	err := row.Scan(&p.ID, &p.UserID, &p.Name, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project row: %w", err)
	}

	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// ListProjects returns all projects owned by a user, newest first.
func (s *SQLiteStore) ListProjects(ctx context.Context, userID string) ([]*domain.Project, error) {
	query := `
		SELECT project_id, user_id, name, created_at, updated_at
		FROM projects WHERE user_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer closeRows(rows, "projects")

	var projects []*domain.Project
	for rows.Next() {
		var p domain.Project
		var createdAt, updatedAt int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		p.UpdatedAt = time.Unix(updatedAt, 0)
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

// CreateMessage inserts one message and its optional fragment in one
// transaction, retrying on transient lock contention.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	return shared.RetryOnConflict(ctx, 3, 50*time.Millisecond, func() error {
		return s.createMessageTx(ctx, msg)
	})
}

func (s *SQLiteStore) createMessageTx(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back message tx", "error", rbErr)
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, project_id, role, type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, string(msg.Role), string(msg.Type), msg.Content, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if msg.Fragment != nil {
		filesJSON, err := json.Marshal(msg.Fragment.Files)
		if err != nil {
			return fmt.Errorf("marshal fragment files: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO fragments (fragment_id, message_id, sandbox_url, title, files_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			msg.Fragment.ID, msg.ID, msg.Fragment.SandboxURL, msg.Fragment.Title,
			string(filesJSON), msg.Fragment.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert fragment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message tx: %w", err)
	}
	return nil
}

// ListRecentMessages returns up to limit non-ERROR messages, oldest first.
// The limit keeps the most recent turns: older entries beyond it are dropped.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, projectID string, limit int) ([]*domain.Message, error) {
	// Select newest-first with LIMIT, then reverse, so truncation always drops
	// from the oldest end.
	query := `
		SELECT m.message_id, m.project_id, m.role, m.type, m.content, m.created_at,
		       f.fragment_id, f.sandbox_url, f.title, f.files_json, f.created_at
		FROM messages m
		LEFT JOIN fragments f ON f.message_id = m.message_id
		WHERE m.project_id = ? AND m.type != 'ERROR'
		ORDER BY m.created_at DESC, m.message_id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer closeRows(rows, "recent messages")

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessages returns all messages for a project, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, projectID string) ([]*domain.Message, error) {
	query := `
		SELECT m.message_id, m.project_id, m.role, m.type, m.content, m.created_at,
		       f.fragment_id, f.sandbox_url, f.title, f.files_json, f.created_at
		FROM messages m
		LEFT JOIN fragments f ON f.message_id = m.message_id
		WHERE m.project_id = ?
		ORDER BY m.created_at ASC, m.message_id ASC`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	var msgs []*domain.Message
	for rows.Next() {
		var m domain.Message
		var role, typ string
		var createdAt int64
		var fragID, sandboxURL, title, filesJSON sql.NullString
		var fragCreatedAt sql.NullInt64

		if err := rows.Scan(
			&m.ID, &m.ProjectID, &role, &typ, &m.Content, &createdAt,
			&fragID, &sandboxURL, &title, &filesJSON, &fragCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		m.Role = domain.MessageRole(role)
		m.Type = domain.MessageType(typ)
		m.CreatedAt = time.Unix(createdAt, 0)

		if fragID.Valid {
			frag := &domain.Fragment{
				ID:         fragID.String,
				MessageID:  m.ID,
				SandboxURL: sandboxURL.String,
				Title:      title.String,
				CreatedAt:  time.Unix(fragCreatedAt.Int64, 0),
			}
			if err := json.Unmarshal([]byte(filesJSON.String), &frag.Files); err != nil {
				return nil, fmt.Errorf("unmarshal fragment files: %w", err)
			}
			m.Fragment = frag
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// GetCheckpoint returns the cached payload for a completed workflow step.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID, step string) ([]byte, bool, error) {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE run_id = ? AND step = ?`, runID, step)

	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan checkpoint: %w", err)
	}
	return []byte(payload), true, nil
}

// SaveCheckpoint records a completed workflow step's payload. The primary key
// on (run_id, step) makes a duplicate save fail rather than overwrite.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, runID, step string, payload []byte) error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, step, payload, created_at) VALUES (?, ?, ?, ?)`,
		runID, step, string(payload), time.Now().Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCheckpointExists
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// TrackSandbox records a sandbox owned by a project.
func (s *SQLiteStore) TrackSandbox(ctx context.Context, sb *domain.Sandbox) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (sandbox_id, project_id, created_at, last_used_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(sandbox_id) DO UPDATE SET last_used_at = excluded.last_used_at`,
		sb.SandboxID, sb.ProjectID, sb.CreatedAt.Unix(), sb.LastUsedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("track sandbox: %w", err)
	}
	return nil
}

// TouchSandbox updates a sandbox's last_used_at timestamp.
func (s *SQLiteStore) TouchSandbox(ctx context.Context, sandboxID string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET last_used_at = ? WHERE sandbox_id = ?`,
		usedAt.Unix(), sandboxID,
	)
	if err != nil {
		return fmt.Errorf("touch sandbox: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchSandbox affected 0 rows", "sandbox_id", sandboxID)
	}
	return nil
}

// GetExpiredSandboxes retrieves sandboxes idle longer than ttl.
func (s *SQLiteStore) GetExpiredSandboxes(ctx context.Context, ttl time.Duration) ([]*domain.Sandbox, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT sandbox_id, project_id, created_at, last_used_at
		 FROM sandboxes WHERE last_used_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sandboxes: %w", err)
	}
	defer closeRows(rows, "expired sandboxes")

	var sandboxes []*domain.Sandbox
	for rows.Next() {
		var sb domain.Sandbox
		var createdAt, lastUsedAt int64
		if err := rows.Scan(&sb.SandboxID, &sb.ProjectID, &createdAt, &lastUsedAt); err != nil {
			return nil, fmt.Errorf("scan sandbox row: %w", err)
		}
		sb.CreatedAt = time.Unix(createdAt, 0)
		sb.LastUsedAt = time.Unix(lastUsedAt, 0)
		sandboxes = append(sandboxes, &sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sandboxes: %w", err)
	}
	return sandboxes, nil
}

// DeleteSandbox removes a sandbox tracking record.
func (s *SQLiteStore) DeleteSandbox(ctx context.Context, sandboxID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE sandbox_id = ?`, sandboxID); err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}
