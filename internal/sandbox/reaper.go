package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/vibeforge/vibeforge/internal/store"
)

const reaperInterval = 5 * time.Minute

// StartReaper runs a background goroutine that periodically sweeps for idle
// sandboxes and tears them down. Sandboxes are ephemeral: once a run finishes
// and the preview sits unused past the TTL, the container is reclaimed.
func StartReaper(ctx context.Context, repo store.Repository, mgr Manager, ttl time.Duration) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Sandbox reaper started", "interval", reaperInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				reapExpired(ctx, repo, mgr, ttl)
			case <-ctx.Done():
				slog.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func reapExpired(ctx context.Context, repo store.Repository, mgr Manager, ttl time.Duration) {
	expired, err := repo.GetExpiredSandboxes(ctx, ttl)
	if err != nil {
		slog.Error("Sandbox reaper failed to get expired sandboxes", "error", err)
		return
	}

	if len(expired) == 0 {
		return
	}

	slog.Info("Sandbox reaper found expired sandboxes", "count", len(expired))

	for _, sb := range expired {
		if err := mgr.Terminate(ctx, sb.SandboxID); err != nil {
			slog.Error("Sandbox reaper failed to terminate sandbox",
				"error", err,
				"sandbox_id", sb.SandboxID,
				"project_id", sb.ProjectID)
			continue
		}
		if err := repo.DeleteSandbox(ctx, sb.SandboxID); err != nil {
			slog.Warn("Sandbox reaper failed to delete sandbox record",
				"error", err,
				"sandbox_id", sb.SandboxID)
		}
	}

	slog.Info("Sandbox reaper sweep completed", "reclaimed", len(expired))
}
