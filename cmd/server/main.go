// Vibeforge - prompt-to-app generation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/vibeforge/vibeforge/internal/api"
	"github.com/vibeforge/vibeforge/internal/config"
	"github.com/vibeforge/vibeforge/internal/identity"
	"github.com/vibeforge/vibeforge/internal/llm"
	"github.com/vibeforge/vibeforge/internal/middleware"
	"github.com/vibeforge/vibeforge/internal/sandbox"
	"github.com/vibeforge/vibeforge/internal/store"
	"github.com/vibeforge/vibeforge/internal/workflow"
	"github.com/vibeforge/vibeforge/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	mgr, err := sandbox.NewDockerManager(cfg.SandboxImage, cfg.SandboxRuntime, cfg.PreviewPort)
	if err != nil {
		slog.Error("Failed to initialize sandbox manager", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox manager initialized")

	// Ensure custom bridge network exists for sandbox containers.
	networkID, err := mgr.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	// Model clients: the main coding model and a smaller one for titles.
	model := llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.Model)
	titleModel := llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.TitleModel)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, cfg.FrontendURL)
	streamHandler := api.NewStreamHandler(baseHandler)
	defer streamHandler.Close()

	// Workflow engine and dispatcher.
	engine := workflow.NewEngine(repo, mgr, model, titleModel, streamHandler, cfg.PreviewPort, cfg.MaxIterations)
	dispatcher := workflow.NewDispatcher(engine, cfg.WorkerCount, cfg.QueueSize)

	projectHandler := api.NewProjectHandler(baseHandler, dispatcher, cfg)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := api.NewWebSocketHandler(baseHandler, streamHandler, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	projectHandler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start run workers and the sandbox TTL reaper.
	dispatcher.Start(ctx)
	sandbox.StartReaper(ctx, repo, mgr, cfg.SandboxTTL)
	slog.Info("Workers started", "count", cfg.WorkerCount, "sandbox_ttl", cfg.SandboxTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	dispatcher.Close()
	slog.Info("Server stopped")
}
