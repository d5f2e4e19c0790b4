package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/vibeforge/vibeforge/internal/identity"
)

const wsPingInterval = 30 * time.Second

// WebSocketHandler streams run progress events over a websocket, for clients
// that prefer a bidirectional channel over SSE. Events come from the same
// broadcaster the SSE endpoint uses.
type WebSocketHandler struct {
	*Handler
	stream        *StreamHandler
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a websocket handler fed by the given stream
// broadcaster.
func NewWebSocketHandler(base *Handler, stream *StreamHandler, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		Handler:       base,
		stream:        stream,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// RegisterRoutes registers websocket routes.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/projects/{projectID}/ws", h.ServeHTTP)
}

// ServeHTTP upgrades to a websocket and forwards run events until the client
// disconnects.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	projectID := chi.URLParam(r, "projectID")
	project, err := h.repo.GetProject(r.Context(), projectID)
	if err != nil || project == nil || project.UserID != userID {
		http.Error(w, `{"error":"project not found"}`, http.StatusNotFound)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "project_id", projectID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "project_id", projectID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := h.stream.Subscribe(projectID)
	defer unsubscribe()

	slog.Info("WebSocket stream connected", "project_id", projectID, "user_id", userID)

	// Drain client frames so pings and close frames are processed; client
	// input carries no commands on this endpoint.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				if websocket.CloseStatus(err) != -1 {
					slog.Debug("WebSocket closed by client", "project_id", projectID)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("WebSocket stream disconnected", "project_id", projectID)
			return
		case <-ping.C:
			if err := ws.Ping(ctx); err != nil {
				slog.Debug("WebSocket ping failed", "error", err, "project_id", projectID)
				return
			}
		case event := <-events:
			if err := h.writeJSON(ctx, ws, event); err != nil {
				slog.Warn("WebSocket write failed", "error", err, "project_id", projectID)
				return
			}
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
