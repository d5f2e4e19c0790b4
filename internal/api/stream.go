package api

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vibeforge/vibeforge/internal/identity"
	"github.com/vibeforge/vibeforge/internal/workflow"
)

const (
	sseRetryDelay        = 5 * time.Second
	sseKeepaliveInterval = 10 * time.Second
	sseQueueSize         = 100
	eventBufferSize      = 256
)

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	ProjectID   string
	EventID     int64
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// QueuedEvent is a buffered run event awaiting replay.
type QueuedEvent struct {
	EventID   int64
	Event     workflow.RunEvent
	Timestamp time.Time
}

// EventQueue buffers run events for disconnected clients, sharded per
// project. Each project gets its own bounded list so one project's burst
// cannot evict events belonging to another.
type EventQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // projectID -> events
	maxSize int
}

// NewEventQueue creates a per-project event queue.
func NewEventQueue(maxSize int) *EventQueue {
	if maxSize <= 0 {
		maxSize = sseQueueSize
	}
	return &EventQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds an event to the project's queue, evicting the oldest entries
// past the size bound.
func (q *EventQueue) Enqueue(projectID string, eventID int64, event workflow.RunEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queues[projectID]; !ok {
		q.queues[projectID] = list.New()
	}
	l := q.queues[projectID]
	l.PushBack(&QueuedEvent{
		EventID:   eventID,
		Event:     event,
		Timestamp: time.Now(),
	})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedEvents retrieves events after a specific event ID for a project.
func (q *EventQueue) GetMissedEvents(projectID string, afterEventID int64) []*QueuedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[projectID]
	if !ok {
		return nil
	}
	var missed []*QueuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*QueuedEvent)
		if ev.EventID > afterEventID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Prune removes a project's queue when its last connection closes.
func (q *EventQueue) Prune(projectID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, projectID)
}

// StreamHandler fans run progress events out to SSE and websocket clients.
// It implements workflow.Notifier: the orchestrator publishes into a buffered
// channel and the broadcast loop distributes from there, so a slow client
// never stalls a run.
type StreamHandler struct {
	*Handler
	events        chan workflow.RunEvent
	connections   map[string]map[int64]*SSEConnection // projectID -> connID -> conn
	subscribers   map[string]map[int64]chan workflow.RunEvent
	eventQueue    *EventQueue
	connectionsMu sync.RWMutex
	eventCounter  int64
	connectionID  int64
	counterMu     sync.Mutex
	done          chan struct{}
	closeOnce     sync.Once
}

// NewStreamHandler creates a stream handler and starts its broadcast loop.
func NewStreamHandler(base *Handler) *StreamHandler {
	h := &StreamHandler{
		Handler:     base,
		events:      make(chan workflow.RunEvent, eventBufferSize),
		connections: make(map[string]map[int64]*SSEConnection),
		subscribers: make(map[string]map[int64]chan workflow.RunEvent),
		eventQueue:  NewEventQueue(sseQueueSize),
		done:        make(chan struct{}),
	}
	go h.broadcastLoop()
	return h
}

// RegisterRoutes registers streaming routes.
func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/projects/{projectID}/stream", h.HandleStream)
}

// Publish implements workflow.Notifier. Events are dropped, not blocked on,
// when the buffer is full.
func (h *StreamHandler) Publish(event workflow.RunEvent) {
	select {
	case h.events <- event:
	default:
		slog.Warn("Dropping run event, stream buffer full",
			"run_id", event.RunID,
			"project_id", event.ProjectID,
			"kind", event.Kind,
		)
	}
}

// Close stops the broadcast loop.
func (h *StreamHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Subscribe returns a channel of run events for one project, for consumers
// that are not SSE connections. cancel must be called when done.
func (h *StreamHandler) Subscribe(projectID string) (<-chan workflow.RunEvent, func()) {
	ch := make(chan workflow.RunEvent, eventBufferSize)

	h.counterMu.Lock()
	h.connectionID++
	id := h.connectionID
	h.counterMu.Unlock()

	h.connectionsMu.Lock()
	if _, ok := h.subscribers[projectID]; !ok {
		h.subscribers[projectID] = make(map[int64]chan workflow.RunEvent)
	}
	h.subscribers[projectID][id] = ch
	h.connectionsMu.Unlock()

	cancel := func() {
		h.connectionsMu.Lock()
		if subs, ok := h.subscribers[projectID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subscribers, projectID)
			}
		}
		h.connectionsMu.Unlock()
	}
	return ch, cancel
}

// broadcastLoop distributes published events to connected clients.
func (h *StreamHandler) broadcastLoop() {
	for {
		select {
		case <-h.done:
			slog.Info("Stream broadcast loop shutting down")
			return
		case event := <-h.events:
			h.counterMu.Lock()
			h.eventCounter++
			eventID := h.eventCounter
			h.counterMu.Unlock()

			h.eventQueue.Enqueue(event.ProjectID, eventID, event)

			h.connectionsMu.RLock()
			conns := make([]*SSEConnection, 0, len(h.connections[event.ProjectID]))
			for _, c := range h.connections[event.ProjectID] {
				conns = append(conns, c)
			}
			subs := make([]chan workflow.RunEvent, 0, len(h.subscribers[event.ProjectID]))
			for _, ch := range h.subscribers[event.ProjectID] {
				subs = append(subs, ch)
			}
			h.connectionsMu.RUnlock()

			for _, conn := range conns {
				h.sendToConnection(conn, eventID, event)
			}
			for _, ch := range subs {
				select {
				case ch <- event:
				default:
				}
			}
		}
	}
}

// sendToConnection sends one event to a specific connection.
func (h *StreamHandler) sendToConnection(conn *SSEConnection, eventID int64, event workflow.RunEvent) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal run event", "error", err, "conn_id", conn.ID)
		return
	}

	// Write with event ID for replay capability.
	if _, err := fmt.Fprintf(conn.Writer, "id: %d\nevent: %s\ndata: %s\n\n", eventID, event.Kind, data); err != nil {
		slog.Error("Failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"project_id", conn.ProjectID,
		)
		return
	}

	conn.Flusher.Flush()
	conn.EventID = eventID
}

// HandleStream handles the SSE stream of run progress events for a project.
// Supports Last-Event-ID replay so a reconnecting client recovers events it
// missed while disconnected.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	projectID := chi.URLParam(r, "projectID")
	project, err := h.repo.GetProject(r.Context(), projectID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to get project")
		return
	}
	if project == nil || project.UserID != userID {
		Error(w, http.StatusNotFound, "project not found")
		return
	}

	// Parse Last-Event-ID header or query param for replay.
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", sseRetryDelay.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "project_id", projectID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		ProjectID:   projectID,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	h.connectionsMu.Lock()
	if _, exists := h.connections[projectID]; !exists {
		h.connections[projectID] = make(map[int64]*SSEConnection)
	}
	h.connections[projectID][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		close(conn.Done)
		h.connectionsMu.Lock()
		last := false
		if conns, exists := h.connections[projectID]; exists {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(h.connections, projectID)
				last = len(h.subscribers[projectID]) == 0
			}
		}
		h.connectionsMu.Unlock()
		// Prune the replay queue when the last consumer for this project
		// disconnects, freeing memory promptly.
		if last {
			h.eventQueue.Prune(projectID)
		}
		slog.Info("SSE connection closed", "project_id", projectID, "conn_id", connID)
	}()

	// Replay missed events on reconnect.
	if lastEventID > 0 {
		missed := h.eventQueue.GetMissedEvents(projectID, lastEventID)
		for _, ev := range missed {
			h.sendToConnection(conn, ev.EventID, ev.Event)
		}
		if len(missed) > 0 {
			slog.Info("Replayed missed events",
				"project_id", projectID,
				"count", len(missed),
			)
		}
	}

	// Initial connection event.
	h.counterMu.Lock()
	h.eventCounter++
	eventID := h.eventCounter
	h.counterMu.Unlock()

	conn.EventID = eventID
	connectedData := fmt.Sprintf(`{"status":"connected","project_id":"%s","event_id":%d}`, projectID, eventID)
	if err := writeSSEWithID(w, eventID, "connected", connectedData); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "project_id", projectID)
		return
	}
	flusher.Flush()

	slog.Info("SSE connection established",
		"project_id", projectID,
		"conn_id", connID,
		"reconnect", lastEventID > 0,
	)

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to write SSE keepalive ping", "error", err, "project_id", projectID)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
