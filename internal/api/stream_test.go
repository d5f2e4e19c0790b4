package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vibeforge/vibeforge/internal/workflow"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestEventQueue_ReplayAfterEventID(t *testing.T) {
	q := NewEventQueue(10)
	q.Enqueue("proj-1", 1, workflow.RunEvent{Kind: workflow.EventStep, Step: "provision"})
	q.Enqueue("proj-1", 2, workflow.RunEvent{Kind: workflow.EventStep, Step: "persist"})
	q.Enqueue("proj-2", 3, workflow.RunEvent{Kind: workflow.EventDone})

	missed := q.GetMissedEvents("proj-1", 1)
	if len(missed) != 1 {
		t.Fatalf("Expected 1 missed event, got %d", len(missed))
	}
	if missed[0].Event.Step != "persist" {
		t.Errorf("Expected persist step, got %q", missed[0].Event.Step)
	}

	if got := q.GetMissedEvents("proj-2", 0); len(got) != 1 {
		t.Errorf("Expected proj-2 events isolated, got %d", len(got))
	}
}

func TestEventQueue_EvictsOldestPastBound(t *testing.T) {
	q := NewEventQueue(2)
	for i := int64(1); i <= 5; i++ {
		q.Enqueue("proj-1", i, workflow.RunEvent{Kind: workflow.EventOutput})
	}

	missed := q.GetMissedEvents("proj-1", 0)
	if len(missed) != 2 {
		t.Fatalf("Expected 2 retained events, got %d", len(missed))
	}
	if missed[0].EventID != 4 || missed[1].EventID != 5 {
		t.Errorf("Expected newest events retained, got %d and %d", missed[0].EventID, missed[1].EventID)
	}
}

func TestEventQueue_Prune(t *testing.T) {
	q := NewEventQueue(10)
	q.Enqueue("proj-1", 1, workflow.RunEvent{Kind: workflow.EventDone})
	q.Prune("proj-1")

	if got := q.GetMissedEvents("proj-1", 0); len(got) != 0 {
		t.Errorf("Expected pruned queue to be empty, got %d", len(got))
	}
}

func TestStreamHandler_SubscribeReceivesPublishedEvents(t *testing.T) {
	h := NewStreamHandler(NewHandler(newFakeRepo(), ""))
	defer h.Close()

	events, cancel := h.Subscribe("proj-1")
	defer cancel()

	h.Publish(workflow.RunEvent{Kind: workflow.EventStep, ProjectID: "proj-1", Step: "provision"})

	select {
	case ev := <-events:
		if ev.Step != "provision" {
			t.Errorf("Expected provision step, got %q", ev.Step)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestStreamHandler_SubscriberScopedToProject(t *testing.T) {
	h := NewStreamHandler(NewHandler(newFakeRepo(), ""))
	defer h.Close()

	events, cancel := h.Subscribe("proj-1")
	defer cancel()

	h.Publish(workflow.RunEvent{Kind: workflow.EventDone, ProjectID: "proj-2"})
	h.Publish(workflow.RunEvent{Kind: workflow.EventDone, ProjectID: "proj-1"})

	select {
	case ev := <-events:
		if ev.ProjectID != "proj-1" {
			t.Errorf("Expected only proj-1 events, got %q", ev.ProjectID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}
