package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/events"
)

// handleSSE streams a workspace's activity entries and typed control events
// as server-sent events until the client disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub, err := s.activity.Subscribe(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	defer sub.Unsubscribe()

	busCh := s.bus.Subscribe()
	defer s.bus.Unsubscribe(busCh)

	s.logger.Info("sse client connected", "workspace", id, "remote", r.RemoteAddr)
	s.sendSSE(w, flusher, "connected", map[string]string{"workspace": id})

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sse client disconnected", "workspace", id)
			return
		case entry, ok := <-sub.C:
			if !ok {
				return
			}
			s.sendActivity(w, flusher, entry)
		case ev, ok := <-busCh:
			if !ok {
				return
			}
			if ev.WorkspaceID() != id {
				continue
			}
			s.sendSSE(w, flusher, ev.EventType(), ev)
		}
	}
}

func (s *Server) sendActivity(w http.ResponseWriter, flusher http.Flusher, entry core.ActivityEntry) {
	s.sendSSE(w, flusher, "activity", entry)
}

func (s *Server) sendSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("sse marshal failed", "type", eventType, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

// compile-time check that every typed control event satisfies events.Event.
var _ = []events.Event{
	events.TaskUpdatedEvent{},
	events.TaskMovedEvent{},
	events.QueueStatusEvent{},
	events.ExecutionStatusEvent{},
	events.TurnEndEvent{},
	events.PlanningStatusEvent{},
	events.PlanningTurnEndEvent{},
	events.PlanSavedEvent{},
	events.ShelfUpdatedEvent{},
	events.QARequestEvent{},
}
