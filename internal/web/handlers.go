package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"groupcast/internal/broadcast"
	"groupcast/pkg/logx"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	includeCompleted := r.URL.Query().Get("include_completed") == "true"
	snap := s.queue.Snapshot(includeCompleted)
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.queue.PendingCount(),
		"actions": snap,
	})
}

func (s *Server) handleLimiter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"current": s.limiter.CurrentCount(),
		"max":     s.limiter.Max(),
	})
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"entries": s.sched.Entries(),
		"history": s.sched.History(),
	})
}

// broadcastRequest is the POST /api/broadcast body.
type broadcastRequest struct {
	Destinations []string `json:"destinations"`
	Text         string   `json:"text"`
	Attachment   string   `json:"attachment,omitempty"`
	TaskName     string   `json:"task_name,omitempty"`
	Immediate    bool     `json:"immediate,omitempty"`
	// WindowSeconds overrides the default random spread; negative means
	// "use the default", zero disables the spread.
	WindowSeconds *int `json:"window_seconds,omitempty"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if len(body.Destinations) == 0 {
		writeError(w, http.StatusBadRequest, "destinations required")
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	if body.TaskName == "" {
		body.TaskName = "manual"
	}

	req := broadcast.Request{
		Destinations: body.Destinations,
		Text:         body.Text,
		Attachment:   body.Attachment,
		TaskName:     body.TaskName,
		Immediate:    body.Immediate,
	}
	if body.WindowSeconds != nil && *body.WindowSeconds >= 0 {
		d := time.Duration(*body.WindowSeconds) * time.Second
		req.Window = &d
	}

	stats, err := s.caster.Broadcast(r.Context(), req)
	if err != nil {
		s.writeBroadcastError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeBroadcastError maps gate failures onto HTTP statuses: whitelist
// violations are caller mistakes (400), the interlock is a policy refusal
// (403), and transport readiness is a transient conflict (409).
func (s *Server) writeBroadcastError(w http.ResponseWriter, err error) {
	var werr *broadcast.WhitelistError
	switch {
	case errors.As(err, &werr):
		writeError(w, http.StatusBadRequest, werr.Error())
	case errors.Is(err, broadcast.ErrNotArmed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, broadcast.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("broadcast failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	removed := s.queue.ClearAll()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed := s.queue.ClearCompleted()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "task name required")
		return
	}
	removed := s.queue.Cancel(name)
	writeJSON(w, http.StatusOK, map[string]any{"task": name, "removed": removed})
}
