package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/opkit/internal/eventlog"
	"github.com/mattjoyce/opkit/internal/task"
)

// ErrorResponse is the JSON envelope for API errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

type submitRequest struct {
	ActionID string   `json:"action_id"`
	Params   []string `json:"params,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"actions":        len(s.catalog),
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	type item struct {
		ID           string `json:"id"`
		Name         string `json:"name,omitempty"`
		Description  string `json:"description,omitempty"`
		Kind         string `json:"kind"`
		SingleFlight bool   `json:"single_flight,omitempty"`
	}
	out := make([]item, 0, len(s.catalog))
	for _, d := range s.catalog {
		out = append(out, item{
			ID:           d.ID,
			Name:         d.Name,
			Description:  d.Description,
			Kind:         string(d.Kind),
			SingleFlight: d.SingleFlight,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	desc, ok := s.byID[req.ActionID]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown action: "+req.ActionID)
		return
	}

	taskID, err := s.disp.Submit(r.Context(), *desc, req.Params)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, submitResponse{TaskID: taskID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.disp.Tasks())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	snap, err := s.disp.Query(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.Cancel(chi.URLParam(r, "taskID")); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleLog streams matching log records as a JSON array without buffering
// the whole result set.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := eventlog.Filter{
		TaskID:   q.Get("task_id"),
		ActionID: q.Get("action_id"),
	}
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, task.EventType(t))
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad since timestamp: "+err.Error())
			return
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad until timestamp: "+err.Error())
			return
		}
		filter.Until = t
	}

	cur, err := s.sink.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cur.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	if _, err := w.Write([]byte("[")); err != nil {
		return
	}
	first := true
	for cur.Next() {
		if !first {
			if _, err := w.Write([]byte(",")); err != nil {
				return
			}
		}
		first = false
		if err := enc.Encode(cur.Record()); err != nil {
			return
		}
	}
	if err := cur.Err(); err != nil {
		s.logger.Error("log query iteration failed", "error", err)
	}
	_, _ = w.Write([]byte("]"))
}

// statusFor maps the synchronous error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrInvalidDescriptor),
		errors.Is(err, task.ErrMissingParameter):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, task.ErrConcurrentInvocation):
		return http.StatusConflict
	case errors.Is(err, task.ErrExtensionNotFound),
		errors.Is(err, task.ErrIncompatibleExtension):
		return http.StatusUnprocessableEntity
	case errors.Is(err, task.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
