package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/erkineren/agentgate/internal/models"
	"github.com/erkineren/agentgate/internal/store"
	"github.com/erkineren/agentgate/internal/subagent"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBodyBytes = 1 << 20
)

var errBadRequest = errors.New("bad request")

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 "healthy",
		"machine_id":             s.cfg.MachineID,
		"queue_length":           s.queue.Len(),
		"active_subagents":       s.subagents.ActiveCount(),
		"max_parallel_subagents": s.subagents.MaxParallel(),
		"connections":            s.streams.ConnectionCount(),
		"uptime_seconds":         int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) listWebhooks(w http.ResponseWriter, _ *http.Request) {
	configs := s.webhooks.Configs()
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": configs, "count": len(configs)})
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), r.URL.Query().Get("provider"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.store.GetEvent(r.Context(), mux.Vars(r)["event_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := models.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.TaskQueued, models.TaskRunning, models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
	default:
		s.fail(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, status))
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), status, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) spawnSubagent(w http.ResponseWriter, r *http.Request) {
	var req subagent.SpawnRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sa, err := s.subagents.Spawn(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sa)
}

type parallelRequest struct {
	Agents []subagent.SpawnRequest `json:"agents"`
}

func (s *Server) spawnParallel(w http.ResponseWriter, r *http.Request) {
	var req parallelRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	groupID, subagents, err := s.subagents.SpawnParallel(r.Context(), req.Agents)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id":  groupID,
		"subagents": subagents,
		"count":     len(subagents),
	})
}

func (s *Server) activeSubagents(w http.ResponseWriter, _ *http.Request) {
	active := s.subagents.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"subagents":    active,
		"count":        len(active),
		"max_parallel": s.subagents.MaxParallel(),
	})
}

func (s *Server) getSubagent(w http.ResponseWriter, r *http.Request) {
	sa, err := s.subagents.Get(r.Context(), mux.Vars(r)["subagent_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sa)
}

func (s *Server) stopSubagent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["subagent_id"]
	if err := s.subagents.Stop(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subagent_id": id, "status": "stopping"})
}

func (s *Server) subagentOutput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["subagent_id"]
	output, err := s.subagents.Output(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subagent_id": id, "output": output})
}

// fail maps err to a status code and writes it as a JSON error body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, subagent.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, subagent.ErrCapacity):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, errBadRequest), errors.Is(err, subagent.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
