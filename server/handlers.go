package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/driftworks/convoy/agent"
	"github.com/driftworks/convoy/task"
)

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error body with the given status.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeTaskError maps Registry and lifecycle errors onto HTTP statuses.
func writeTaskError(w http.ResponseWriter, err error) {
	var illegal *task.IllegalTransitionError
	var cyclic *agent.CyclicDependencyError
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrDuplicateID):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.As(err, &illegal):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.As(err, &cyclic):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case task.IsStaleWrite(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleVersion returns the daemon version and uptime.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleStatus returns the aggregated pipeline status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.console.Status()
	if err != nil {
		s.logger.Error("status report", slog.Any("err", err))
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleWorkers returns the workers seen within the heartbeat TTL.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	ttl := s.cfg.Supervisor.HeartbeatTTL.Std()
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	writeJSON(w, http.StatusOK, s.coord.Workers(ttl))
}

// handleListTasks returns tasks matching the query filters: state (comma
// separated), type, assignee, limit.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f task.Filter
	if states := q.Get("state"); states != "" {
		for _, st := range strings.Split(states, ",") {
			f.States = append(f.States, task.State(strings.TrimSpace(st)))
		}
	}
	f.Type = q.Get("type")
	f.Assignee = q.Get("assignee")
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	f.OrderByPriority = q.Get("order") == "priority"

	tasks, err := s.console.Tasks(f)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleCreateTask creates a single manual task.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec agent.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if spec.Title == "" || spec.Type == "" {
		writeJSONError(w, http.StatusBadRequest, "title and type are required")
		return
	}
	id, err := s.console.CreateTask(spec)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleGetTask returns one task by ID.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.console.Task(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleCancelTask cancels a backlog or pending task.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.console.Cancel(id); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(task.StateCancelled)})
}

// handleSubmitGoal decomposes a goal into its task DAG.
func (s *Server) handleSubmitGoal(w http.ResponseWriter, r *http.Request) {
	if s.sup == nil {
		writeJSONError(w, http.StatusNotImplemented, "no supervisor configured")
		return
	}
	var g agent.Goal
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ids, err := s.sup.SubmitGoal(g)
	if err != nil {
		// Goal validation problems (cycles, unknown dependencies, bad
		// specs) are all caller errors.
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("goal submitted via api",
		slog.String("goal", g.Name),
		slog.String("by", Subject(r.Context())),
	)
	writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
}
