package httpapi

import (
	"net/http"
	"strings"

	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

// TaskStatusHandler godoc
// @Summary      Get background task status
// @Tags         tasks
// @Produce      json
// @Router       /tasks/status/{id} [get]
func (s *Server) TaskStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tasks/status/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_id", "task id is required")
		return
	}
	t, err := s.tasks.Status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if !s.canSeeTask(r, t) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// TaskCancelHandler godoc
// @Summary      Cancel a background task
// @Tags         tasks
// @Produce      json
// @Router       /tasks/cancel/{id} [delete]
func (s *Server) TaskCancelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/tasks/cancel/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_id", "task id is required")
		return
	}
	t, err := s.tasks.Status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if !s.canSeeTask(r, t) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	cancelled, err := s.tasks.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// canSeeTask reports whether the authenticated caller may inspect or cancel
// t: its own admin, or the user recorded as having created it. Ordinary
// users may only act on tasks they created; a 404 (not 403) is returned for
// someone else's task so the handler doesn't confirm the id exists.
func (s *Server) canSeeTask(r *http.Request, t *store.Task) bool {
	user := userFromContext(r)
	if user == nil {
		return false
	}
	if user.IsAdmin {
		return true
	}
	return t.CreatedBy != nil && *t.CreatedBy == user.ID
}

// TaskActiveHandler godoc
// @Summary      List in-progress background tasks
// @Tags         tasks
// @Produce      json
// @Router       /tasks/active [get]
func (s *Server) TaskActiveHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if user != nil && !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "admin only")
		return
	}
	active, err := s.tasks.Active(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, active)
}

// TaskWorkersHandler godoc
// @Summary      Per-queue worker health snapshot
// @Tags         tasks
// @Produce      json
// @Router       /tasks/workers [get]
func (s *Server) TaskWorkersHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	if user != nil && !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "admin only")
		return
	}
	stats, err := s.tasks.WorkerStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
