package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"cronward/internal/runtime/supervisor"
	"cronward/internal/storage"
	"cronward/internal/task"
	"cronward/internal/task/scheduler"
)

type healthResponse struct {
	Status  string                `json:"status"` // ok | degraded
	Running int                   `json:"running"`
	Tasks   int                   `json:"tasks"`
	Loops   []supervisor.LoopInfo `json:"loops,omitempty"`
	Failing []string              `json:"failing,omitempty"`
}

// handleHealth is 200 while every loop is up, 503 otherwise. Task failures
// are listed but do not make the daemon unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Scheduler != nil {
		snap := s.deps.Scheduler.Snapshot()
		resp.Running = snap.Running
		resp.Tasks = len(snap.Tasks)
		for _, t := range snap.Tasks {
			if t.Status != nil && t.Status.ConsecutiveFailures > 0 {
				resp.Failing = append(resp.Failing, t.ID)
			}
		}
	}
	if s.deps.Loops != nil {
		resp.Loops = s.deps.Loops()
		for _, l := range resp.Loops {
			if !l.Active {
				resp.Status = "degraded"
			}
		}
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Snapshot())
}

type taskStatusResponse struct {
	scheduler.TaskInfo
	Upcoming []string `json:"upcoming"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, t := range s.deps.Scheduler.Snapshot().Tasks {
		if t.ID != id {
			continue
		}
		resp := taskStatusResponse{TaskInfo: t, Upcoming: []string{}}
		for _, at := range s.deps.Scheduler.NextTriggers(id, 5) {
			resp.Upcoming = append(resp.Upcoming, at.Format("2006-01-02T15:04:05Z07:00"))
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeError(w, http.StatusNotFound, "unknown task "+strconv.Quote(id))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "run history unavailable")
		return
	}
	f := storage.RunFilter{TaskID: strings.TrimSpace(r.URL.Query().Get("task")), Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	runs, err := s.deps.History.History(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []task.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Scheduler.Trigger(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": id, "result": "triggered"})
}

func (s *Server) handleToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.deps.Scheduler.SetEnabled(id, enabled); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": id, "enabled": enabled})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, task.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// tokenAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func tokenAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
