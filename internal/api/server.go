package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobfeed/internal/domain"
	"jobfeed/internal/queue"
	"jobfeed/internal/scheduler"
	"jobfeed/internal/store"
)

type Server struct {
	r          *chi.Mux
	repo       queue.Repository
	postingsDB *sql.DB
}

func NewServer(repo queue.Repository, postingsDB *sql.DB) http.Handler {
	return NewServerWithDebug(repo, postingsDB, false)
}

func NewServerWithDebug(repo queue.Repository, postingsDB *sql.DB, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, postingsDB: postingsDB}

	r.Get("/health", s.health)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/tasks/{id}/attempts", s.listAttempts)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)
	r.Get("/api/postings", s.listPostings)
	r.Get("/api/postings/stats", s.postingStats)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey *string         `json:"idempotency_key"`
}

type submitResp struct {
	ID string `json:"id"`
}

// submitTask is the manual trigger: the same task types the schedules
// fire, enqueued on demand.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", 400)
		return
	}
	id, err := s.repo.Enqueue(r.Context(), domain.Task{
		Type: req.Type, Payload: req.Payload, Priority: req.Priority,
		MaxAttempts: req.MaxAttempts, IdempotencyKey: req.IdempotencyKey,
		VisibilityTimeout: 600,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	tasks, err := s.repo.ListRecentTasks(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskJSON(t))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, taskJSON(t))
}

func taskJSON(t domain.Task) map[string]any {
	return map[string]any{
		"id":           t.ID,
		"type":         t.Type,
		"state":        t.State,
		"attempts":     t.Attempts,
		"max_attempts": t.MaxAttempts,
		"priority":     t.Priority,
		"next_run_at":  t.NextRunAt.Format(time.RFC3339),
		"created_at":   t.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempts, err := s.repo.ListAttempts(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		m := map[string]any{
			"started_at": a.StartedAt.Format(time.RFC3339),
			"success":    a.Success,
			"error":      a.Error,
		}
		if a.FinishedAt != nil {
			m["finished_at"] = a.FinishedAt.Format(time.RFC3339)
		}
		out = append(out, m)
	}
	writeJSON(w, 200, out)
}

type createScheduleReq struct {
	Name              string          `json:"name"`
	CronExpr          string          `json:"cron_expr"`
	TaskType          string          `json:"task_type"`
	Payload           json.RawMessage `json:"payload"`
	Priority          int             `json:"priority"`
	MaxAttempts       int             `json:"max_attempts"`
	VisibilitySeconds int             `json:"visibility_seconds"`
	Enabled           bool            `json:"enabled"`
}

type createScheduleResp struct {
	ID string `json:"id"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if req.TaskType == "" {
		http.Error(w, "task_type is required", 400)
		return
	}

	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}

	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	schedule := domain.Schedule{
		Name:              req.Name,
		CronExpr:          req.CronExpr,
		TaskType:          req.TaskType,
		Payload:           req.Payload,
		Priority:          req.Priority,
		MaxAttempts:       req.MaxAttempts,
		VisibilityTimeout: req.VisibilitySeconds,
		Enabled:           req.Enabled,
		NextRun:           nextRun,
	}

	id, err := s.repo.CreateSchedule(r.Context(), schedule)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	schedule, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	schedule, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		schedule.CronExpr = req.CronExpr
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
			return
		}
		schedule.NextRun = nextRun
	}
	if req.TaskType != "" {
		schedule.TaskType = req.TaskType
	}
	if req.Payload != nil {
		schedule.Payload = req.Payload
	}
	if req.Priority > 0 {
		schedule.Priority = req.Priority
	}
	if req.MaxAttempts > 0 {
		schedule.MaxAttempts = req.MaxAttempts
	}
	if req.VisibilitySeconds > 0 {
		schedule.VisibilityTimeout = req.VisibilitySeconds
	}
	schedule.Enabled = req.Enabled

	if err := s.repo.UpdateSchedule(r.Context(), schedule); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteSchedule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPostings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	opts := store.ListOpts{
		Source:     q.Get("source"),
		ActiveOnly: q.Get("active") != "false",
		Limit:      limit,
	}
	postings, err := store.List(r.Context(), s.postingsDB, opts)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, postings)
}

func (s *Server) postingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := store.CountBySource(r.Context(), s.postingsDB)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, stats)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
