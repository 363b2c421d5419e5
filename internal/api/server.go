// Package api is the operator HTTP surface: health, metrics, the task queue,
// follow-up campaigns and recurring schedules.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"leadflow/internal/cache"
	"leadflow/internal/campaign"
	"leadflow/internal/domain"
	"leadflow/internal/queue"
	"leadflow/internal/ratelimit"
	"leadflow/internal/remote"
	"leadflow/internal/scheduler"
)

type FollowupPlanner interface {
	ScheduleFollowup(ctx context.Context, userID int64, guideID string) ([]string, error)
	CancelFollowups(ctx context.Context, userID int64, reason string) (int, error)
}

// RemoteStatus is the part of remote.Store the API reports on.
type RemoteStatus interface {
	Health() remote.HealthSnapshot
	LastSchemaReport() (remote.SchemaReport, bool)
	ValidateSchema(ctx context.Context) remote.SchemaReport
}

type LeadRecorder interface {
	AppendLead(ctx context.Context, l remote.Lead) error
}

// Deps are the components the server exposes. Only Repo is required.
type Deps struct {
	Repo      queue.Repository
	Planner   FollowupPlanner
	Remote    RemoteStatus
	Leads     LeadRecorder
	Telemetry *remote.Counters
	Cache     *cache.Cache
	Soft      *ratelimit.Soft
	Hard      *ratelimit.Hard

	// ForwardLeads enqueues a lead_forward task for every captured lead.
	ForwardLeads bool
}

type Option func(*Server)

// WithDebug mounts the pprof handlers under /debug/pprof.
func WithDebug(enabled bool) Option { return func(s *Server) { s.debug = enabled } }

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

type Server struct {
	r       *chi.Mux
	deps    Deps
	debug   bool
	log     zerolog.Logger
	now     func() time.Time
	started time.Time
}

func NewServer(deps Deps, opts ...Option) http.Handler {
	s := &Server{r: chi.NewRouter(), deps: deps, log: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.started = s.now()

	r := s.r
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Post("/tasks/{id}/cancel", s.cancelTask)

		r.Post("/leads", s.captureLead)
		r.Post("/campaigns/followup", s.scheduleFollowup)
		r.Post("/campaigns/followup/cancel", s.cancelFollowups)

		r.Post("/cache/invalidate", s.invalidateCache)
		r.Post("/schema/validate", s.validateSchema)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
	})

	if s.debug {
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

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

type healthResp struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime"`
	Tasks  map[domain.Status]int  `json:"tasks"`
	Remote *remote.HealthSnapshot `json:"remote,omitempty"`
	Schema *remote.SchemaReport   `json:"schema,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Repo.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, "database unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	resp := healthResp{
		Status: "ok",
		Uptime: humanize.RelTime(s.started, s.now(), "", ""),
		Tasks:  counts,
	}
	if s.deps.Remote != nil {
		h := s.deps.Remote.Health()
		resp.Remote = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
		if rep, ok := s.deps.Remote.LastSchemaReport(); ok {
			resp.Schema = &rep
			if !rep.Healthy {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitReq struct {
	Type           string          `json:"type"`
	UserID         int64           `json:"user_id"`
	Payload        json.RawMessage `json:"payload"`
	RunAt          *time.Time      `json:"run_at"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type submitResp struct {
	ID string `json:"id"`
}

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
	if err := domain.ValidatePayload(req.Type, req.Payload); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	runAt := s.now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	id, err := s.deps.Repo.Enqueue(r.Context(), domain.NewTask{
		Type:           req.Type,
		UserID:         req.UserID,
		RunAt:          runAt,
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

type taskView struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	UserID         int64           `json:"user_id"`
	Payload        json.RawMessage `json:"payload"`
	Status         domain.Status   `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	RunAt          time.Time       `json:"run_at"`
	LeaseUntil     *time.Time      `json:"lease_until,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

func viewTask(t domain.Task) taskView {
	return taskView{
		ID: t.ID, Type: t.Type, UserID: t.UserID, Payload: rawJSON(t.Payload),
		Status: t.Status, Attempts: t.Attempts, MaxAttempts: t.MaxAttempts, LastError: t.LastError,
		RunAt: t.RunAt, LeaseUntil: t.LeaseUntil, IdempotencyKey: t.IdempotencyKey,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt, FinishedAt: t.FinishedAt,
	}
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return json.RawMessage("{}")
	}
	return b
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", 400)
			return
		}
		limit = n
	}
	tasks, err := s.deps.Repo.ListRecentTasks(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewTask(t))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Repo.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, viewTask(t))
}

type reasonReq struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req reasonReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "canceled by operator"
	}
	err := s.deps.Repo.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, queue.ErrTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), 500)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type leadReq struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	GuideID   string `json:"guide_id"`
	Consent   bool   `json:"consent"`
	Source    string `json:"source"`
	Interests string `json:"interests"`
}

type leadResp struct {
	Recorded        bool     `json:"recorded"`
	Deferred        bool     `json:"deferred,omitempty"`
	ForwardTaskID   string   `json:"forward_task_id,omitempty"`
	FollowupTaskIDs []string `json:"followup_task_ids,omitempty"`
}

// captureLead records a lead in the remote store, forwards it to the CRM and
// starts the follow-up series for the downloaded guide. A remote write that
// was deferred to the queue still counts as recorded.
func (s *Server) captureLead(w http.ResponseWriter, r *http.Request) {
	var req leadReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == 0 || req.Name == "" {
		http.Error(w, "user_id and name are required", 400)
		return
	}
	if req.GuideID != "" {
		if err := campaign.ValidateGuideID(req.GuideID); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	if s.deps.Hard != nil && !s.deps.Hard.Allow(req.UserID, "lead") {
		http.Error(w, "too many lead submissions", http.StatusTooManyRequests)
		return
	}
	ctx := r.Context()
	var resp leadResp

	if s.deps.Leads != nil {
		err := s.deps.Leads.AppendLead(ctx, remote.Lead{
			At: s.now(), UserID: req.UserID, Username: req.Username, Name: req.Name, Email: req.Email,
			Guide: req.GuideID, Consent: req.Consent, Source: req.Source, Interests: req.Interests,
		})
		switch {
		case err == nil:
			resp.Recorded = true
		case errors.Is(err, remote.ErrDeferred):
			resp.Recorded, resp.Deferred = true, true
		default:
			http.Error(w, "record lead: "+err.Error(), http.StatusBadGateway)
			return
		}
	}

	if s.deps.ForwardLeads {
		nt, err := domain.NewTaskFor(req.UserID, s.now(), domain.LeadForwardPayload{
			UserID: req.UserID, Name: req.Name, Contact: req.Email, Source: req.Source, GuideID: req.GuideID,
		})
		if err == nil {
			resp.ForwardTaskID, err = s.deps.Repo.Enqueue(ctx, nt)
		}
		if err != nil {
			http.Error(w, "enqueue forward: "+err.Error(), 500)
			return
		}
	}

	if req.GuideID != "" && s.deps.Planner != nil {
		ids, err := s.deps.Planner.ScheduleFollowup(ctx, req.UserID, req.GuideID)
		if err != nil {
			http.Error(w, "schedule follow-up: "+err.Error(), 500)
			return
		}
		resp.FollowupTaskIDs = ids
	}
	writeJSON(w, http.StatusCreated, resp)
}

type followupReq struct {
	UserID  int64  `json:"user_id"`
	GuideID string `json:"guide_id"`
}

func (s *Server) scheduleFollowup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Planner == nil {
		http.Error(w, "campaigns are not configured", http.StatusServiceUnavailable)
		return
	}
	var req followupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == 0 || req.GuideID == "" {
		http.Error(w, "user_id and guide_id are required", 400)
		return
	}
	ids, err := s.deps.Planner.ScheduleFollowup(r.Context(), req.UserID, req.GuideID)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_ids": ids})
}

func (s *Server) cancelFollowups(w http.ResponseWriter, r *http.Request) {
	if s.deps.Planner == nil {
		http.Error(w, "campaigns are not configured", http.StatusServiceUnavailable)
		return
	}
	var req reasonReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == 0 {
		http.Error(w, "user_id is required", 400)
		return
	}
	n, err := s.deps.Planner.CancelFollowups(r.Context(), req.UserID, req.Reason)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]int{"canceled": n})
}

func (s *Server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		http.Error(w, "cache is not configured", http.StatusServiceUnavailable)
		return
	}
	if key := r.URL.Query().Get("key"); key != "" {
		s.deps.Cache.Invalidate(key)
		s.log.Info().Str("key", key).Msg("cache key invalidated")
	} else {
		s.deps.Cache.InvalidateAll()
		s.log.Info().Msg("cache invalidated")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) validateSchema(w http.ResponseWriter, r *http.Request) {
	if s.deps.Remote == nil {
		http.Error(w, "remote store is not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, 200, s.deps.Remote.ValidateSchema(r.Context()))
}

type scheduleReq struct {
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	TaskType    string          `json:"task_type"`
	UserID      int64           `json:"user_id"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     *bool           `json:"enabled"`
}

type createScheduleResp struct {
	ID string `json:"id"`
}

type scheduleView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	TaskType    string          `json:"task_type"`
	UserID      int64           `json:"user_id"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     bool            `json:"enabled"`
	LastRun     *time.Time      `json:"last_run,omitempty"`
	NextRun     time.Time       `json:"next_run"`
}

func viewSchedule(s domain.Schedule) scheduleView {
	return scheduleView{
		ID: s.ID, Name: s.Name, CronExpr: s.CronExpr, TaskType: s.TaskType, UserID: s.UserID,
		Payload: rawJSON(s.Payload), MaxAttempts: s.MaxAttempts, Enabled: s.Enabled,
		LastRun: s.LastRun, NextRun: s.NextRun,
	}
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
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
	if err := domain.ValidatePayload(req.TaskType, req.Payload); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	nextRun, err := scheduler.NextRunTime(req.CronExpr, s.now())
	if err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}

	schedule := domain.Schedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		TaskType:    req.TaskType,
		UserID:      req.UserID,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		Enabled:     req.Enabled == nil || *req.Enabled,
		NextRun:     nextRun,
	}

	id, err := s.deps.Repo.CreateSchedule(r.Context(), schedule)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]scheduleView, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, viewSchedule(sch))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.deps.Repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, viewSchedule(schedule))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.deps.Repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		nextRun, err := scheduler.NextRunTime(req.CronExpr, s.now())
		if err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		schedule.CronExpr = req.CronExpr
		schedule.NextRun = nextRun
	}
	if req.TaskType != "" {
		schedule.TaskType = req.TaskType
	}
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		schedule.Payload = req.Payload
	}
	if req.UserID != 0 {
		schedule.UserID = req.UserID
	}
	if req.MaxAttempts > 0 {
		schedule.MaxAttempts = req.MaxAttempts
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}
	if err := domain.ValidatePayload(schedule.TaskType, schedule.Payload); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if err := s.deps.Repo.UpdateSchedule(r.Context(), schedule); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, viewSchedule(schedule))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Repo.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
