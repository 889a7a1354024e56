package taskserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crucible/internal/broker"
	"crucible/internal/custom_errors"
	"crucible/internal/models"
	"crucible/internal/models/config"
	"crucible/internal/repository"
	"crucible/internal/state"
)

const (
	shutdownTimeout = 10 * time.Second
	defaultPageSize = 50
	maxPageSize     = 500
)

// Server is the competition-facing HTTP API. Submissions are persisted before
// they are enqueued, so a task ID returned from submit always resolves on the
// status endpoint.
type Server struct {
	tasks     repository.TaskRepository
	campaigns repository.CampaignRepository
	brk       broker.Broker
	cfg       *config.CRSConfig
	log       *zap.Logger

	httpServer *http.Server
}

func NewServer(
	tasks repository.TaskRepository,
	campaigns repository.CampaignRepository,
	brk broker.Broker,
	cfg *config.CRSConfig,
	log *zap.Logger,
) *Server {
	s := &Server{
		tasks:     tasks,
		campaigns: campaigns,
		brk:       brk,
		cfg:       cfg,
		log:       log.Named("taskserver"),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/tasks", s.requireAuth(http.HandlerFunc(s.submitTask)))
	mux.Handle("GET /v1/tasks/{id}", s.requireAuth(http.HandlerFunc(s.getTask)))
	mux.Handle("POST /v1/campaigns", s.requireAuth(http.HandlerFunc(s.upsertCampaign)))
	mux.Handle("GET /v1/campaigns/{id}", s.requireAuth(http.HandlerFunc(s.getCampaignStatus)))
	mux.Handle("GET /v1/campaigns/{id}/tasks", s.requireAuth(http.HandlerFunc(s.listCampaignTasks)))
	mux.Handle("GET /v1/stats", s.requireAuth(http.HandlerFunc(s.getStats)))
	mux.HandleFunc("GET /healthz", s.healthz)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: mux,
	}
	return s
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// Handler exposes the configured routes for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type submitTaskRequest struct {
	CampaignID  string          `json:"campaign_id"`
	Kind        models.TaskKind `json:"kind"`
	Target      string          `json:"target"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Deadline    string          `json:"deadline,omitempty"`
}

func (req submitTaskRequest) validate() *custom_errors.ValidationError {
	vErr := &custom_errors.ValidationError{}
	if req.CampaignID == "" {
		vErr.Add(errors.New("campaign_id is required"))
	}
	if !req.Kind.Valid() {
		vErr.Add(fmt.Errorf("unknown task kind %q", req.Kind))
	}
	if req.Target == "" {
		vErr.Add(errors.New("target is required"))
	}
	if req.Priority < models.MinPriority || req.Priority > models.MaxPriority {
		vErr.Add(fmt.Errorf("priority must be between %d and %d", models.MinPriority, models.MaxPriority))
	}
	if req.MaxAttempts < 0 {
		vErr.Add(errors.New("max_attempts must not be negative"))
	}
	return vErr
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if vErr := req.validate(); vErr.HasError() {
		s.writeError(w, http.StatusBadRequest, vErr.Error())
		return
	}

	deadline := s.cfg.TaskTimeout
	if req.Deadline != "" {
		var err error
		if deadline, err = time.ParseDuration(req.Deadline); err != nil || deadline <= 0 {
			s.writeError(w, http.StatusBadRequest, "deadline must be a positive duration")
			return
		}
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	task := models.Task{
		ID:          uuid.NewString(),
		CampaignID:  req.CampaignID,
		Kind:        req.Kind,
		Target:      req.Target,
		Priority:    req.Priority,
		Payload:     req.Payload,
		Status:      state.StatusPending,
		MaxAttempts: maxAttempts,
		Deadline:    deadline,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.tasks.Insert(r.Context(), task); err != nil {
		s.log.Error("task insert failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}

	// A failed enqueue is not fatal: the row is already durable and the
	// scheduler's reconciliation pass will enqueue it.
	if err := s.brk.Enqueue(r.Context(), task); err != nil {
		s.log.Warn("enqueue failed, deferring to reconciliation",
			zap.String("task_id", task.ID), zap.Error(err))
	}

	s.log.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("campaign_id", task.CampaignID),
		zap.String("kind", task.Kind.String()))
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.log.Error("task lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "task store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

type upsertCampaignRequest struct {
	ID          string     `json:"id"`
	ProjectName string     `json:"project_name"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

func (s *Server) upsertCampaign(w http.ResponseWriter, r *http.Request) {
	var req upsertCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	vErr := &custom_errors.ValidationError{}
	if req.ProjectName == "" {
		vErr.Add(errors.New("project_name is required"))
	}
	if vErr.HasError() {
		s.writeError(w, http.StatusBadRequest, vErr.Error())
		return
	}

	campaign := models.Campaign{
		ID:          req.ID,
		ProjectName: req.ProjectName,
		Deadline:    req.Deadline,
		CreatedAt:   time.Now().UTC(),
	}
	if campaign.ID == "" {
		campaign.ID = uuid.NewString()
	}

	if err := s.campaigns.Upsert(r.Context(), campaign); err != nil {
		s.log.Error("campaign upsert failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "campaign store unavailable")
		return
	}
	s.writeJSON(w, http.StatusCreated, campaign)
}

func (s *Server) getCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	campaign, err := s.campaigns.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignNotFound) {
			s.writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		s.log.Error("campaign lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "campaign store unavailable")
		return
	}

	counts, err := s.tasks.CountByCampaignGroupedByStatus(r.Context(), id)
	if err != nil {
		s.log.Error("campaign counts failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "task store unavailable")
		return
	}

	status := models.CampaignStatus{Campaign: *campaign, Counts: counts}
	s.writeJSON(w, http.StatusOK, struct {
		models.CampaignStatus
		Done bool `json:"done"`
	}{status, status.Done()})
}

func (s *Server) listCampaignTasks(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pagination(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var statuses []state.TaskStatus
	for _, raw := range r.URL.Query()["status"] {
		status := state.TaskStatus(raw)
		valid := false
		for _, known := range state.AllStatuses {
			if status == known {
				valid = true
				break
			}
		}
		if !valid {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		statuses = append(statuses, status)
	}

	result, err := s.tasks.ListByCampaign(r.Context(), r.PathValue("id"), page, pageSize, statuses)
	if err != nil {
		s.log.Error("campaign task listing failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "task store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type statsResponse struct {
	Tasks    map[state.TaskStatus]int  `json:"tasks"`
	Pending  map[models.TaskKind]int64 `json:"queue_depth"`
	InFlight int64                     `json:"in_flight"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.tasks.CountGroupedByStatus(r.Context())
	if err != nil {
		s.log.Error("stats query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "task store unavailable")
		return
	}

	pending, inFlight, err := s.brk.PendingCounts(r.Context())
	if err != nil {
		s.log.Error("queue depth query failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Tasks:    counts,
		Pending:  pending,
		InFlight: inFlight,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pagination(r *http.Request) (page int, pageSize int, err error) {
	page, pageSize = 1, defaultPageSize
	q := r.URL.Query()
	if raw := q.Get("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
	}
	if raw := q.Get("page_size"); raw != "" {
		if pageSize, err = strconv.Atoi(raw); err != nil || pageSize < 1 || pageSize > maxPageSize {
			return 0, 0, fmt.Errorf("page_size must be between 1 and %d", maxPageSize)
		}
	}
	return page, pageSize, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
