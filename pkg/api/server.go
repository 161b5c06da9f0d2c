// Package api exposes the HTTP control surface: session lifecycle,
// item enqueueing, event listing, intervention resolution, health, and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/applyops/applyd/pkg/governor"
	"github.com/applyops/applyd/pkg/intervene"
	"github.com/applyops/applyd/pkg/metrics"
	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/session"
	"github.com/applyops/applyd/pkg/store"
)

const defaultEventPageSize = 200

// HealthChecker reports backing-store liveness for the health endpoint.
type HealthChecker func(ctx context.Context) error

// Server is the HTTP control API.
type Server struct {
	controller *session.Controller
	store      store.Store
	governor   *governor.Governor
	bridge     *intervene.Bridge
	metrics    *metrics.Metrics
	health     HealthChecker
}

// NewServer creates the API server. health may be nil when no backing
// store check applies (in-memory mode).
func NewServer(
	ctrl *session.Controller,
	st store.Store,
	gov *governor.Governor,
	bridge *intervene.Bridge,
	m *metrics.Metrics,
	health HealthChecker,
) *Server {
	return &Server{
		controller: ctrl,
		store:      st,
		governor:   gov,
		bridge:     bridge,
		metrics:    m,
		health:     health,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", s.CreateSession)
		v1.GET("/sessions", s.ListSessions)
		v1.GET("/sessions/:id", s.GetSession)
		v1.POST("/sessions/:id/items", s.EnqueueItems)
		v1.POST("/sessions/:id/start", s.StartSession)
		v1.POST("/sessions/:id/pause", s.PauseSession)
		v1.POST("/sessions/:id/resume", s.ResumeSession)
		v1.POST("/sessions/:id/stop", s.StopSession)
		v1.POST("/sessions/:id/cancel", s.CancelSession)
		v1.GET("/sessions/:id/events", s.ListEvents)
		v1.GET("/sessions/:id/digest", s.GetDigest)
		v1.GET("/interventions", s.ListInterventions)
		v1.POST("/interventions/:application_id/resolve", s.ResolveIntervention)
	}
	return r
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateSessionRequest is the body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	UserID         string  `json:"user_id" binding:"required"`
	Name           string  `json:"name"`
	MaxItems       int     `json:"max_items"`
	MaxDurationMin int     `json:"max_duration_minutes"`
	MaxConcurrency int     `json:"max_concurrency"`
	BudgetCost     float64 `json:"budget_cost"`
	Timezone       string  `json:"timezone"`
}

// CreateSession handles POST /api/v1/sessions.
func (s *Server) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	sess, err := s.controller.Create(c.Request.Context(), session.CreateRequest{
		UserID: userID,
		Name:   req.Name,
		Limits: models.SessionLimits{
			MaxItems:       req.MaxItems,
			MaxDuration:    time.Duration(req.MaxDurationMin) * time.Minute,
			MaxConcurrency: req.MaxConcurrency,
			BudgetCost:     req.BudgetCost,
		},
		Timezone: req.Timezone,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ListSessions handles GET /api/v1/sessions.
func (s *Server) ListSessions(c *gin.Context) {
	sessions, err := s.store.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession handles GET /api/v1/sessions/:id: the session row plus live
// pool health and the governor's domain view.
func (s *Server) GetSession(c *gin.Context) {
	id, ok := s.sessionID(c)
	if !ok {
		return
	}
	sess, err := s.store.GetSession(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}

	resp := gin.H{
		"session": sess,
		"domains": s.governor.Snapshot(),
	}
	if health, live := s.controller.PoolHealth(id); live {
		resp["pool"] = health
	}
	c.JSON(http.StatusOK, resp)
}

// EnqueueItemsRequest is the body for POST /api/v1/sessions/:id/items.
type EnqueueItemsRequest struct {
	Items []EnqueueItemRequest `json:"items" binding:"required,min=1"`
}

// EnqueueItemRequest is one job posting in an enqueue request.
type EnqueueItemRequest struct {
	JobURL      string  `json:"job_url" binding:"required"`
	JobTitle    string  `json:"job_title"`
	Company     string  `json:"company"`
	CompanyTier string  `json:"company_tier"`
	EffortHint  string  `json:"effort_hint"`
	MatchScore  float64 `json:"match_score"`
	ResumeRef   string  `json:"resume_ref"`
	ProfileRef  string  `json:"profile_ref"`
}

// EnqueueItems handles POST /api/v1/sessions/:id/items.
func (s *Server) EnqueueItems(c *gin.Context) {
	id, ok := s.sessionID(c)
	if !ok {
		return
	}
	var req EnqueueItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]session.EnqueueItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, session.EnqueueItem{
			JobURL:      item.JobURL,
			JobTitle:    item.JobTitle,
			Company:     item.Company,
			CompanyTier: models.CompanyTier(item.CompanyTier),
			EffortHint:  models.Effort(item.EffortHint),
			MatchScore:  item.MatchScore,
			ResumeRef:   item.ResumeRef,
			ProfileRef:  item.ProfileRef,
		})
	}

	apps, err := s.controller.Enqueue(c.Request.Context(), id, items)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrNotRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"enqueued": len(apps), "applications": apps})
}

// StartSession handles POST /api/v1/sessions/:id/start.
func (s *Server) StartSession(c *gin.Context) {
	s.lifecycleOp(c, s.controller.Start, "started")
}

// PauseSession handles POST /api/v1/sessions/:id/pause.
func (s *Server) PauseSession(c *gin.Context) {
	s.lifecycleOp(c, s.controller.Pause, "paused")
}

// ResumeSession handles POST /api/v1/sessions/:id/resume.
func (s *Server) ResumeSession(c *gin.Context) {
	s.lifecycleOp(c, s.controller.Resume, "resumed")
}

// StopSession handles POST /api/v1/sessions/:id/stop.
func (s *Server) StopSession(c *gin.Context) {
	s.lifecycleOp(c, s.controller.Stop, "draining")
}

// CancelSession handles POST /api/v1/sessions/:id/cancel.
func (s *Server) CancelSession(c *gin.Context) {
	s.lifecycleOp(c, s.controller.Cancel, "cancelling")
}

func (s *Server) lifecycleOp(c *gin.Context, op func(context.Context, uuid.UUID) error, status string) {
	id, ok := s.sessionID(c)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrNotRunning),
			errors.Is(err, session.ErrAlreadyStarted),
			errors.Is(err, store.ErrConflict),
			errors.Is(err, store.ErrIllegalTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// ListEvents handles GET /api/v1/sessions/:id/events?after=N&limit=M.
func (s *Server) ListEvents(c *gin.Context) {
	id, ok := s.sessionID(c)
	if !ok {
		return
	}
	after, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultEventPageSize)))
	if limit <= 0 || limit > 1000 {
		limit = defaultEventPageSize
	}

	events, err := s.store.ListEvents(c.Request.Context(), id, after, limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetDigest handles GET /api/v1/sessions/:id/digest.
func (s *Server) GetDigest(c *gin.Context) {
	id, ok := s.sessionID(c)
	if !ok {
		return
	}
	digest, err := s.store.GetDigest(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, digest)
}

// ListInterventions handles GET /api/v1/interventions.
func (s *Server) ListInterventions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.bridge.Pending()})
}

// ResolveInterventionRequest is the body for resolving an intervention.
type ResolveInterventionRequest struct {
	Action     string `json:"action" binding:"required,oneof=resolved skip abort"`
	Value      string `json:"value"`
	ResolvedBy string `json:"resolved_by"`
}

// ResolveIntervention handles POST /api/v1/interventions/:application_id/resolve.
func (s *Server) ResolveIntervention(c *gin.Context) {
	appID, err := uuid.Parse(c.Param("application_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid application id"})
		return
	}
	var req ResolveInterventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = s.bridge.Resolve(appID, intervene.Resolution{
		Action:     intervene.Action(req.Action),
		Value:      req.Value,
		ResolvedBy: req.ResolvedBy,
	})
	if err != nil {
		switch {
		case errors.Is(err, intervene.ErrNoPendingIntervention):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved", "action": req.Action})
}

func (s *Server) sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
